// Package bus carries the message protocol between the orchestrator
// (privileged context) and the page-context executor. Every request is
// answered exactly once; asynchronous notices flow the other way.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

// Call is one in-flight request. Reply resolves it; only the first reply
// counts, later ones are dropped.
type Call struct {
	Envelope schemas.Envelope

	reply chan schemas.Envelope
	once  sync.Once
}

// Reply resolves the call with the given payload, correlated to the
// request id. Exactly one reply is delivered per call.
func (c *Call) Reply(typ schemas.MessageType, payload any) error {
	env, err := schemas.NewEnvelope(c.Envelope.ID, typ, payload)
	if err != nil {
		return err
	}
	c.once.Do(func() {
		c.reply <- env
		close(c.reply)
	})
	return nil
}

// Bus is a single channel pair between the two contexts.
type Bus struct {
	calls   chan *Call
	notices chan schemas.Envelope
	logger  *zap.Logger
}

// New creates a bus. Notices are buffered so page-context senders never
// block on a slow orchestrator.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		calls:   make(chan *Call),
		notices: make(chan schemas.Envelope, 16),
		logger:  logger.Named("bus"),
	}
}

// Request sends a request and blocks until its single reply or context
// cancellation.
func (b *Bus) Request(ctx context.Context, typ schemas.MessageType, payload any) (schemas.Envelope, error) {
	env, err := schemas.NewEnvelope(uuid.NewString(), typ, payload)
	if err != nil {
		return schemas.Envelope{}, err
	}
	call := &Call{Envelope: env, reply: make(chan schemas.Envelope, 1)}

	select {
	case b.calls <- call:
	case <-ctx.Done():
		return schemas.Envelope{}, fmt.Errorf("request %s not dispatched: %w", typ, ctx.Err())
	}

	select {
	case reply, ok := <-call.reply:
		if !ok {
			return schemas.Envelope{}, fmt.Errorf("request %s resolved empty", typ)
		}
		if reply.ID != env.ID {
			return schemas.Envelope{}, fmt.Errorf("reply correlation mismatch: sent %s, got %s", env.ID, reply.ID)
		}
		return reply, nil
	case <-ctx.Done():
		return schemas.Envelope{}, fmt.Errorf("request %s timed out: %w", typ, ctx.Err())
	}
}

// Calls exposes the request stream to the serving side.
func (b *Bus) Calls() <-chan *Call { return b.calls }

// Notify publishes an asynchronous notification (completion, failure,
// page-ready). Notices are dropped rather than blocking when the consumer
// lags badly.
func (b *Bus) Notify(typ schemas.MessageType, payload any) {
	env, err := schemas.NewEnvelope("", typ, payload)
	if err != nil {
		b.logger.Warn("Dropping malformed notice.", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	select {
	case b.notices <- env:
	default:
		b.logger.Warn("Dropping notice, consumer lagging.", zap.String("type", string(typ)))
	}
}

// Notices exposes the notification stream.
func (b *Bus) Notices() <-chan schemas.Envelope { return b.notices }
