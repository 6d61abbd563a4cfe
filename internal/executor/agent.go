package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/bus"
)

// Agent serves the page-context side of the message protocol: it consumes
// AUTOMATION_CLICK and VERIFY_DIALOG requests from the bus, runs them on
// the executor, and answers each request exactly once.
type Agent struct {
	executor *Executor
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewAgent wires an executor to a bus.
func NewAgent(e *Executor, b *bus.Bus, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{executor: e, bus: b, logger: logger.Named("agent")}
}

// Serve blocks, answering requests until the context is cancelled.
func (a *Agent) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case call := <-a.bus.Calls():
			a.handle(ctx, call)
		}
	}
}

func (a *Agent) handle(ctx context.Context, call *bus.Call) {
	switch call.Envelope.Type {
	case schemas.MsgAutomationClick:
		var req schemas.ClickRequest
		if err := call.Envelope.Decode(&req); err != nil {
			a.replyError(call, err)
			return
		}
		results := make([]schemas.StepResult, 0, len(req.ElementsToClick))
		for _, step := range req.ElementsToClick {
			results = append(results, a.executor.Execute(ctx, step))
		}
		if err := call.Reply(schemas.MsgAutomationClick, schemas.ClickResponse{Results: results}); err != nil {
			a.logger.Error("Could not reply to click request.", zap.Error(err))
		}

	case schemas.MsgVerifyDialog:
		var req schemas.DialogRequest
		if err := call.Envelope.Decode(&req); err != nil {
			a.replyError(call, err)
			return
		}
		result := a.executor.VerifyDialog(ctx, req.DialogInfo)
		if err := call.Reply(schemas.MsgVerifyDialog, schemas.DialogResponse{Result: result}); err != nil {
			a.logger.Error("Could not reply to dialog request.", zap.Error(err))
		}

	default:
		a.logger.Warn("Unhandled request type.", zap.String("type", string(call.Envelope.Type)))
		a.replyError(call, schemas.ErrAction)
	}
}

func (a *Agent) replyError(call *bus.Call, err error) {
	_ = call.Reply(schemas.MsgAutomationFailed, schemas.FailedNotice{Error: err.Error()})
}
