package resolve

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

const (
	// minRescanInterval throttles mutation-driven re-scans.
	minRescanInterval = 50 * time.Millisecond
	// pollInterval is the fallback cadence when mutation events are sparse.
	pollInterval = 100 * time.Millisecond
)

// SnapshotFunc captures the live document for one resolution pass.
type SnapshotFunc func(ctx context.Context) (*html.Node, error)

// Await runs the full tiered strategy until the step's deadline: once
// immediately, again on every mutation notification (throttled to
// minRescanInterval), and on a fixed polling interval as a fallback. When a
// mutation notification and the poll tick are ready at the same instant the
// mutation wins; that ordering is deliberate and fixed. NotFound is
// reported only after the full deadline elapses. All timers are released on
// every exit path.
func (r *Resolver) Await(ctx context.Context, step schemas.Step, snap SnapshotFunc, mutations <-chan struct{}) (schemas.Resolution, error) {
	deadline := time.NewTimer(step.Timeout())
	defer deadline.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	limiter := rate.NewLimiter(rate.Every(minRescanInterval), 1)

	scan := func() (schemas.Resolution, bool) {
		root, err := snap(ctx)
		if err != nil {
			// Snapshot failures are tier-local; the next wake retries.
			r.logger.Debug("Snapshot failed during bounded wait.", zap.Error(err))
			return schemas.Resolution{}, false
		}
		return r.Resolve(root, step)
	}

	// Immediate check before any waiting.
	if res, ok := scan(); ok {
		return res, nil
	}

	for {
		select {
		case <-ctx.Done():
			return schemas.Resolution{}, ctx.Err()

		case <-deadline.C:
			return schemas.Resolution{}, fmt.Errorf("%w: %q after %s", schemas.ErrElementNotFound, step.Description, step.Timeout())

		case _, open := <-mutations:
			if !open {
				// Mutation feed gone (page teardown); the ticker keeps polling.
				mutations = nil
				continue
			}
			if !limiter.Allow() {
				continue
			}
			if res, ok := scan(); ok {
				return res, nil
			}

		case <-ticker.C:
			// Mutation notifications take precedence over the ticker.
			select {
			case _, open := <-mutations:
				if !open {
					mutations = nil
				}
			default:
			}
			if res, ok := scan(); ok {
				return res, nil
			}
		}
	}
}
