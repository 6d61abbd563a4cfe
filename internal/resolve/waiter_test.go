package resolve

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

const emptyPage = `<html><body><div id="shell"></div></body></html>`

func staticSnapshot(t *testing.T, src string) SnapshotFunc {
	t.Helper()
	root := parseDoc(t, src)
	return func(context.Context) (*html.Node, error) {
		return root, nil
	}
}

func TestAwaitImmediateHit(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewResolver(zaptest.NewLogger(t))

	res, err := r.Await(context.Background(),
		schemas.Step{Description: "Save", Selector: "#save-btn", TimeoutMs: 500},
		staticSnapshot(t, settingsPage), nil)
	require.NoError(t, err)
	assert.Equal(t, StrategySelector, res.Strategy)
}

func TestAwaitElementAppearsOnMutation(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewResolver(zaptest.NewLogger(t))

	var appeared atomic.Bool
	snap := func(context.Context) (*html.Node, error) {
		if appeared.Load() {
			return parseDoc(t, settingsPage), nil
		}
		return parseDoc(t, emptyPage), nil
	}

	mutations := make(chan struct{}, 1)
	go func() {
		time.Sleep(120 * time.Millisecond)
		appeared.Store(true)
		mutations <- struct{}{}
	}()

	start := time.Now()
	res, err := r.Await(context.Background(),
		schemas.Step{Description: "Save", Selector: "#save-btn", TimeoutMs: 3000},
		snap, mutations)
	require.NoError(t, err)
	assert.Equal(t, StrategySelector, res.Strategy)
	// Resolved well before the full deadline.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAwaitNotFoundOnlyAfterFullDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewResolver(zaptest.NewLogger(t))

	start := time.Now()
	_, err := r.Await(context.Background(),
		schemas.Step{Description: "Ghost button", Selector: "#ghost", TimeoutMs: 300},
		staticSnapshot(t, emptyPage), nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrElementNotFound)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestAwaitContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewResolver(zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Await(ctx,
		schemas.Step{Description: "Ghost", Selector: "#ghost", TimeoutMs: 5000},
		staticSnapshot(t, emptyPage), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitClosedMutationFeedKeepsPolling(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewResolver(zaptest.NewLogger(t))

	var appeared atomic.Bool
	snap := func(context.Context) (*html.Node, error) {
		if appeared.Load() {
			return parseDoc(t, settingsPage), nil
		}
		return parseDoc(t, emptyPage), nil
	}

	mutations := make(chan struct{})
	close(mutations)
	go func() {
		time.Sleep(150 * time.Millisecond)
		appeared.Store(true)
	}()

	// With the feed closed the poll ticker still finds the element.
	res, err := r.Await(context.Background(),
		schemas.Step{Description: "Save", Selector: "#save-btn", TimeoutMs: 3000},
		snap, mutations)
	require.NoError(t, err)
	assert.Equal(t, StrategySelector, res.Strategy)
}

func TestAwaitSnapshotFailuresAreRetried(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewResolver(zaptest.NewLogger(t))

	var calls atomic.Int32
	snap := func(context.Context) (*html.Node, error) {
		if calls.Add(1) < 3 {
			return nil, context.DeadlineExceeded
		}
		return parseDoc(t, settingsPage), nil
	}

	res, err := r.Await(context.Background(),
		schemas.Step{Description: "Save", Selector: "#save-btn", TimeoutMs: 3000},
		snap, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategySelector, res.Strategy)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}
