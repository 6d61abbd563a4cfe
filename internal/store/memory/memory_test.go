package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/store/memory"
)

func pendingWith(sessionID string, now time.Time) *schemas.PendingAutomation {
	return schemas.NewPendingAutomation(schemas.Instruction{
		Action:    schemas.ActionSingleStep,
		TargetURL: "https://example.com",
		SessionID: sessionID,
		Steps:     []schemas.Step{{Description: "Save", Selector: "#save"}},
	}, now)
}

func TestMemoryPendingLifecycle(t *testing.T) {
	repo := memory.NewRepository()
	ctx := context.Background()

	_, err := repo.GetPending(ctx)
	require.ErrorIs(t, err, schemas.ErrNotFound)

	require.NoError(t, repo.PutPending(ctx, pendingWith("s-1", time.Now())))
	got, err := repo.GetPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.Instruction.SessionID)

	// The returned record is a copy; mutating it does not leak back.
	got.MarkExecuted(0, time.Now())
	again, err := repo.GetPending(ctx)
	require.NoError(t, err)
	assert.False(t, again.Executed(0))

	require.NoError(t, repo.DeletePending(ctx))
	require.ErrorIs(t, repo.DeletePending(ctx), schemas.ErrNotFound)
}

func TestMemoryStaleness(t *testing.T) {
	base := time.Now()
	current := base
	repo := memory.NewRepository().WithClock(func() time.Time { return current })
	ctx := context.Background()

	require.NoError(t, repo.PutPending(ctx, pendingWith("s-1", base)))

	current = base.Add(schemas.StalenessWindow + time.Minute)
	_, err := repo.GetPending(ctx)
	require.ErrorIs(t, err, schemas.ErrStaleState)

	_, err = repo.GetPending(ctx)
	require.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestMemoryCompletedSessions(t *testing.T) {
	repo := memory.NewRepository()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.RecordCompletedSession(ctx, "a", base.Add(-time.Hour)))
	require.NoError(t, repo.RecordCompletedSession(ctx, "b", base))

	ids, err := repo.RecentCompletedSessions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids)

	ids, err = repo.RecentCompletedSessions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}
