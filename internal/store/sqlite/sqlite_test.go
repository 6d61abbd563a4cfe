package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/store/sqlite"
)

func newTestRepo(t *testing.T, now func() time.Time) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "state.db"),
		Logger: zaptest.NewLogger(t),
		Now:    now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func samplePending(now time.Time) *schemas.PendingAutomation {
	return schemas.NewPendingAutomation(schemas.Instruction{
		Action:    schemas.ActionMultiStepNavigation,
		TargetURL: "https://example.com/settings",
		SessionID: "session-42",
		Steps: []schemas.Step{
			{Description: "Open menu", Selector: "#menu"},
			{Description: "Save", Selector: "#save", Critical: true},
		},
	}, now)
}

func TestPendingRoundTrip(t *testing.T) {
	repo := newTestRepo(t, nil)
	ctx := context.Background()
	now := time.Now()

	_, err := repo.GetPending(ctx)
	require.ErrorIs(t, err, schemas.ErrNotFound)

	p := samplePending(now)
	p.MarkExecuted(0, now)
	require.NoError(t, repo.PutPending(ctx, p))

	got, err := repo.GetPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-42", got.Instruction.SessionID)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.True(t, got.Executed(0))
	assert.False(t, got.Executed(1))
}

func TestPendingUpsertKeepsSingleRecord(t *testing.T) {
	repo := newTestRepo(t, nil)
	ctx := context.Background()
	now := time.Now()

	first := samplePending(now)
	require.NoError(t, repo.PutPending(ctx, first))

	second := samplePending(now)
	second.Instruction.SessionID = "session-43"
	require.NoError(t, repo.PutPending(ctx, second))

	got, err := repo.GetPending(ctx)
	require.NoError(t, err)
	// The newer record replaced the older one.
	assert.Equal(t, "session-43", got.Instruction.SessionID)
}

func TestStaleRecordDiscardedOnGet(t *testing.T) {
	base := time.Now()
	current := base
	repo := newTestRepo(t, func() time.Time { return current })
	ctx := context.Background()

	p := samplePending(base)
	require.NoError(t, repo.PutPending(ctx, p))

	// Inside the window the record survives.
	current = base.Add(schemas.StalenessWindow - time.Second)
	_, err := repo.GetPending(ctx)
	require.NoError(t, err)

	// Past the window it is reported stale and removed.
	current = base.Add(schemas.StalenessWindow + time.Second)
	_, err = repo.GetPending(ctx)
	require.ErrorIs(t, err, schemas.ErrStaleState)

	_, err = repo.GetPending(ctx)
	require.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestDeletePending(t *testing.T) {
	repo := newTestRepo(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, repo.DeletePending(ctx), schemas.ErrNotFound)

	require.NoError(t, repo.PutPending(ctx, samplePending(time.Now())))
	require.NoError(t, repo.DeletePending(ctx))

	_, err := repo.GetPending(ctx)
	require.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestCompletedSessionsNewestFirst(t *testing.T) {
	repo := newTestRepo(t, nil)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.RecordCompletedSession(ctx, "s-old", base.Add(-2*time.Hour)))
	require.NoError(t, repo.RecordCompletedSession(ctx, "s-mid", base.Add(-time.Hour)))
	require.NoError(t, repo.RecordCompletedSession(ctx, "s-new", base))

	ids, err := repo.RecentCompletedSessions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-new", "s-mid"}, ids)

	// Recording an id again refreshes its recency instead of duplicating.
	require.NoError(t, repo.RecordCompletedSession(ctx, "s-old", base.Add(time.Minute)))
	ids, err = repo.RecentCompletedSessions(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-old", "s-new", "s-mid"}, ids)
}

func TestRepositoryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: path, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, repo.PutPending(ctx, samplePending(time.Now())))
	require.NoError(t, repo.Close())

	reopened, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: path, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-42", got.Instruction.SessionID)
}
