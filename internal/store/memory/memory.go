package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

// Repository is an in-memory schemas.Repository used by tests and dry runs.
type Repository struct {
	mu        sync.Mutex
	pending   *schemas.PendingAutomation
	completed map[string]time.Time
	staleness time.Duration
	now       func() time.Time
}

var _ schemas.Repository = (*Repository)(nil)

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		completed: make(map[string]time.Time),
		staleness: schemas.StalenessWindow,
		now:       time.Now,
	}
}

// WithClock overrides the clock, for staleness tests.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) GetPending(_ context.Context) (*schemas.PendingAutomation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil, schemas.ErrNotFound
	}
	if r.now().Sub(r.pending.LastUpdatedAt) > r.staleness {
		r.pending = nil
		return nil, schemas.ErrStaleState
	}
	cp := *r.pending
	cp.ExecutedSteps = make(map[int]bool, len(r.pending.ExecutedSteps))
	for k, v := range r.pending.ExecutedSteps {
		cp.ExecutedSteps[k] = v
	}
	return &cp, nil
}

func (r *Repository) PutPending(_ context.Context, p *schemas.PendingAutomation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	cp.ExecutedSteps = make(map[int]bool, len(p.ExecutedSteps))
	for k, v := range p.ExecutedSteps {
		cp.ExecutedSteps[k] = v
	}
	r.pending = &cp
	return nil
}

func (r *Repository) DeletePending(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return schemas.ErrNotFound
	}
	r.pending = nil
	return nil
}

func (r *Repository) RecordCompletedSession(_ context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[sessionID] = at
	return nil
}

func (r *Repository) RecentCompletedSessions(_ context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(r.completed))
	for id, at := range r.completed {
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids, nil
}

func (r *Repository) Close() error { return nil }
