package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/store/sqlite/migrations"
)

// The durable record lives in a single row; absence means idle.
const pendingRowID = 1

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	// StalenessWindow bounds how old a pending record may be before Get
	// treats it as absent. Defaults to schemas.StalenessWindow.
	StalenessWindow time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = schemas.StalenessWindow
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Logger = c.Logger.Named("store.sqlite")
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Repository is the SQLite implementation of schemas.Repository.
type Repository struct {
	db        *sql.DB
	logger    *zap.Logger
	staleness time.Duration
	now       func() time.Time
}

var _ schemas.Repository = (*Repository)(nil)

// NewRepository opens (and migrates) the database at cfg.DBPath.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debug("SQLite repository initialized", zap.String("path", cfg.DBPath))

	return &Repository{
		db:        db,
		logger:    cfg.Logger,
		staleness: cfg.StalenessWindow,
		now:       cfg.Now,
	}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// GetPending returns the persisted record. A record older than the
// staleness window is deleted and reported as absent via ErrStaleState.
func (r *Repository) GetPending(ctx context.Context) (*schemas.PendingAutomation, error) {
	var payload []byte
	var updatedAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM pending_automation WHERE id = ?`, pendingRowID,
	).Scan(&payload, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, schemas.ErrNotFound
		}
		return nil, fmt.Errorf("could not query pending automation: %w", err)
	}

	if r.now().Sub(time.Unix(updatedAt, 0)) > r.staleness {
		r.logger.Info("Discarding stale pending automation record.")
		if err := r.DeletePending(ctx); err != nil && !errors.Is(err, schemas.ErrNotFound) {
			r.logger.Warn("Could not delete stale record.", zap.Error(err))
		}
		return nil, schemas.ErrStaleState
	}

	p, err := schemas.UnmarshalPendingAutomation(payload)
	if err != nil {
		return nil, fmt.Errorf("could not decode pending automation: %w", err)
	}
	return p, nil
}

// PutPending inserts or replaces the single pending record.
func (r *Repository) PutPending(ctx context.Context, p *schemas.PendingAutomation) error {
	if p == nil {
		return fmt.Errorf("pending automation is nil")
	}
	payload, err := schemas.MarshalPendingAutomation(p)
	if err != nil {
		return fmt.Errorf("could not encode pending automation: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pending_automation (id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, pendingRowID, payload, p.LastUpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("could not persist pending automation: %w", err)
	}

	r.logger.Debug("Persisted pending automation",
		zap.String("session_id", p.Instruction.SessionID),
		zap.Int("current_step_index", p.CurrentStepIndex))
	return nil
}

// DeletePending removes the record; missing records are not an error for
// abort paths, which must always end clean.
func (r *Repository) DeletePending(ctx context.Context) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_automation WHERE id = ?`, pendingRowID)
	if err != nil {
		return fmt.Errorf("could not delete pending automation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return schemas.ErrNotFound
	}
	r.logger.Debug("Deleted pending automation record")
	return nil
}

// RecordCompletedSession stores a finished session id for dedup warm-start.
func (r *Repository) RecordCompletedSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO completed_sessions (session_id, completed_at)
		VALUES (?, ?)
		ON CONFLICT (session_id) DO UPDATE SET completed_at = excluded.completed_at
	`, sessionID, at.Unix())
	if err != nil {
		return fmt.Errorf("could not record completed session: %w", err)
	}
	return nil
}

// RecentCompletedSessions returns the most recently completed session ids,
// newest first.
func (r *Repository) RecentCompletedSessions(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id FROM completed_sessions
		ORDER BY completed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query completed sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return ids, nil
}
