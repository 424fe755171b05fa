package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
type CheckpointRepo struct {
	db sqlx.ExtContext
}

// NewCheckpointRepo creates a new PostgreSQL checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

// Get retrieves the checkpoint of an event.
func (r *CheckpointRepo) Get(ctx context.Context, event string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := sqlx.GetContext(ctx, r.db, &cp,
		`SELECT event, height, updated_at FROM checkpoints WHERE event = $1`, event)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get checkpoint", err)
	}
	return &cp, nil
}

// Set upserts the height; GREATEST keeps the stored height monotonic even
// against a concurrent or replayed writer.
func (r *CheckpointRepo) Set(ctx context.Context, event string, height uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (event, height, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event) DO UPDATE SET
			height = GREATEST(checkpoints.height, EXCLUDED.height),
			updated_at = now()
	`, event, int64(height))
	return wrapErr("set checkpoint", err)
}

// Reset overwrites the height unconditionally.
func (r *CheckpointRepo) Reset(ctx context.Context, event string, height uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (event, height, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event) DO UPDATE SET height = EXCLUDED.height, updated_at = now()
	`, event, int64(height))
	return wrapErr("reset checkpoint", err)
}
