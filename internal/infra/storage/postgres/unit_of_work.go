package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/oracle/internal/core/domain"
)

// UnitOfWork bundles persistence operations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx          *sqlx.Tx
	jobs        *JobRepo
	checkpoints *CheckpointRepo
	fulfilled   *FulfilledRepo
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}

	return &UnitOfWork{
		tx:          tx,
		jobs:        &JobRepo{db: tx},
		checkpoints: &CheckpointRepo{db: tx},
		fulfilled:   &FulfilledRepo{db: tx},
	}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return wrapErr("commit", err)
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// SaveJobs inserts new jobs, skipping request ids already present.
func (u *UnitOfWork) SaveJobs(ctx context.Context, jobs []*domain.Job) (int, error) {
	return u.jobs.insertBatch(ctx, jobs)
}

// AdvanceCheckpoint moves the event checkpoint forward within the transaction.
func (u *UnitOfWork) AdvanceCheckpoint(ctx context.Context, event string, height uint64) error {
	return u.checkpoints.Set(ctx, event, height)
}

// AppendFulfilled writes the fulfilled-request ledger row.
func (u *UnitOfWork) AppendFulfilled(ctx context.Context, rec *domain.FulfilledRequest) error {
	return u.fulfilled.Append(ctx, rec)
}

// UpdateJob applies a conditional job update within the transaction.
func (u *UnitOfWork) UpdateJob(
	ctx context.Context,
	requestID string,
	expected domain.JobStatus,
	update domain.JobUpdate,
) error {
	return u.jobs.Update(ctx, requestID, expected, update)
}

// ForceConfirm flips a diverged job to confirmed from its ledger row.
func (u *UnitOfWork) ForceConfirm(ctx context.Context, rec *domain.FulfilledRequest) (bool, error) {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE jobs SET
			request_status = 'confirmed',
			status_reason = 'repaired from fulfilled ledger',
			fulfill_tx_hash = $2,
			price = $3,
			gas_used = $4,
			request_complete_height = $5,
			updated_at = now()
		WHERE request_id = $1 AND request_status <> 'confirmed'
	`, rec.RequestID, rec.FulfillTxHash, rec.Price, int64(rec.Gas), int64(rec.CompleteHeight))
	if err != nil {
		return false, wrapErr("repair job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("repair job", err)
	}
	return n == 1, nil
}
