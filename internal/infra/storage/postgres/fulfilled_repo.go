package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

const fulfilledColumns = `request_id, request_tx_hash, fulfill_tx_hash, endpoint, price,
	data_consumer, fee, gas, complete_height, created_at`

// FulfilledRepo implements storage.FulfilledRepository using PostgreSQL.
type FulfilledRepo struct {
	db sqlx.ExtContext
}

func NewFulfilledRepo(db *DB) *FulfilledRepo {
	return &FulfilledRepo{db: db}
}

func (r *FulfilledRepo) Exists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.db, &exists,
		`SELECT EXISTS (SELECT 1 FROM fulfilled_requests WHERE request_id = $1)`, requestID)
	if err != nil {
		return false, wrapErr("check fulfilled", err)
	}
	return exists, nil
}

func (r *FulfilledRepo) Get(ctx context.Context, requestID string) (*domain.FulfilledRequest, error) {
	var rec domain.FulfilledRequest
	err := sqlx.GetContext(ctx, r.db, &rec,
		`SELECT `+fulfilledColumns+` FROM fulfilled_requests WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get fulfilled", err)
	}
	return &rec, nil
}

// Append inserts the ledger row. The primary key on request_id is the
// at-most-once guarantee; a conflict surfaces as ErrAlreadyFulfilled.
func (r *FulfilledRepo) Append(ctx context.Context, rec *domain.FulfilledRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fulfilled_requests
			(request_id, request_tx_hash, fulfill_tx_hash, endpoint, price, data_consumer, fee, gas, complete_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.RequestID, rec.RequestTxHash, rec.FulfillTxHash, rec.Endpoint, rec.Price,
		rec.DataConsumer, rec.Fee, int64(rec.Gas), int64(rec.CompleteHeight),
	)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyFulfilled
	}
	return wrapErr("append fulfilled", err)
}

func (r *FulfilledRepo) Unreconciled(ctx context.Context, limit int) ([]*domain.FulfilledRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*domain.FulfilledRequest
	err := sqlx.SelectContext(ctx, r.db, &recs, `
		SELECT f.request_id, f.request_tx_hash, f.fulfill_tx_hash, f.endpoint, f.price,
			f.data_consumer, f.fee, f.gas, f.complete_height, f.created_at
		FROM fulfilled_requests f
		JOIN jobs j ON j.request_id = f.request_id
		WHERE j.request_status <> 'confirmed'
		ORDER BY f.request_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, wrapErr("list unreconciled", err)
	}
	return recs, nil
}
