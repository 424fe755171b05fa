package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
	"github.com/vietddude/oracle/internal/metrics"
)

const jobColumns = `request_id, request_tx_hash, request_height, endpoint, price, consumer, fee,
	fulfill_tx_hash, height_to_fulfill, gas_used, gas_price, request_complete_height,
	request_status, status_reason, attempts, claimed_by, created_at, updated_at`

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db sqlx.ExtContext
}

// NewJobRepo creates a new PostgreSQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// InsertIfAbsent inserts a pending job; request_id uniqueness is the dedup key.
func (r *JobRepo) InsertIfAbsent(ctx context.Context, job *domain.Job) (bool, error) {
	n, err := r.insertBatch(ctx, []*domain.Job{job})
	return n == 1, err
}

// insertBatch inserts jobs with a single multi-row INSERT, skipping
// request ids already in the ledger. Returns the number of new rows.
func (r *JobRepo) insertBatch(ctx context.Context, jobs []*domain.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	requestIDs := make([]string, len(jobs))
	txHashes := make([]string, len(jobs))
	heights := make([]int64, len(jobs))
	endpoints := make([]string, len(jobs))
	consumers := make([]string, len(jobs))
	fees := make([]string, len(jobs))
	deadlines := make([]int64, len(jobs))

	for i, j := range jobs {
		requestIDs[i] = j.RequestID
		txHashes[i] = j.RequestTxHash
		heights[i] = int64(j.RequestHeight)
		endpoints[i] = j.Endpoint
		consumers[i] = j.Consumer
		fees[i] = j.Fee
		deadlines[i] = int64(j.HeightToFulfill)
	}

	metrics.DBBatchSize.WithLabelValues("insert_jobs").Observe(float64(len(jobs)))

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (request_id, request_tx_hash, request_height, endpoint, consumer, fee, height_to_fulfill, request_status)
		SELECT u.request_id, u.request_tx_hash, u.request_height, u.endpoint, u.consumer, u.fee, u.height_to_fulfill, 'pending'
		FROM unnest($1::text[], $2::text[], $3::bigint[], $4::text[], $5::text[], $6::text[], $7::bigint[])
			AS u(request_id, request_tx_hash, request_height, endpoint, consumer, fee, height_to_fulfill)
		ON CONFLICT (request_id) DO NOTHING
	`,
		pq.Array(requestIDs),
		pq.Array(txHashes),
		pq.Array(heights),
		pq.Array(endpoints),
		pq.Array(consumers),
		pq.Array(fees),
		pq.Array(deadlines),
	)
	if err != nil {
		return 0, wrapErr("insert jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("insert jobs", err)
	}
	return int(n), nil
}

// Get retrieves a job by request id.
func (r *JobRepo) Get(ctx context.Context, requestID string) (*domain.Job, error) {
	var job domain.Job
	err := sqlx.GetContext(ctx, r.db, &job,
		`SELECT `+jobColumns+` FROM jobs WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	return &job, nil
}

// Claim is a single conditional UPDATE: Postgres re-evaluates the WHERE
// clause under the row lock, so exactly one concurrent caller matches.
func (r *JobRepo) Claim(ctx context.Context, claim domain.Claim) (bool, error) {
	if !domain.CanTransition(claim.From, claim.To) {
		return false, nil
	}

	query := `
		UPDATE jobs SET request_status = $3, claimed_by = $4, updated_at = now()
		WHERE request_id = $1 AND request_status = $2`
	args := []any{claim.RequestID, string(claim.From), string(claim.To), claim.Owner}
	if claim.StaleAfter > 0 {
		query += ` AND updated_at < now() - make_interval(secs => $5)`
		args = append(args, claim.StaleAfter.Seconds())
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapErr("claim job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("claim job", err)
	}
	return n == 1, nil
}

// Update writes the job fields when its status is still expected.
func (r *JobRepo) Update(
	ctx context.Context,
	requestID string,
	expected domain.JobStatus,
	update domain.JobUpdate,
) error {
	if expected.IsTerminal() {
		return storage.ErrStatusMismatch
	}
	if update.Status != expected && !domain.CanTransition(expected, update.Status) {
		return storage.ErrStatusMismatch
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET
			request_status = $3,
			status_reason = COALESCE($4, status_reason),
			price = COALESCE($5, price),
			fulfill_tx_hash = COALESCE($6, fulfill_tx_hash),
			gas_used = COALESCE($7, gas_used),
			gas_price = COALESCE($8, gas_price),
			request_complete_height = COALESCE($9, request_complete_height),
			attempts = COALESCE($10, attempts),
			updated_at = now()
		WHERE request_id = $1 AND request_status = $2
			AND ($11::text = '' OR claimed_by = $11::text)
	`,
		requestID,
		string(expected),
		string(update.Status),
		update.StatusReason,
		update.Price,
		update.FulfillTxHash,
		nullableInt64(update.GasUsed),
		update.GasPrice,
		nullableInt64(update.RequestCompleteHeight),
		update.Attempts,
		update.Owner,
	)
	if err != nil {
		return wrapErr("update job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update job", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, requestID); err != nil {
			return err
		}
		return storage.ErrStatusMismatch
	}
	return nil
}

// Query returns jobs by status, earliest request first.
func (r *JobRepo) Query(ctx context.Context, q storage.JobQuery) ([]*domain.Job, error) {
	var (
		conds []string
		args  []any
	)
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("request_status = ANY($%d::text[])", len(args)))
	}
	if q.IdleFor > 0 {
		args = append(args, q.IdleFor.Seconds())
		conds = append(conds, fmt.Sprintf("updated_at < now() - make_interval(secs => $%d)", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY request_height ASC, request_id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var jobs []*domain.Job
	if err := sqlx.SelectContext(ctx, r.db, &jobs, query, args...); err != nil {
		return nil, wrapErr("query jobs", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"request_status"`
		Count  int    `db:"count"`
	}
	if err := sqlx.SelectContext(ctx, r.db, &rows,
		`SELECT request_status, count(*) AS count FROM jobs GROUP BY request_status`); err != nil {
		return nil, wrapErr("count jobs", err)
	}
	counts := make(map[domain.JobStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func nullableInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}
