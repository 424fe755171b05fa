package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrStatusMismatch is returned when a conditional job update finds the
	// row in a different status than expected, already terminal, or claimed
	// by another owner.
	ErrStatusMismatch = errors.New("job status mismatch")

	// ErrAlreadyFulfilled is returned when the ledger already holds a row
	// for the request id.
	ErrAlreadyFulfilled = errors.New("request already fulfilled")
)

// CheckpointRepository persists the last processed height per event.
type CheckpointRepository interface {
	// Get returns the checkpoint, or ErrNotFound.
	Get(ctx context.Context, event string) (*domain.Checkpoint, error)

	// Set upserts the height. The stored height never decreases.
	Set(ctx context.Context, event string, height uint64) error

	// Reset overwrites the height unconditionally (operator tool).
	Reset(ctx context.Context, event string, height uint64) error
}

// PairRepository holds the supported pair registry.
type PairRepository interface {
	// GetByName returns the pair, or ErrNotFound.
	GetByName(ctx context.Context, name string) (*domain.Pair, error)

	// GetByBaseTarget returns the pair, or ErrNotFound.
	GetByBaseTarget(ctx context.Context, base, target string) (*domain.Pair, error)

	// Upsert inserts or replaces a pair.
	Upsert(ctx context.Context, pair *domain.Pair) error

	// List returns all pairs ordered by name.
	List(ctx context.Context) ([]*domain.Pair, error)
}

// JobQuery selects jobs from the ledger.
type JobQuery struct {
	Statuses []domain.JobStatus

	// IdleFor restricts the result to rows untouched for at least that
	// long, measured on the store's clock.
	IdleFor time.Duration

	Limit int
}

// JobRepository is the job ledger.
type JobRepository interface {
	// InsertIfAbsent inserts a job unless its request id exists.
	// Returns true when a row was inserted.
	InsertIfAbsent(ctx context.Context, job *domain.Job) (bool, error)

	// Get returns the job, or ErrNotFound.
	Get(ctx context.Context, requestID string) (*domain.Job, error)

	// Claim atomically moves a job from claim.From to claim.To.
	// Returns false when another caller won or the status moved on.
	Claim(ctx context.Context, claim domain.Claim) (bool, error)

	// Update writes fields conditionally on the current status being
	// expected. Returns ErrStatusMismatch otherwise.
	Update(
		ctx context.Context,
		requestID string,
		expected domain.JobStatus,
		update domain.JobUpdate,
	) error

	// Query returns jobs ordered by request height ascending.
	Query(ctx context.Context, q JobQuery) ([]*domain.Job, error)

	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// FulfilledRepository is the append-only fulfilled-request ledger.
type FulfilledRepository interface {
	// Exists reports whether the request has been fulfilled.
	Exists(ctx context.Context, requestID string) (bool, error)

	// Get returns the ledger row, or ErrNotFound.
	Get(ctx context.Context, requestID string) (*domain.FulfilledRequest, error)

	// Append writes the row, or returns ErrAlreadyFulfilled.
	Append(ctx context.Context, record *domain.FulfilledRequest) error

	// Unreconciled returns ledger rows whose job is not confirmed.
	Unreconciled(ctx context.Context, limit int) ([]*domain.FulfilledRequest, error)
}

// Store groups the repositories with the multi-record atomic operations.
type Store interface {
	Checkpoints() CheckpointRepository
	Pairs() PairRepository
	Jobs() JobRepository
	Fulfilled() FulfilledRepository

	// IngestRange inserts the jobs (skipping known request ids) and then
	// advances the checkpoint of event to height, all in one transaction.
	// Returns the number of newly inserted jobs.
	IngestRange(ctx context.Context, event string, jobs []*domain.Job, height uint64) (int, error)

	// ConfirmJob appends the ledger row and flips the job from expected to
	// confirmed in one transaction.
	ConfirmJob(
		ctx context.Context,
		expected domain.JobStatus,
		record *domain.FulfilledRequest,
		update domain.JobUpdate,
	) error

	// RepairFromLedger forces a non-confirmed job to confirmed using the
	// fields of its ledger row.
	RepairFromLedger(ctx context.Context, record *domain.FulfilledRequest) (bool, error)

	Health(ctx context.Context) error
	Close() error
}
