package postgres

import (
	"context"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

// Store implements storage.Store on top of PostgreSQL.
type Store struct {
	db          *DB
	checkpoints *CheckpointRepo
	pairs       *PairRepo
	jobs        *JobRepo
	fulfilled   *FulfilledRepo
}

var _ storage.Store = (*Store)(nil)

// NewStore creates the repositories sharing one connection pool.
func NewStore(db *DB) *Store {
	return &Store{
		db:          db,
		checkpoints: NewCheckpointRepo(db),
		pairs:       NewPairRepo(db),
		jobs:        NewJobRepo(db),
		fulfilled:   NewFulfilledRepo(db),
	}
}

func (s *Store) Checkpoints() storage.CheckpointRepository { return s.checkpoints }
func (s *Store) Pairs() storage.PairRepository             { return s.pairs }
func (s *Store) Jobs() storage.JobRepository               { return s.jobs }
func (s *Store) Fulfilled() storage.FulfilledRepository    { return s.fulfilled }

func (s *Store) Health(ctx context.Context) error { return s.db.Health(ctx) }
func (s *Store) Close() error                     { return s.db.Close() }

// IngestRange inserts the jobs and then advances the checkpoint in one
// transaction. A crash before commit leaves both untouched.
func (s *Store) IngestRange(
	ctx context.Context,
	event string,
	jobs []*domain.Job,
	height uint64,
) (int, error) {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return 0, err
	}
	defer uow.Rollback()

	inserted, err := uow.SaveJobs(ctx, jobs)
	if err != nil {
		return 0, err
	}
	if err := uow.AdvanceCheckpoint(ctx, event, height); err != nil {
		return 0, err
	}
	if err := uow.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ConfirmJob appends the ledger row and flips the job status together.
func (s *Store) ConfirmJob(
	ctx context.Context,
	expected domain.JobStatus,
	record *domain.FulfilledRequest,
	update domain.JobUpdate,
) error {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.AppendFulfilled(ctx, record); err != nil {
		return err
	}
	update.Status = domain.JobStatusConfirmed
	if err := uow.UpdateJob(ctx, record.RequestID, expected, update); err != nil {
		return err
	}
	return uow.Commit()
}

// RepairFromLedger makes the job agree with its ledger row.
func (s *Store) RepairFromLedger(ctx context.Context, record *domain.FulfilledRequest) (bool, error) {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return false, err
	}
	defer uow.Rollback()

	repaired, err := uow.ForceConfirm(ctx, record)
	if err != nil {
		return false, err
	}
	if err := uow.Commit(); err != nil {
		return false, err
	}
	return repaired, nil
}
