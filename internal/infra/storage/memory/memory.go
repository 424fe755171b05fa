package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

// MemoryStorage is a process-local Store. A single mutex serialises every
// operation, which gives the same atomicity as a database transaction.
type MemoryStorage struct {
	mu          sync.RWMutex
	checkpoints map[string]*domain.Checkpoint
	pairs       map[string]*domain.Pair
	jobs        map[string]*domain.Job
	fulfilled   map[string]*domain.FulfilledRequest

	now func() time.Time
}

var _ storage.Store = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		checkpoints: make(map[string]*domain.Checkpoint),
		pairs:       make(map[string]*domain.Pair),
		jobs:        make(map[string]*domain.Job),
		fulfilled:   make(map[string]*domain.FulfilledRequest),
		now:         time.Now,
	}
}

// SetClock replaces the clock used for created_at and updated_at.
func (s *MemoryStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStorage) Checkpoints() storage.CheckpointRepository { return &CheckpointRepo{s} }
func (s *MemoryStorage) Pairs() storage.PairRepository             { return &PairRepo{s} }
func (s *MemoryStorage) Jobs() storage.JobRepository               { return &JobRepo{s} }
func (s *MemoryStorage) Fulfilled() storage.FulfilledRepository    { return &FulfilledRepo{s} }

func (s *MemoryStorage) Health(ctx context.Context) error { return nil }
func (s *MemoryStorage) Close() error                     { return nil }

// IngestRange inserts jobs then advances the checkpoint under one lock.
func (s *MemoryStorage) IngestRange(
	ctx context.Context,
	event string,
	jobs []*domain.Job,
	height uint64,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, j := range jobs {
		if s.insertJobLocked(j) {
			inserted++
		}
	}
	s.setCheckpointLocked(event, height)
	return inserted, nil
}

// ConfirmJob appends the ledger row and flips the job under one lock.
func (s *MemoryStorage) ConfirmJob(
	ctx context.Context,
	expected domain.JobStatus,
	record *domain.FulfilledRequest,
	update domain.JobUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fulfilled[record.RequestID]; ok {
		return storage.ErrAlreadyFulfilled
	}
	job, ok := s.jobs[record.RequestID]
	if !ok {
		return storage.ErrNotFound
	}
	if job.Status != expected || !domain.CanTransition(expected, domain.JobStatusConfirmed) {
		return storage.ErrStatusMismatch
	}

	r := *record
	r.CreatedAt = s.now()
	s.fulfilled[r.RequestID] = &r

	update.Status = domain.JobStatusConfirmed
	update.Apply(job)
	job.UpdatedAt = s.now()
	return nil
}

// RepairFromLedger forces the job to confirmed when it diverged.
func (s *MemoryStorage) RepairFromLedger(
	ctx context.Context,
	record *domain.FulfilledRequest,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[record.RequestID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if job.Status == domain.JobStatusConfirmed {
		return false, nil
	}
	job.Status = domain.JobStatusConfirmed
	job.StatusReason = "repaired from fulfilled ledger"
	job.FulfillTxHash = record.FulfillTxHash
	job.Price = record.Price
	job.GasUsed = record.Gas
	job.RequestCompleteHeight = record.CompleteHeight
	job.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStorage) insertJobLocked(j *domain.Job) bool {
	if _, ok := s.jobs[j.RequestID]; ok {
		return false
	}
	c := *j
	if c.Status == "" {
		c.Status = domain.JobStatusPending
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.jobs[c.RequestID] = &c
	return true
}

func (s *MemoryStorage) setCheckpointLocked(event string, height uint64) {
	cp, ok := s.checkpoints[event]
	if !ok {
		s.checkpoints[event] = &domain.Checkpoint{Event: event, Height: height, UpdatedAt: s.now()}
		return
	}
	if height > cp.Height {
		cp.Height = height
	}
	cp.UpdatedAt = s.now()
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	store *MemoryStorage
}

func (r *CheckpointRepo) Get(ctx context.Context, event string) (*domain.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	cp, ok := r.store.checkpoints[event]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *cp
	return &c, nil
}

func (r *CheckpointRepo) Set(ctx context.Context, event string, height uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.setCheckpointLocked(event, height)
	return nil
}

func (r *CheckpointRepo) Reset(ctx context.Context, event string, height uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.checkpoints[event] = &domain.Checkpoint{Event: event, Height: height, UpdatedAt: r.store.now()}
	return nil
}

// -----------------------------------------------------------------------------
// Pair Repository
// -----------------------------------------------------------------------------

type PairRepo struct {
	store *MemoryStorage
}

func (r *PairRepo) GetByName(ctx context.Context, name string) (*domain.Pair, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.pairs[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r *PairRepo) GetByBaseTarget(ctx context.Context, base, target string) (*domain.Pair, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, p := range r.store.pairs {
		if p.Base == base && p.Target == target {
			c := *p
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *PairRepo) Upsert(ctx context.Context, pair *domain.Pair) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *pair
	r.store.pairs[c.Name] = &c
	return nil
}

func (r *PairRepo) List(ctx context.Context) ([]*domain.Pair, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	res := make([]*domain.Pair, 0, len(r.store.pairs))
	for _, p := range r.store.pairs {
		c := *p
		res = append(res, &c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func (r *JobRepo) InsertIfAbsent(ctx context.Context, job *domain.Job) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.insertJobLocked(job), nil
}

func (r *JobRepo) Get(ctx context.Context, requestID string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	j, ok := r.store.jobs[requestID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (r *JobRepo) Claim(ctx context.Context, claim domain.Claim) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	j, ok := r.store.jobs[claim.RequestID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if j.Status != claim.From || !domain.CanTransition(claim.From, claim.To) {
		return false, nil
	}
	if claim.StaleAfter > 0 && !j.UpdatedAt.Before(r.store.now().Add(-claim.StaleAfter)) {
		return false, nil
	}
	j.Status = claim.To
	j.ClaimedBy = claim.Owner
	j.UpdatedAt = r.store.now()
	return true, nil
}

func (r *JobRepo) Update(
	ctx context.Context,
	requestID string,
	expected domain.JobStatus,
	update domain.JobUpdate,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	j, ok := r.store.jobs[requestID]
	if !ok {
		return storage.ErrNotFound
	}
	if j.Status != expected || expected.IsTerminal() {
		return storage.ErrStatusMismatch
	}
	if update.Status != expected && !domain.CanTransition(expected, update.Status) {
		return storage.ErrStatusMismatch
	}
	if update.Owner != "" && j.ClaimedBy != update.Owner {
		return storage.ErrStatusMismatch
	}
	update.Apply(j)
	j.UpdatedAt = r.store.now()
	return nil
}

func (r *JobRepo) Query(ctx context.Context, q storage.JobQuery) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	want := make(map[domain.JobStatus]bool, len(q.Statuses))
	for _, s := range q.Statuses {
		want[s] = true
	}

	idleSince := r.store.now().Add(-q.IdleFor)
	var res []*domain.Job
	for _, j := range r.store.jobs {
		if len(want) > 0 && !want[j.Status] {
			continue
		}
		if q.IdleFor > 0 && !j.UpdatedAt.Before(idleSince) {
			continue
		}
		c := *j
		res = append(res, &c)
	}
	sort.Slice(res, func(i, k int) bool {
		if res[i].RequestHeight != res[k].RequestHeight {
			return res[i].RequestHeight < res[k].RequestHeight
		}
		return res[i].RequestID < res[k].RequestID
	})
	if q.Limit > 0 && len(res) > q.Limit {
		res = res[:q.Limit]
	}
	return res, nil
}

func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.JobStatus]int)
	for _, j := range r.store.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// Fulfilled Repository
// -----------------------------------------------------------------------------

type FulfilledRepo struct {
	store *MemoryStorage
}

func (r *FulfilledRepo) Exists(ctx context.Context, requestID string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.fulfilled[requestID]
	return ok, nil
}

func (r *FulfilledRepo) Get(ctx context.Context, requestID string) (*domain.FulfilledRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	f, ok := r.store.fulfilled[requestID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (r *FulfilledRepo) Append(ctx context.Context, record *domain.FulfilledRequest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.fulfilled[record.RequestID]; ok {
		return storage.ErrAlreadyFulfilled
	}
	c := *record
	c.CreatedAt = r.store.now()
	r.store.fulfilled[c.RequestID] = &c
	return nil
}

func (r *FulfilledRepo) Unreconciled(ctx context.Context, limit int) ([]*domain.FulfilledRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var res []*domain.FulfilledRequest
	for id, f := range r.store.fulfilled {
		if j, ok := r.store.jobs[id]; ok && j.Status == domain.JobStatusConfirmed {
			continue
		}
		c := *f
		res = append(res, &c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RequestID < res[j].RequestID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
