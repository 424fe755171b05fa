package fulfillment

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

// Processor advances one job.
type Processor interface {
	Process(ctx context.Context, job *domain.Job) error
}

// DispatcherConfig holds dispatcher configuration.
type DispatcherConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int

	// StaleAfter must match the executor's takeover threshold.
	StaleAfter time.Duration
}

// Dispatcher polls the job ledger and hands work to a bounded pool of
// workers. A job is never queued twice while a worker holds it.
type Dispatcher struct {
	jobs      storage.JobRepository
	processor Processor
	cfg       DispatcherConfig
	log       *slog.Logger

	queue chan *domain.Job
	fatal chan error

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(jobs storage.JobRepository, processor Processor, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Dispatcher{
		jobs:      jobs,
		processor: processor,
		cfg:       cfg,
		log:       slog.Default().With("component", "dispatcher"),
		queue:     make(chan *domain.Job, cfg.Workers*2),
		fatal:     make(chan error, 1),
		inFlight:  make(map[string]struct{}),
	}
}

// Run polls and processes jobs until ctx is cancelled or a worker hits a
// configuration or consistency failure, which is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	d.log.Info("Dispatcher started", "workers", d.cfg.Workers, "poll_interval", d.cfg.PollInterval)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("Poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			break loop
		case err := <-d.fatal:
			runErr = err
			break loop
		case <-ticker.C:
		}
	}

	cancel()
	wg.Wait()
	return runErr
}

// Poll queues every actionable job not already in flight and returns how
// many were queued. Pending, submitted and stale resolving jobs share one
// queue ordered by request height; jobs that do not fit wait for the next
// poll.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	due, err := d.jobs.Query(ctx, storage.JobQuery{
		Statuses: []domain.JobStatus{domain.JobStatusPending, domain.JobStatusSubmitted},
		Limit:    d.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query due jobs: %w", err)
	}
	stale, err := d.jobs.Query(ctx, storage.JobQuery{
		Statuses: []domain.JobStatus{domain.JobStatusResolving},
		IdleFor:  d.cfg.StaleAfter,
		Limit:    d.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query stale jobs: %w", err)
	}

	jobs := append(due, stale...)
	slices.SortStableFunc(jobs, func(a, b *domain.Job) int {
		if c := cmp.Compare(a.RequestHeight, b.RequestHeight); c != 0 {
			return c
		}
		return cmp.Compare(a.RequestID, b.RequestID)
	})

	queued := 0
	for _, job := range jobs {
		if !d.acquire(job.RequestID) {
			continue
		}
		select {
		case d.queue <- job:
			queued++
		default:
			d.release(job.RequestID)
			return queued, nil
		}
	}
	return queued, nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			err := d.processor.Process(ctx, job)
			d.release(job.RequestID)
			if err == nil || ctx.Err() != nil {
				continue
			}

			switch domain.Classify(err) {
			case domain.CategoryConfiguration, domain.CategoryConsistency:
				d.log.Error("Worker halting", "worker", id, "request_id", job.RequestID, "error", err)
				select {
				case d.fatal <- err:
				default:
				}
				return
			default:
				d.log.Warn("Job processing failed", "worker", id, "request_id", job.RequestID, "status", job.Status, "error", err)
			}
		}
	}
}

func (d *Dispatcher) acquire(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[requestID]; ok {
		return false
	}
	d.inFlight[requestID] = struct{}{}
	return true
}

func (d *Dispatcher) release(requestID string) {
	d.mu.Lock()
	delete(d.inFlight, requestID)
	d.mu.Unlock()
}
