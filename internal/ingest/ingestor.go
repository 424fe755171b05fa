// Package ingest turns router request events into pending jobs.
//
// One Ingestor scans one event type. Each cycle reads the checkpoint h,
// computes the confirmed target h' = head - confirmationDepth and, while
// h' > h, fetches the events of (h, h'] in chunks of at most MaxBlockRange
// blocks. Every chunk's jobs and its checkpoint advance are committed
// together; replaying a chunk after a crash inserts nothing new.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/oracle/internal/core/checkpoint"
	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/core/retry"
	"github.com/vietddude/oracle/internal/infra/chain"
	"github.com/vietddude/oracle/internal/metrics"
)

// Leaser guards the scan loop across processes.
type Leaser interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Config holds ingestor configuration.
type Config struct {
	Event       string
	Chain       chain.Adapter
	Checkpoints *checkpoint.Manager

	// StartHeight seeds the checkpoint when none is stored.
	StartHeight       *uint64
	ConfirmationDepth uint64
	MaxBlockRange     uint64
	ScanInterval      time.Duration
	Backoff           retry.Backoff

	// Lease is optional; without it the process assumes it is the only scanner.
	Lease    Leaser
	LeaseTTL time.Duration
	Owner    string
}

// Status is a snapshot of the scan loop.
type Status struct {
	Event           string     `json:"event"`
	Running         bool       `json:"running"`
	Checkpoint      uint64     `json:"checkpoint"`
	ChainHead       uint64     `json:"chain_head"`
	Target          uint64     `json:"target"`
	Lag             int64      `json:"lag"`
	BlocksPerSecond float64    `json:"blocks_per_second"`
	RequestsSeen    int        `json:"requests_seen"`
	LastCycleAt     *time.Time `json:"last_cycle_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Ingestor is the single scanning loop of one event type.
type Ingestor struct {
	cfg     Config
	running atomic.Bool
	stop    chan struct{}
	stopped sync.Once
	log     *slog.Logger

	mu     sync.RWMutex
	status Status
}

// NewIngestor creates a new ingestor.
func NewIngestor(cfg Config) *Ingestor {
	if cfg.Event == "" {
		cfg.Event = domain.EventOracleRequest
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 1000
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = retry.DefaultBackoff()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = max(3*cfg.ScanInterval, 30*time.Second)
	}
	return &Ingestor{
		cfg:    cfg,
		stop:   make(chan struct{}),
		log:    slog.Default().With("component", "ingestor", "event", cfg.Event),
		status: Status{Event: cfg.Event},
	}
}

// Start runs the scan loop until ctx is cancelled or Stop is called.
// Returns an error only when the pipeline must halt: a configuration
// problem or a failure that would risk skipping requests.
func (i *Ingestor) Start(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ingestor already running")
	}
	defer i.running.Store(false)

	h, err := i.cfg.Checkpoints.Resume(ctx, i.cfg.Event, i.cfg.StartHeight)
	if err != nil {
		return fmt.Errorf("failed to resume checkpoint: %w", err)
	}
	i.log.Info("Ingestor started", "checkpoint", h, "confirmation_depth", i.cfg.ConfirmationDepth)

	if i.cfg.Lease != nil {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := i.cfg.Lease.ReleaseLease(releaseCtx, i.leaseName(), i.cfg.Owner); err != nil {
				i.log.Warn("Failed to release scan lease", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(i.cfg.ScanInterval)
	defer ticker.Stop()

	failures := 0
	for {
		err := i.catchUp(ctx)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return nil
		case domain.IsTransient(err):
			delay := i.cfg.Backoff.Delay(failures)
			failures++
			i.log.Warn("Scan cycle failed, retrying", "error", err, "attempt", failures, "retry_in", delay)
			if retry.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		default:
			i.log.Error("Scan cycle failed, halting ingestor", "error", err,
				"category", domain.Classify(err))
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-i.stop:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop stops the scan loop.
func (i *Ingestor) Stop() error {
	i.stopped.Do(func() { close(i.stop) })
	return nil
}

// GetStatus returns the current status
func (i *Ingestor) GetStatus() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	s := i.status
	s.Running = i.running.Load()
	m := i.cfg.Checkpoints.GetMetrics(i.cfg.Event)
	s.BlocksPerSecond = m.BlocksPerSecond
	s.RequestsSeen = m.RequestsSeen
	return s
}

// catchUp runs cycles back to back until the checkpoint reaches the
// confirmed target.
func (i *Ingestor) catchUp(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.stop:
			return nil
		default:
		}

		more, err := i.RunCycle(ctx)
		i.recordCycle(err)
		if err != nil || !more {
			return err
		}
	}
}

// RunCycle processes at most one chunk. more reports whether the
// checkpoint is still behind the confirmed target.
func (i *Ingestor) RunCycle(ctx context.Context) (more bool, err error) {
	if i.cfg.Lease != nil {
		ok, err := i.cfg.Lease.AcquireLease(ctx, i.leaseName(), i.cfg.Owner, i.cfg.LeaseTTL)
		if err != nil {
			return false, domain.Transient(fmt.Errorf("failed to acquire scan lease: %w", err))
		}
		if !ok {
			i.log.Debug("Scan lease held by another process")
			return false, nil
		}
	}

	// 1. Read current position
	h, ok, err := i.cfg.Checkpoints.Height(ctx, i.cfg.Event)
	if err != nil {
		return false, domain.Transient(err)
	}
	if !ok {
		if h, err = i.cfg.Checkpoints.Resume(ctx, i.cfg.Event, i.cfg.StartHeight); err != nil {
			return false, err
		}
	}

	// 2. Determine confirmed target
	head, err := i.cfg.Chain.CurrentHeight(ctx)
	if err != nil {
		return false, err
	}
	var target uint64
	if head > i.cfg.ConfirmationDepth {
		target = head - i.cfg.ConfirmationDepth
	}

	i.mu.Lock()
	i.status.Checkpoint = h
	i.status.ChainHead = head
	i.status.Target = target
	i.status.Lag = int64(target) - int64(h)
	i.mu.Unlock()

	if target <= h {
		return false, nil
	}

	// 3. Fetch events of (h, to]
	to := min(target, h+i.cfg.MaxBlockRange)
	events, err := i.cfg.Chain.RequestLogs(ctx, h+1, to)
	if err != nil {
		return false, err
	}

	// 4. Build jobs, dropping duplicate log emissions
	jobs := make([]*domain.Job, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if _, dup := seen[ev.RequestID]; dup {
			continue
		}
		seen[ev.RequestID] = struct{}{}
		jobs = append(jobs, domain.NewJobFromEvent(ev))
	}

	// 5. Insert jobs and advance the checkpoint together
	inserted, err := i.cfg.Checkpoints.Commit(ctx, i.cfg.Event, jobs, to)
	if err != nil {
		if errors.Is(err, checkpoint.ErrRegression) {
			return false, domain.ConsistencyError(err)
		}
		return false, err
	}
	metrics.RequestsIngested.WithLabelValues(i.cfg.Event).Add(float64(inserted))

	i.mu.Lock()
	i.status.Checkpoint = to
	i.status.Lag = int64(target) - int64(to)
	i.mu.Unlock()

	logFn := i.log.Debug
	if len(events) > 0 {
		logFn = i.log.Info
	}
	logFn("Range ingested",
		"from", h+1,
		"to", to,
		"events", len(events),
		"new_jobs", inserted,
		"lag", int64(target)-int64(to),
	)
	return to < target, nil
}

func (i *Ingestor) recordCycle(err error) {
	now := time.Now()
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.LastCycleAt = &now
	if err != nil {
		i.status.LastError = err.Error()
	} else {
		i.status.LastError = ""
	}
}

func (i *Ingestor) leaseName() string {
	return "scan:" + i.cfg.Event
}
