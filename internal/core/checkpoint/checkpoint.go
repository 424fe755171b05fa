// Package checkpoint tracks the last processed chain height per event type.
//
// The checkpoint is the ingestor's bookmark: after a restart scanning resumes
// at checkpoint+1. Heights only move forward; the job inserts of a range and
// the checkpoint advance over it are committed together, so a crash either
// keeps both or neither and re-scanning a range is harmless.
//
//	manager := checkpoint.NewManager(store.Checkpoints(), store)
//
//	// Resume, seeding block 1000 as the first block to scan
//	h, _ := manager.Resume(ctx, domain.EventOracleRequest, &seed)
//
//	// Persist jobs for (h, 1010] and move the checkpoint to 1010
//	manager.Commit(ctx, domain.EventOracleRequest, jobs, 1010)
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
	"github.com/vietddude/oracle/internal/metrics"
)

var (
	// ErrRegression is returned when a commit would move the checkpoint back.
	ErrRegression = errors.New("checkpoint regression")

	// ErrNoSeed is returned when no checkpoint exists and no start height is configured.
	ErrNoSeed = errors.New("no checkpoint and no start height configured")
)

// RangeWriter persists a scanned range atomically.
type RangeWriter interface {
	IngestRange(ctx context.Context, event string, jobs []*domain.Job, height uint64) (int, error)
}

// Manager owns checkpoint reads and writes for every event type.
type Manager struct {
	repo   storage.CheckpointRepository
	writer RangeWriter

	mu         sync.RWMutex
	collectors map[string]*MetricsCollector
	now        func() time.Time
}

// NewManager creates a new checkpoint manager.
func NewManager(repo storage.CheckpointRepository, writer RangeWriter) *Manager {
	return &Manager{
		repo:       repo,
		writer:     writer,
		collectors: make(map[string]*MetricsCollector),
		now:        time.Now,
	}
}

// Height returns the stored height; ok is false when none exists.
func (m *Manager) Height(ctx context.Context, event string) (uint64, bool, error) {
	cp, err := m.repo.Get(ctx, event)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp.Height, true, nil
}

// Resume returns the height to continue from. Without a stored checkpoint
// it persists seed-1, so the seed block itself is the first one scanned.
func (m *Manager) Resume(ctx context.Context, event string, seed *uint64) (uint64, error) {
	h, ok, err := m.Height(ctx, event)
	if err != nil {
		return 0, err
	}
	if ok {
		metrics.CheckpointHeight.WithLabelValues(event).Set(float64(h))
		return h, nil
	}
	if seed == nil {
		return 0, domain.ConfigurationError(fmt.Errorf("%w for event %s", ErrNoSeed, event))
	}

	start := *seed
	if start > 0 {
		start--
	}
	if err := m.repo.Set(ctx, event, start); err != nil {
		return 0, fmt.Errorf("failed to seed checkpoint: %w", err)
	}
	metrics.CheckpointHeight.WithLabelValues(event).Set(float64(start))
	return start, nil
}

// Commit persists the jobs of a scanned range and advances the checkpoint
// to height in one atomic write. Returns the number of new jobs.
func (m *Manager) Commit(
	ctx context.Context,
	event string,
	jobs []*domain.Job,
	height uint64,
) (int, error) {
	current, ok, err := m.Height(ctx, event)
	if err != nil {
		return 0, err
	}
	if ok && height < current {
		return 0, fmt.Errorf("%w: %s at %d, got %d", ErrRegression, event, current, height)
	}

	inserted, err := m.writer.IngestRange(ctx, event, jobs, height)
	if err != nil {
		return 0, fmt.Errorf("failed to commit range: %w", err)
	}

	metrics.CheckpointHeight.WithLabelValues(event).Set(float64(height))
	m.collector(event).RecordAdvance(height, inserted, m.now())
	return inserted, nil
}

// Advance moves the checkpoint to height without writing jobs.
func (m *Manager) Advance(ctx context.Context, event string, height uint64) error {
	current, ok, err := m.Height(ctx, event)
	if err != nil {
		return err
	}
	if ok && height < current {
		return fmt.Errorf("%w: %s at %d, got %d", ErrRegression, event, current, height)
	}
	if err := m.repo.Set(ctx, event, height); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	metrics.CheckpointHeight.WithLabelValues(event).Set(float64(height))
	m.collector(event).RecordAdvance(height, 0, m.now())
	return nil
}

// Reset forces the checkpoint to height. Operator use only.
func (m *Manager) Reset(ctx context.Context, event string, height uint64) error {
	if err := m.repo.Reset(ctx, event, height); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	metrics.CheckpointHeight.WithLabelValues(event).Set(float64(height))
	return nil
}

// Lag returns how many blocks the checkpoint trails head.
func (m *Manager) Lag(ctx context.Context, event string, head uint64) (int64, error) {
	h, _, err := m.Height(ctx, event)
	if err != nil {
		return 0, err
	}
	return int64(head) - int64(h), nil
}

// GetMetrics returns ingestion throughput for an event.
func (m *Manager) GetMetrics(event string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collectors[event]; ok {
		return c.GetMetrics()
	}
	return Metrics{}
}

func (m *Manager) collector(event string) *MetricsCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[event]
	if !ok {
		c = NewMetricsCollector(100)
		m.collectors[event] = c
	}
	return c
}
