package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
)

// HeightFetcher fetches the latest block height of the chain.
type HeightFetcher interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// LagReporter reports how many blocks an event checkpoint trails head.
type LagReporter interface {
	Lag(ctx context.Context, event string, head uint64) (int64, error)
}

// JobCounter counts jobs per status.
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Health(ctx context.Context) error
}

// Thresholds decide when a component is degraded or critical.
type Thresholds struct {
	LagDegraded     uint64
	LagCritical     uint64
	BacklogDegraded int
	BacklogCritical int
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LagDegraded:     10,
		LagCritical:     100,
		BacklogDegraded: 500,
		BacklogCritical: 5000,
	}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	event             string
	confirmationDepth uint64
	chain             HeightFetcher
	checkpoints       LagReporter
	jobs              JobCounter
	store             Pinger
	thresholds        Thresholds

	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	event string,
	confirmationDepth uint64,
	chain HeightFetcher,
	checkpoints LagReporter,
	jobs JobCounter,
	store Pinger,
) *Monitor {
	return &Monitor{
		event:             event,
		confirmationDepth: confirmationDepth,
		chain:             chain,
		checkpoints:       checkpoints,
		jobs:              jobs,
		store:             store,
		thresholds:        DefaultThresholds(),
		cacheFor:          10 * time.Second,
	}
}

// SetThresholds overrides the default thresholds.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
}

// CheckHealth builds the health report. Results are cached briefly so
// probes do not hammer the RPC node.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		Ingest:  m.checkIngest(ctx),
		Jobs:    m.checkJobs(ctx),
		Storage: "ok",
	}
	report.SystemStatus = worst(report.Ingest.Status, report.Jobs.Status)

	if m.store != nil {
		if err := m.store.Health(ctx); err != nil {
			report.Storage = err.Error()
			report.SystemStatus = StatusCritical
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

func (m *Monitor) checkIngest(ctx context.Context) IngestHealth {
	h := IngestHealth{Event: m.event, Status: StatusHealthy}

	head, err := m.chain.CurrentHeight(ctx)
	if err != nil {
		// If we can't get height, that's degradation
		h.Status = StatusDegraded
		h.Error = err.Error()
		return h
	}
	h.ChainHead = head

	lag, err := m.checkpoints.Lag(ctx, m.event, head)
	if err != nil {
		h.Status = StatusDegraded
		h.Error = err.Error()
		return h
	}
	// The checkpoint trails head by the confirmation depth on purpose.
	if lag > int64(m.confirmationDepth) {
		h.BlockLag = uint64(lag) - m.confirmationDepth
	}

	switch {
	case h.BlockLag > m.thresholds.LagCritical:
		h.Status = StatusCritical
	case h.BlockLag > m.thresholds.LagDegraded:
		h.Status = StatusDegraded
	}
	return h
}

func (m *Monitor) checkJobs(ctx context.Context) JobHealth {
	h := JobHealth{Status: StatusHealthy}

	counts, err := m.jobs.CountByStatus(ctx)
	if err != nil {
		h.Status = StatusDegraded
		return h
	}
	h.Counts = counts

	for status, n := range counts {
		switch {
		case !status.IsTerminal():
			h.Backlog += n
		case status != domain.JobStatusConfirmed:
			h.Failures += n
		}
	}

	switch {
	case h.Backlog > m.thresholds.BacklogCritical:
		h.Status = StatusCritical
	case h.Backlog > m.thresholds.BacklogDegraded:
		h.Status = StatusDegraded
	}
	return h
}
