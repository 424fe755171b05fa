package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage/memory"
)

const event = domain.EventOracleRequest

func newTestManager() (*Manager, *memory.MemoryStorage) {
	store := memory.NewMemoryStorage()
	return NewManager(store.Checkpoints(), store), store
}

func TestManager_ResumeSeeds(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	seed := uint64(1000)
	h, err := m.Resume(ctx, event, &seed)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if h != 999 {
		t.Errorf("expected 999, got %d", h)
	}

	// Stored value wins over the seed on the next start.
	other := uint64(5)
	h, err = m.Resume(ctx, event, &other)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if h != 999 {
		t.Errorf("expected stored 999, got %d", h)
	}
}

func TestManager_ResumeWithoutSeed(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Resume(context.Background(), event, nil)
	if !errors.Is(err, ErrNoSeed) {
		t.Fatalf("expected ErrNoSeed, got %v", err)
	}
	if domain.Classify(err) != domain.CategoryConfiguration {
		t.Errorf("expected configuration failure, got %s", domain.Classify(err))
	}
}

func TestManager_ResumeSeedZero(t *testing.T) {
	m, _ := newTestManager()

	seed := uint64(0)
	h, err := m.Resume(context.Background(), event, &seed)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if h != 0 {
		t.Errorf("expected 0, got %d", h)
	}
}

func TestManager_CommitAdvances(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager()

	seed := uint64(100)
	if _, err := m.Resume(ctx, event, &seed); err != nil {
		t.Fatal(err)
	}

	jobs := []*domain.Job{
		{RequestID: "0x01", RequestHeight: 101, Status: domain.JobStatusPending},
		{RequestID: "0x02", RequestHeight: 105, Status: domain.JobStatusPending},
	}
	n, err := m.Commit(ctx, event, jobs, 110)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 inserted, got %d", n)
	}

	h, ok, err := m.Height(ctx, event)
	if err != nil || !ok {
		t.Fatalf("Height failed: %v", err)
	}
	if h != 110 {
		t.Errorf("expected 110, got %d", h)
	}

	// Re-committing the same range inserts nothing new.
	n, err = m.Commit(ctx, event, jobs, 110)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 inserted on replay, got %d", n)
	}

	if _, err := store.Jobs().Get(ctx, "0x02"); err != nil {
		t.Errorf("job not stored: %v", err)
	}
}

func TestManager_CommitRejectsRegression(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	seed := uint64(51)
	if _, err := m.Resume(ctx, event, &seed); err != nil {
		t.Fatal(err)
	}

	_, err := m.Commit(ctx, event, nil, 40)
	if !errors.Is(err, ErrRegression) {
		t.Fatalf("expected ErrRegression, got %v", err)
	}

	h, _, _ := m.Height(ctx, event)
	if h != 50 {
		t.Errorf("checkpoint moved to %d", h)
	}
}

type failingWriter struct{}

func (failingWriter) IngestRange(context.Context, string, []*domain.Job, uint64) (int, error) {
	return 0, errors.New("disk full")
}

func TestManager_CommitFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	m := NewManager(store.Checkpoints(), failingWriter{})

	seed := uint64(11)
	if _, err := m.Resume(ctx, event, &seed); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Commit(ctx, event, nil, 20); err == nil {
		t.Fatal("expected error")
	}

	h, _, _ := m.Height(ctx, event)
	if h != 10 {
		t.Errorf("expected checkpoint 10, got %d", h)
	}
}

func TestManager_ResetAndLag(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	seed := uint64(501)
	if _, err := m.Resume(ctx, event, &seed); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(ctx, event, 200); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	lag, err := m.Lag(ctx, event, 250)
	if err != nil {
		t.Fatalf("Lag failed: %v", err)
	}
	if lag != 50 {
		t.Errorf("expected lag 50, got %d", lag)
	}
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector(3)
	start := time.Unix(1_700_000_000, 0)

	mc.RecordAdvance(100, 1, start)
	mc.RecordAdvance(110, 2, start.Add(5*time.Second))
	mc.RecordAdvance(120, 0, start.Add(10*time.Second))
	mc.RecordAdvance(130, 0, start.Add(15*time.Second))

	m := mc.GetMetrics()
	if m.RequestsSeen != 3 {
		t.Errorf("expected 3 requests, got %d", m.RequestsSeen)
	}
	// Window holds 110..130 over 10s.
	if m.BlocksPerSecond != 2 {
		t.Errorf("expected 2 blocks/s, got %f", m.BlocksPerSecond)
	}
	if m.LastAdvanceAt == nil || !m.LastAdvanceAt.Equal(start.Add(15*time.Second)) {
		t.Errorf("unexpected last advance: %v", m.LastAdvanceAt)
	}
}

func TestManager_Advance(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	if err := m.Advance(ctx, event, 10); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := m.Advance(ctx, event, 10); err != nil {
		t.Fatalf("Advance to same height failed: %v", err)
	}
	if err := m.Advance(ctx, event, 9); !errors.Is(err, ErrRegression) {
		t.Fatalf("expected ErrRegression, got %v", err)
	}
	if got := m.GetMetrics(event); got.LastAdvanceAt == nil {
		t.Error("expected advance to be recorded")
	}
}
