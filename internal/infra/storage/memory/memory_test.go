package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

func newJob(id string, height uint64) *domain.Job {
	return &domain.Job{
		RequestID:     id,
		RequestTxHash: "0xtx" + id,
		RequestHeight: height,
		Endpoint:      "ETH/USD",
		Consumer:      "0xconsumer",
		Fee:           "1000000000000000000",
		Status:        domain.JobStatusPending,
	}
}

func TestIngestRange_Idempotent(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	jobs := []*domain.Job{newJob("a", 10), newJob("b", 11)}
	n, err := s.IngestRange(ctx, domain.EventOracleRequest, jobs, 20)
	if err != nil {
		t.Fatalf("IngestRange failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 inserted, got %d", n)
	}

	// Replaying the same range inserts nothing.
	n, err = s.IngestRange(ctx, domain.EventOracleRequest, jobs, 20)
	if err != nil {
		t.Fatalf("IngestRange replay failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 inserted on replay, got %d", n)
	}

	counts, _ := s.Jobs().CountByStatus(ctx)
	if counts[domain.JobStatusPending] != 2 {
		t.Errorf("expected 2 pending jobs, got %d", counts[domain.JobStatusPending])
	}
}

func TestCheckpoint_NeverDecreases(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	repo := s.Checkpoints()

	if _, err := repo.Get(ctx, "ev"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_ = repo.Set(ctx, "ev", 100)
	_ = repo.Set(ctx, "ev", 90)

	cp, err := repo.Get(ctx, "ev")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cp.Height != 100 {
		t.Errorf("expected height 100, got %d", cp.Height)
	}

	// Reset is the explicit operator override.
	_ = repo.Reset(ctx, "ev", 50)
	cp, _ = repo.Get(ctx, "ev")
	if cp.Height != 50 {
		t.Errorf("expected reset height 50, got %d", cp.Height)
	}
}

func TestClaim_OnlyOneWinner(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	_, _ = s.Jobs().InsertIfAbsent(ctx, newJob("race", 1))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Jobs().Claim(ctx, domain.Claim{
				RequestID: "race",
				From:      domain.JobStatusPending,
				To:        domain.JobStatusResolving,
				Owner:     "worker",
			})
			if err != nil {
				t.Errorf("Claim failed: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins.Load())
	}
}

func TestClaim_StaleTakeover(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	_, _ = s.Jobs().InsertIfAbsent(ctx, newJob("stale", 1))
	ok, _ := s.Jobs().Claim(ctx, domain.Claim{
		RequestID: "stale", From: domain.JobStatusPending, To: domain.JobStatusResolving, Owner: "dead",
	})
	if !ok {
		t.Fatal("initial claim should succeed")
	}

	takeover := domain.Claim{
		RequestID:   "stale",
		From:        domain.JobStatusResolving,
		To:          domain.JobStatusResolving,
		Owner:       "alive",
		StaleAfter:  30 * time.Second,
	}
	if ok, _ := s.Jobs().Claim(ctx, takeover); ok {
		t.Fatal("fresh claim must not be taken over")
	}

	// Exactly at the threshold is not stale yet.
	clock = clock.Add(30 * time.Second)
	if ok, _ := s.Jobs().Claim(ctx, takeover); ok {
		t.Fatal("claim idle for exactly the threshold must not be taken over")
	}

	clock = clock.Add(time.Minute)
	if ok, _ := s.Jobs().Claim(ctx, takeover); !ok {
		t.Fatal("stale claim should be taken over")
	}
	// The takeover refreshed updated_at, so a second taker loses.
	if ok, _ := s.Jobs().Claim(ctx, takeover); ok {
		t.Fatal("second takeover must lose")
	}

	job, _ := s.Jobs().Get(ctx, "stale")
	if job.ClaimedBy != "alive" {
		t.Errorf("expected owner alive, got %s", job.ClaimedBy)
	}
}

func TestUpdate_TerminalIsImmutable(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	_, _ = s.Jobs().InsertIfAbsent(ctx, newJob("t", 1))

	reason := "unknown pair"
	if err := s.Jobs().Update(ctx, "t", domain.JobStatusPending, domain.JobUpdate{
		Status: domain.JobStatusInvalidPair, StatusReason: &reason,
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	price := "1"
	err := s.Jobs().Update(ctx, "t", domain.JobStatusInvalidPair, domain.JobUpdate{
		Status: domain.JobStatusInvalidPair, Price: &price,
	})
	if !errors.Is(err, storage.ErrStatusMismatch) {
		t.Errorf("expected ErrStatusMismatch for terminal job, got %v", err)
	}

	job, _ := s.Jobs().Get(ctx, "t")
	if job.Price != "" {
		t.Errorf("terminal job mutated: price = %q", job.Price)
	}
}

func TestConfirmJob_AtMostOnce(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	job := newJob("c", 1)
	job.Status = domain.JobStatusSubmitted
	job.FulfillTxHash = "0xfulfill"
	_, _ = s.Jobs().InsertIfAbsent(ctx, job)

	record := domain.NewFulfilledRequest(job, &domain.Receipt{GasUsed: 21000, BlockHeight: 5})
	if err := s.ConfirmJob(ctx, domain.JobStatusSubmitted, record, domain.JobUpdate{}); err != nil {
		t.Fatalf("ConfirmJob failed: %v", err)
	}
	err := s.ConfirmJob(ctx, domain.JobStatusSubmitted, record, domain.JobUpdate{})
	if !errors.Is(err, storage.ErrAlreadyFulfilled) {
		t.Errorf("expected ErrAlreadyFulfilled, got %v", err)
	}

	got, _ := s.Jobs().Get(ctx, "c")
	if got.Status != domain.JobStatusConfirmed {
		t.Errorf("expected confirmed, got %s", got.Status)
	}
}

func TestRepairFromLedger(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	job := newJob("r", 1)
	job.Status = domain.JobStatusSubmitted
	_, _ = s.Jobs().InsertIfAbsent(ctx, job)

	// Simulate a ledger row written without the status flip.
	_ = s.Fulfilled().Append(ctx, &domain.FulfilledRequest{
		RequestID: "r", FulfillTxHash: "0xf", Price: "42", Gas: 50000, CompleteHeight: 9,
	})

	pending, _ := s.Fulfilled().Unreconciled(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected 1 unreconciled row, got %d", len(pending))
	}

	repaired, err := s.RepairFromLedger(ctx, pending[0])
	if err != nil || !repaired {
		t.Fatalf("RepairFromLedger = %v, %v", repaired, err)
	}
	got, _ := s.Jobs().Get(ctx, "r")
	if got.Status != domain.JobStatusConfirmed || got.Price != "42" || got.GasUsed != 50000 {
		t.Errorf("unexpected repaired job: %+v", got)
	}

	pending, _ = s.Fulfilled().Unreconciled(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("expected no unreconciled rows, got %d", len(pending))
	}
}

func TestQuery_OrderedByHeight(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	_, _ = s.Jobs().InsertIfAbsent(ctx, newJob("late", 30))
	_, _ = s.Jobs().InsertIfAbsent(ctx, newJob("early", 10))
	_, _ = s.Jobs().InsertIfAbsent(ctx, newJob("mid", 20))

	jobs, err := s.Jobs().Query(ctx, storage.JobQuery{
		Statuses: []domain.JobStatus{domain.JobStatusPending},
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].RequestID != "early" || jobs[1].RequestID != "mid" {
		t.Errorf("unexpected order: %v", jobs)
	}
}
