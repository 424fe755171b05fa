package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

// setupTestStore connects to ORACLE_TEST_DATABASE_URL, migrates and
// truncates the schema. Skips when the variable is unset.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("ORACLE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping postgres integration test. Set ORACLE_TEST_DATABASE_URL to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := NewDB(ctx, Config{URL: url, MaxConns: 20})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`TRUNCATE checkpoints, supported_pairs, jobs, fulfilled_requests`); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func testJob(id string, height uint64) *domain.Job {
	return &domain.Job{
		RequestID:       id,
		RequestTxHash:   "0xreq" + id,
		RequestHeight:   height,
		Endpoint:        "ETH/USD",
		Consumer:        "0x00000000000000000000000000000000000000c0",
		Fee:             "100000000000000000",
		HeightToFulfill: height + 10,
	}
}

func TestStore_IngestRangeIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	jobs := []*domain.Job{testJob("0x01", 100), testJob("0x02", 101)}
	n, err := s.IngestRange(ctx, domain.EventOracleRequest, jobs, 105)
	if err != nil {
		t.Fatalf("IngestRange failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 inserted, got %d", n)
	}

	n, err = s.IngestRange(ctx, domain.EventOracleRequest, jobs, 103)
	if err != nil {
		t.Fatalf("IngestRange replay failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 inserted on replay, got %d", n)
	}

	cp, err := s.Checkpoints().Get(ctx, domain.EventOracleRequest)
	if err != nil {
		t.Fatalf("Get checkpoint failed: %v", err)
	}
	if cp.Height != 105 {
		t.Errorf("checkpoint must not regress, got %d", cp.Height)
	}

	job, err := s.Jobs().Get(ctx, "0x01")
	if err != nil {
		t.Fatalf("Get job failed: %v", err)
	}
	if job.Status != domain.JobStatusPending || job.HeightToFulfill != 110 {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestStore_ConcurrentClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if _, err := s.Jobs().InsertIfAbsent(ctx, testJob("0xrace", 1)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Jobs().Claim(ctx, domain.Claim{
				RequestID: "0xrace",
				From:      domain.JobStatusPending,
				To:        domain.JobStatusResolving,
				Owner:     "w",
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
		t.Errorf("expected one winner, got %d", wins.Load())
	}
}

func TestStore_ConfirmJobOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job := testJob("0xc", 1)
	_, _ = s.Jobs().InsertIfAbsent(ctx, job)
	_, _ = s.Jobs().Claim(ctx, domain.Claim{
		RequestID: job.RequestID, From: domain.JobStatusPending, To: domain.JobStatusResolving,
	})
	hash, price := "0xfulfill", "2500.5"
	if err := s.Jobs().Update(ctx, job.RequestID, domain.JobStatusResolving, domain.JobUpdate{
		Status: domain.JobStatusSubmitted, FulfillTxHash: &hash, Price: &price,
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	job, _ = s.Jobs().Get(ctx, job.RequestID)
	rec := domain.NewFulfilledRequest(job, &domain.Receipt{GasUsed: 60000, BlockHeight: 3})
	gas, height := rec.Gas, rec.CompleteHeight
	update := domain.JobUpdate{GasUsed: &gas, RequestCompleteHeight: &height}

	if err := s.ConfirmJob(ctx, domain.JobStatusSubmitted, rec, update); err != nil {
		t.Fatalf("ConfirmJob failed: %v", err)
	}
	err := s.ConfirmJob(ctx, domain.JobStatusSubmitted, rec, update)
	if !errors.Is(err, storage.ErrAlreadyFulfilled) {
		t.Errorf("expected ErrAlreadyFulfilled, got %v", err)
	}

	got, _ := s.Jobs().Get(ctx, job.RequestID)
	if got.Status != domain.JobStatusConfirmed || got.GasUsed != 60000 {
		t.Errorf("unexpected job after confirm: %+v", got)
	}

	// Terminal rows refuse further updates.
	err = s.Jobs().Update(ctx, job.RequestID, domain.JobStatusConfirmed, domain.JobUpdate{
		Status: domain.JobStatusConfirmed, Price: &price,
	})
	if !errors.Is(err, storage.ErrStatusMismatch) {
		t.Errorf("expected ErrStatusMismatch, got %v", err)
	}
}

func TestStore_StaleClaimUsesDatabaseClock(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if _, err := s.Jobs().InsertIfAbsent(ctx, testJob("0xstale", 1)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if ok, err := s.Jobs().Claim(ctx, domain.Claim{
		RequestID: "0xstale", From: domain.JobStatusPending, To: domain.JobStatusResolving, Owner: "gone",
	}); err != nil || !ok {
		t.Fatalf("initial claim failed: ok=%v err=%v", ok, err)
	}

	takeover := domain.Claim{
		RequestID:  "0xstale",
		From:       domain.JobStatusResolving,
		To:         domain.JobStatusResolving,
		Owner:      "alive",
		StaleAfter: time.Hour,
	}
	if ok, err := s.Jobs().Claim(ctx, takeover); err != nil || ok {
		t.Fatalf("fresh claim must not be taken over: ok=%v err=%v", ok, err)
	}
	idle, err := s.Jobs().Query(ctx, storage.JobQuery{
		Statuses: []domain.JobStatus{domain.JobStatusResolving},
		IdleFor:  time.Hour,
	})
	if err != nil || len(idle) != 0 {
		t.Fatalf("expected no idle jobs, got %d (err %v)", len(idle), err)
	}

	// Age the row on the server side only.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = now() - interval '2 hours' WHERE request_id = '0xstale'`); err != nil {
		t.Fatalf("age row: %v", err)
	}

	idle, err = s.Jobs().Query(ctx, storage.JobQuery{
		Statuses: []domain.JobStatus{domain.JobStatusResolving},
		IdleFor:  time.Hour,
	})
	if err != nil || len(idle) != 1 {
		t.Fatalf("expected one idle job, got %d (err %v)", len(idle), err)
	}
	if ok, err := s.Jobs().Claim(ctx, takeover); err != nil || !ok {
		t.Fatalf("stale claim should be taken over: ok=%v err=%v", ok, err)
	}
	job, err := s.Jobs().Get(ctx, "0xstale")
	if err != nil {
		t.Fatal(err)
	}
	if job.ClaimedBy != "alive" {
		t.Errorf("expected owner alive, got %s", job.ClaimedBy)
	}
}
