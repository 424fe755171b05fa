package fulfillment

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
	"github.com/vietddude/oracle/internal/metrics"
)

// Reconciler brings job statuses back in line with the fulfilled ledger
// and refreshes the per-status job gauge.
type Reconciler struct {
	store     storage.Store
	interval  time.Duration
	batchSize int
	log       *slog.Logger
}

// NewReconciler creates a new Reconciler worker.
func NewReconciler(store storage.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:     store,
		interval:  interval,
		batchSize: 500,
		log:       slog.Default().With("component", "reconciler"),
	}
}

// Start runs a pass immediately and then on every interval.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.Reconcile(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				return err
			}
		}
	}
}

// Reconcile repairs every job whose ledger row says it is fulfilled and
// returns the number repaired. Only consistency failures are returned;
// storage hiccups are logged and retried next pass.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	records, err := r.store.Fulfilled().Unreconciled(ctx, r.batchSize)
	if err != nil {
		r.log.Warn("Failed to list unreconciled requests", "error", err)
		return 0, nil
	}

	repaired := 0
	for _, rec := range records {
		ok, err := r.store.RepairFromLedger(ctx, rec)
		if err != nil {
			if domain.Classify(err) == domain.CategoryConsistency {
				return repaired, err
			}
			r.log.Warn("Failed to repair job", "request_id", rec.RequestID, "error", err)
			continue
		}
		if ok {
			repaired++
			metrics.LedgerRepairs.Inc()
			r.log.Warn("Job repaired from fulfilled ledger", "request_id", rec.RequestID, "tx", rec.FulfillTxHash)
		}
	}

	r.refreshGauge(ctx)
	return repaired, nil
}

func (r *Reconciler) refreshGauge(ctx context.Context) {
	counts, err := r.store.Jobs().CountByStatus(ctx)
	if err != nil {
		r.log.Debug("Failed to count jobs", "error", err)
		return
	}
	for _, s := range domain.AllJobStatuses {
		metrics.JobsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
