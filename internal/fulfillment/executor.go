// Package fulfillment drives jobs from pending to a terminal status.
//
// A job moves Pending -> Resolving -> Submitted -> Confirmed, or ends in one
// of InvalidPair, ResolutionFailed, SubmissionFailed or Expired. Every
// status change is a conditional write against the job ledger; losing a
// race simply ends the caller's involvement with that job.
//
// Order of checks for a pending job:
//
//  1. fulfilled ledger: a row means the job is confirmed, repair and stop
//  2. pair registry: unknown pair is InvalidPair, no external calls made
//  3. deadline: passed is Expired, nothing submitted
//  4. claim Pending -> Resolving
//  5. fetch value with bounded retries, deadline checked before each attempt
//  6. submit with bounded retries, deadline checked before each attempt
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/core/pairs"
	"github.com/vietddude/oracle/internal/core/retry"
	"github.com/vietddude/oracle/internal/infra/chain"
	"github.com/vietddude/oracle/internal/infra/storage"
	"github.com/vietddude/oracle/internal/metrics"
)

// PairResolver resolves a request endpoint to a pair.
type PairResolver interface {
	Resolve(ctx context.Context, name string) (*domain.Pair, error)
}

// PriceFeed fetches the external value of a pair.
type PriceFeed interface {
	FetchValue(ctx context.Context, base, target string) (decimal.Decimal, error)
}

// Broadcaster serialises fulfillment submissions for one account.
type Broadcaster interface {
	Submit(ctx context.Context, tx domain.FulfillmentTx, attempt int) (Submission, error)
}

// Config holds executor configuration.
type Config struct {
	// Owner identifies this process in job claims.
	Owner string

	ResolutionBackoff retry.Backoff
	SubmissionBackoff retry.Backoff

	// WriteBackoff bounds retries of ledger writes that follow a broadcast
	// or a mined receipt. Exhausting it halts the executor.
	WriteBackoff retry.Backoff

	// StaleAfter is how long a Resolving job may go untouched before
	// another worker may take it over.
	StaleAfter time.Duration

	// UnminedAfter is how long a submission may wait for a receipt before
	// each check warns about it.
	UnminedAfter time.Duration

	// PriceDecimals scales the resolved value to the on-chain integer.
	PriceDecimals int32
}

// Executor processes single jobs. It is safe for concurrent use.
type Executor struct {
	store     storage.Store
	pairs     PairResolver
	feed      PriceFeed
	chain     chain.Adapter
	submitter Broadcaster
	cfg       Config
	log       *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a new executor.
func NewExecutor(
	store storage.Store,
	resolver PairResolver,
	feed PriceFeed,
	adapter chain.Adapter,
	submitter Broadcaster,
	cfg Config,
) *Executor {
	if cfg.ResolutionBackoff.MaxAttempts == 0 {
		cfg.ResolutionBackoff = retry.DefaultBackoff()
	}
	if cfg.SubmissionBackoff.MaxAttempts == 0 {
		cfg.SubmissionBackoff = retry.DefaultBackoff()
	}
	if cfg.WriteBackoff.MaxAttempts == 0 {
		cfg.WriteBackoff = retry.DefaultBackoff()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.UnminedAfter <= 0 {
		cfg.UnminedAfter = 10 * time.Minute
	}
	return &Executor{
		store:     store,
		pairs:     resolver,
		feed:      feed,
		chain:     adapter,
		submitter: submitter,
		cfg:       cfg,
		log:       slog.Default().With("component", "executor"),
		now:       time.Now,
		sleep:     retry.Sleep,
	}
}

// Process advances job as far as it can go now. A nil error means the job
// was handled or another worker owns it; errors leave the job where it was
// for the next poll.
func (e *Executor) Process(ctx context.Context, job *domain.Job) error {
	switch job.Status {
	case domain.JobStatusPending:
		return e.start(ctx, job)
	case domain.JobStatusResolving:
		return e.takeOver(ctx, job)
	case domain.JobStatusSubmitted:
		return e.confirm(ctx, job)
	default:
		return nil
	}
}

func (e *Executor) start(ctx context.Context, job *domain.Job) error {
	log := e.log.With("request_id", job.RequestID)

	if done, err := e.guardLedger(ctx, job); done || err != nil {
		return err
	}

	pair, err := e.pairs.Resolve(ctx, job.Endpoint)
	if errors.Is(err, pairs.ErrPairNotFound) {
		return e.finish(ctx, job, domain.JobStatusPending, domain.JobStatusInvalidPair, err.Error())
	}
	if err != nil {
		return fmt.Errorf("failed to resolve pair: %w", err)
	}

	if job.HasDeadline() {
		head, err := e.chain.CurrentHeight(ctx)
		if err != nil {
			return err
		}
		if job.DeadlinePassed(head) {
			return e.expire(ctx, job, domain.JobStatusPending, head)
		}
	}

	ok, err := e.store.Jobs().Claim(ctx, domain.Claim{
		RequestID: job.RequestID,
		From:      domain.JobStatusPending,
		To:        domain.JobStatusResolving,
		Owner:     e.cfg.Owner,
	})
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if !ok {
		log.Debug("Job claimed elsewhere")
		return nil
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobStatusPending), string(domain.JobStatusResolving)).Inc()
	log.Debug("Job claimed", "endpoint", job.Endpoint)

	return e.resolveAndSubmit(ctx, job, pair)
}

// takeOver reclaims a job left in Resolving by a worker that stopped
// touching it.
func (e *Executor) takeOver(ctx context.Context, job *domain.Job) error {
	if done, err := e.guardLedger(ctx, job); done || err != nil {
		return err
	}

	ok, err := e.store.Jobs().Claim(ctx, domain.Claim{
		RequestID:   job.RequestID,
		From:        domain.JobStatusResolving,
		To:          domain.JobStatusResolving,
		Owner:       e.cfg.Owner,
		StaleAfter:  e.cfg.StaleAfter,
	})
	if err != nil {
		return fmt.Errorf("failed to claim stale job: %w", err)
	}
	if !ok {
		return nil
	}
	e.log.Warn("Took over stale job", "request_id", job.RequestID, "previous_owner", job.ClaimedBy)

	pair, err := e.pairs.Resolve(ctx, job.Endpoint)
	if errors.Is(err, pairs.ErrPairNotFound) {
		return e.finish(ctx, job, domain.JobStatusResolving, domain.JobStatusInvalidPair, err.Error())
	}
	if err != nil {
		// Leave it Resolving; it goes stale again and is retried.
		return fmt.Errorf("failed to resolve pair: %w", err)
	}
	return e.resolveAndSubmit(ctx, job, pair)
}

func (e *Executor) resolveAndSubmit(ctx context.Context, job *domain.Job, pair *domain.Pair) error {
	value, ok, err := e.resolve(ctx, job, pair)
	if err != nil || !ok {
		return err
	}
	return e.submit(ctx, job, value)
}

// resolve fetches the pair value. ok is false when the job reached a
// terminal status or was lost to another worker.
func (e *Executor) resolve(ctx context.Context, job *domain.Job, pair *domain.Pair) (decimal.Decimal, bool, error) {
	b := e.cfg.ResolutionBackoff

	for attempt := 0; ; attempt++ {
		head, err := e.deadlineHeight(ctx, job)
		if err == nil && job.DeadlinePassed(head) {
			return decimal.Zero, false, e.expire(ctx, job, domain.JobStatusResolving, head)
		}

		var value decimal.Decimal
		if err == nil {
			value, err = e.feed.FetchValue(ctx, pair.Base, pair.Target)
		}
		if err == nil {
			return value, true, nil
		}
		if ctx.Err() != nil {
			return decimal.Zero, false, ctx.Err()
		}

		if !b.ShouldRetry(err, attempt) {
			reason := fmt.Sprintf("resolution failed after %d attempt(s): %v", attempt+1, err)
			return decimal.Zero, false, e.finish(ctx, job, domain.JobStatusResolving, domain.JobStatusResolutionFailed, reason)
		}

		delay := b.Delay(attempt)
		e.log.Warn("Value fetch failed, retrying",
			"request_id", job.RequestID,
			"pair", pair.Name,
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err,
		)
		if lost, err := e.touch(ctx, job); lost || err != nil {
			return decimal.Zero, false, err
		}
		if err := e.sleep(ctx, delay); err != nil {
			return decimal.Zero, false, err
		}
	}
}

func (e *Executor) submit(ctx context.Context, job *domain.Job, value decimal.Decimal) error {
	b := e.cfg.SubmissionBackoff
	price := value.String()
	onChain := value.Shift(e.cfg.PriceDecimals).Round(0).BigInt()

	for attempt := 0; ; attempt++ {
		head, err := e.deadlineHeight(ctx, job)
		if err == nil && job.DeadlinePassed(head) {
			return e.expire(ctx, job, domain.JobStatusResolving, head)
		}

		var sub Submission
		if err == nil {
			sub, err = e.submitter.Submit(ctx, domain.FulfillmentTx{
				RequestID: job.RequestID,
				Price:     onChain,
				Consumer:  job.Consumer,
			}, attempt)
		}
		if err == nil {
			return e.markSubmitted(ctx, job, price, sub)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !b.ShouldRetry(err, attempt) {
			reason := fmt.Sprintf("submission failed after %d attempt(s): %v", attempt+1, err)
			return e.finish(ctx, job, domain.JobStatusResolving, domain.JobStatusSubmissionFailed, reason)
		}

		delay := b.Delay(attempt)
		e.log.Warn("Submission failed, retrying",
			"request_id", job.RequestID,
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err,
		)
		if lost, err := e.touch(ctx, job); lost || err != nil {
			return err
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (e *Executor) markSubmitted(
	ctx context.Context,
	job *domain.Job,
	price string,
	sub Submission,
) error {
	job.Attempts++
	attempts := job.Attempts
	gasPrice := sub.GasPrice.String()
	err := e.persist(ctx, job, "record submission "+sub.TxHash, func() error {
		return e.store.Jobs().Update(ctx, job.RequestID, domain.JobStatusResolving, domain.JobUpdate{
			Status:        domain.JobStatusSubmitted,
			Price:         &price,
			FulfillTxHash: &sub.TxHash,
			GasPrice:      &gasPrice,
			Attempts:      &attempts,
			Owner:         e.cfg.Owner,
		})
	})
	if errors.Is(err, storage.ErrStatusMismatch) {
		e.log.Warn("Job lost after submission", "request_id", job.RequestID, "tx", sub.TxHash)
		return nil
	}
	if err != nil {
		return err
	}

	metrics.JobTransitions.WithLabelValues(string(domain.JobStatusResolving), string(domain.JobStatusSubmitted)).Inc()
	e.log.Info("Job submitted",
		"request_id", job.RequestID,
		"price", price,
		"tx", sub.TxHash,
		"nonce", sub.Nonce,
		"gas_price", gasPrice,
	)
	return nil
}

// confirm checks the receipt of a submitted job.
func (e *Executor) confirm(ctx context.Context, job *domain.Job) error {
	if done, err := e.guardLedger(ctx, job); done || err != nil {
		return err
	}

	r, err := e.chain.Receipt(ctx, job.FulfillTxHash)
	if err != nil {
		return err
	}

	if r == nil {
		if age := e.now().Sub(job.UpdatedAt); !job.UpdatedAt.IsZero() && age > e.cfg.UnminedAfter {
			metrics.UnminedSubmissions.Inc()
			e.log.Warn("Submission still unmined",
				"request_id", job.RequestID,
				"tx", job.FulfillTxHash,
				"age", age.Round(time.Second),
			)
		}
		if !job.HasDeadline() {
			return nil
		}
		head, err := e.chain.CurrentHeight(ctx)
		if err != nil {
			return err
		}
		if job.DeadlinePassed(head) {
			return e.expire(ctx, job, domain.JobStatusSubmitted, head)
		}
		return nil
	}

	if !r.Success {
		reason := "fulfillment reverted: " + r.RevertReason
		return e.finishWith(ctx, job, domain.JobStatusSubmitted, domain.JobUpdate{
			Status:                domain.JobStatusSubmissionFailed,
			StatusReason:          &reason,
			GasUsed:               &r.GasUsed,
			RequestCompleteHeight: &r.BlockHeight,
		})
	}

	record := domain.NewFulfilledRequest(job, r)
	err = e.persist(ctx, job, "confirm job", func() error {
		return e.store.ConfirmJob(ctx, domain.JobStatusSubmitted, record, domain.JobUpdate{
			FulfillTxHash:         &r.TxHash,
			GasUsed:               &r.GasUsed,
			RequestCompleteHeight: &r.BlockHeight,
		})
	})
	switch {
	case errors.Is(err, storage.ErrAlreadyFulfilled):
		_, err := e.guardLedger(ctx, job)
		return err
	case errors.Is(err, storage.ErrStatusMismatch):
		return nil
	case err != nil:
		return err
	}

	metrics.JobTransitions.WithLabelValues(string(domain.JobStatusSubmitted), string(domain.JobStatusConfirmed)).Inc()
	if !job.CreatedAt.IsZero() {
		metrics.FulfillmentLatency.Observe(e.now().Sub(job.CreatedAt).Seconds())
	}
	e.log.Info("Job confirmed",
		"request_id", job.RequestID,
		"tx", r.TxHash,
		"height", r.BlockHeight,
		"gas_used", r.GasUsed,
	)
	return nil
}

// persist runs a ledger write that must not be lost once the chain has
// acted on the job. Store failures are retried with WriteBackoff; when the
// retries run out the write is reported as a consistency error, which stops
// the dispatcher before another worker can take the job over.
func (e *Executor) persist(ctx context.Context, job *domain.Job, op string, write func() error) error {
	b := e.cfg.WriteBackoff

	for attempt := 0; ; attempt++ {
		err := write()
		if err == nil || errors.Is(err, storage.ErrStatusMismatch) || errors.Is(err, storage.ErrAlreadyFulfilled) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !b.ShouldRetry(err, attempt) {
			return domain.ConsistencyError(fmt.Errorf("failed to %s for %s after %d attempt(s): %w",
				op, job.RequestID, attempt+1, err))
		}

		delay := b.Delay(attempt)
		e.log.Warn("Ledger write failed, retrying",
			"request_id", job.RequestID,
			"op", op,
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// guardLedger short-circuits jobs already present in the fulfilled ledger,
// repairing the job status when it diverged.
func (e *Executor) guardLedger(ctx context.Context, job *domain.Job) (bool, error) {
	exists, err := e.store.Fulfilled().Exists(ctx, job.RequestID)
	if err != nil {
		return false, fmt.Errorf("failed to check fulfilled ledger: %w", err)
	}
	if !exists {
		return false, nil
	}

	record, err := e.store.Fulfilled().Get(ctx, job.RequestID)
	if err != nil {
		return true, fmt.Errorf("failed to read fulfilled ledger: %w", err)
	}
	repaired, err := e.store.RepairFromLedger(ctx, record)
	if err != nil {
		return true, domain.ConsistencyError(fmt.Errorf("failed to repair job %s: %w", job.RequestID, err))
	}
	if repaired {
		metrics.LedgerRepairs.Inc()
		metrics.JobTransitions.WithLabelValues(string(job.Status), string(domain.JobStatusConfirmed)).Inc()
		e.log.Warn("Job repaired from fulfilled ledger", "request_id", job.RequestID, "was", job.Status)
	}
	return true, nil
}

// deadlineHeight returns the chain head for jobs with a deadline, 0 otherwise.
func (e *Executor) deadlineHeight(ctx context.Context, job *domain.Job) (uint64, error) {
	if !job.HasDeadline() {
		return 0, nil
	}
	return e.chain.CurrentHeight(ctx)
}

func (e *Executor) expire(ctx context.Context, job *domain.Job, from domain.JobStatus, head uint64) error {
	reason := fmt.Sprintf("deadline %d passed at height %d", job.HeightToFulfill, head)
	return e.finish(ctx, job, from, domain.JobStatusExpired, reason)
}

// touch records progress on a claimed job and keeps it from going stale.
// lost is true when the claim moved to another worker.
func (e *Executor) touch(ctx context.Context, job *domain.Job) (bool, error) {
	job.Attempts++
	attempts := job.Attempts
	err := e.store.Jobs().Update(ctx, job.RequestID, domain.JobStatusResolving, domain.JobUpdate{
		Status:   domain.JobStatusResolving,
		Attempts: &attempts,
		Owner:    e.cfg.Owner,
	})
	if errors.Is(err, storage.ErrStatusMismatch) {
		e.log.Warn("Lost claim on job", "request_id", job.RequestID)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to touch job: %w", err)
	}
	return false, nil
}

func (e *Executor) finish(ctx context.Context, job *domain.Job, from, to domain.JobStatus, reason string) error {
	return e.finishWith(ctx, job, from, domain.JobUpdate{Status: to, StatusReason: &reason})
}

func (e *Executor) finishWith(ctx context.Context, job *domain.Job, from domain.JobStatus, update domain.JobUpdate) error {
	if from == domain.JobStatusResolving {
		update.Owner = e.cfg.Owner
	}
	err := e.store.Jobs().Update(ctx, job.RequestID, from, update)
	if errors.Is(err, storage.ErrStatusMismatch) {
		e.log.Debug("Job moved on before terminal update", "request_id", job.RequestID, "to", update.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", update.Status, err)
	}

	metrics.JobTransitions.WithLabelValues(string(from), string(update.Status)).Inc()
	reason := ""
	if update.StatusReason != nil {
		reason = *update.StatusReason
	}
	e.log.Warn("Job failed",
		"request_id", job.RequestID,
		"status", update.Status,
		"reason", reason,
	)
	return nil
}
