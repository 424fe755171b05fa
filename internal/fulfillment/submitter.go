package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/chain"
)

// Submission is the outcome of one broadcast.
type Submission struct {
	TxHash   string
	Nonce    uint64
	GasPrice *big.Int
}

type submitRequest struct {
	tx      domain.FulfillmentTx
	attempt int
	reply   chan submitReply
}

type submitReply struct {
	sub Submission
	err error
}

// Submitter owns the nonce of the submitting account. All broadcasts go
// through its single goroutine, so nonces are allocated strictly in order
// no matter how many workers resolve jobs concurrently.
type Submitter struct {
	chain    chain.Adapter
	policy   GasPolicy
	requests chan submitRequest
	log      *slog.Logger

	// Owned by the Run goroutine.
	nonce     uint64
	haveNonce bool
}

// NewSubmitter creates a submitter for the adapter's account.
func NewSubmitter(adapter chain.Adapter, policy GasPolicy) *Submitter {
	return &Submitter{
		chain:    adapter,
		policy:   policy,
		requests: make(chan submitRequest),
		log:      slog.Default().With("component", "submitter", "account", adapter.Account()),
	}
}

// Run serves submissions until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	s.log.Info("Submitter started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			sub, err := s.submit(ctx, req)
			req.reply <- submitReply{sub: sub, err: err}
		}
	}
}

// Submit queues tx for broadcast and waits for the result. attempt selects
// the gas price step of the policy.
func (s *Submitter) Submit(ctx context.Context, tx domain.FulfillmentTx, attempt int) (Submission, error) {
	req := submitRequest{tx: tx, attempt: attempt, reply: make(chan submitReply, 1)}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return Submission{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.sub, r.err
	case <-ctx.Done():
		return Submission{}, ctx.Err()
	}
}

func (s *Submitter) submit(ctx context.Context, req submitRequest) (Submission, error) {
	if !s.haveNonce {
		n, err := s.chain.PendingNonce(ctx)
		if err != nil {
			return Submission{}, fmt.Errorf("failed to refresh nonce: %w", err)
		}
		s.nonce = n
		s.haveNonce = true
		s.log.Debug("Nonce refreshed", "nonce", n)
	}

	suggested, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := req.tx
	tx.Nonce = s.nonce
	tx.GasPrice = s.policy.Price(suggested, req.attempt)

	hash, err := s.chain.SubmitFulfillment(ctx, &tx)
	if err != nil {
		// The node may have seen a different nonce; re-read it next time.
		s.haveNonce = false
		return Submission{}, err
	}

	s.nonce++
	return Submission{TxHash: hash, Nonce: tx.Nonce, GasPrice: tx.GasPrice}, nil
}
