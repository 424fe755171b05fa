package chain

import (
	"context"
	"math/big"

	"github.com/vietddude/oracle/internal/core/domain"
)

// Adapter is the boundary between the oracle core and the chain.
type Adapter interface {
	// CurrentHeight returns the latest block number on the chain
	CurrentHeight(ctx context.Context) (uint64, error)

	// RequestLogs returns the decoded request events in [from, to],
	// ordered by height then log index
	RequestLogs(ctx context.Context, from, to uint64) ([]*domain.RequestEvent, error)

	// SubmitFulfillment signs and broadcasts a fulfillment, returning its hash
	SubmitFulfillment(ctx context.Context, tx *domain.FulfillmentTx) (string, error)

	// Receipt returns the mined outcome of a transaction, or nil while pending
	Receipt(ctx context.Context, txHash string) (*domain.Receipt, error)

	// PendingNonce returns the next nonce of the submitting account
	PendingNonce(ctx context.Context) (uint64, error)

	// SuggestGasPrice returns the node's gas price suggestion
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// Account returns the submitting account address
	Account() string
}
