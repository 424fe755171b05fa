package domain

import "time"

// FulfilledRequest is the append-only witness of a confirmed fulfillment.
// Its presence for a request id forbids any further fulfillment work.
type FulfilledRequest struct {
	RequestID      string    `db:"request_id"`
	RequestTxHash  string    `db:"request_tx_hash"`
	FulfillTxHash  string    `db:"fulfill_tx_hash"`
	Endpoint       string    `db:"endpoint"`
	Price          string    `db:"price"`
	DataConsumer   string    `db:"data_consumer"`
	Fee            string    `db:"fee"`
	Gas            uint64    `db:"gas"`
	CompleteHeight uint64    `db:"complete_height"`
	CreatedAt      time.Time `db:"created_at"`
}

// NewFulfilledRequest builds the ledger row for a job confirmed by receipt.
func NewFulfilledRequest(job *Job, receipt *Receipt) *FulfilledRequest {
	return &FulfilledRequest{
		RequestID:      job.RequestID,
		RequestTxHash:  job.RequestTxHash,
		FulfillTxHash:  receipt.TxHash,
		Endpoint:       job.Endpoint,
		Price:          job.Price,
		DataConsumer:   job.Consumer,
		Fee:            job.Fee,
		Gas:            receipt.GasUsed,
		CompleteHeight: receipt.BlockHeight,
	}
}
