package domain

import "math/big"

// FulfillmentTx is the on-chain call delivering a resolved value.
type FulfillmentTx struct {
	RequestID string
	Price     *big.Int
	Consumer  string
	GasPrice  *big.Int
	Nonce     uint64
}

// Receipt is the mined outcome of a fulfillment transaction.
type Receipt struct {
	TxHash       string
	Success      bool
	GasUsed      uint64
	BlockHeight  uint64
	RevertReason string
}
