package domain

// RequestEvent is a decoded "request" log emitted by the router contract.
type RequestEvent struct {
	RequestID string
	TxHash    string
	Height    uint64
	LogIndex  uint
	Endpoint  string
	Consumer  string
	Fee       string
	Deadline  uint64 // 0 = none
}

// EventOracleRequest is the checkpoint key of the router request event.
const EventOracleRequest = "OracleRequest"
