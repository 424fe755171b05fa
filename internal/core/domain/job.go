package domain

import "time"

// JobStatus is the fulfillment state of an oracle request.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusResolving JobStatus = "resolving"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusConfirmed JobStatus = "confirmed"

	JobStatusInvalidPair      JobStatus = "invalid_pair"
	JobStatusResolutionFailed JobStatus = "resolution_failed"
	JobStatusSubmissionFailed JobStatus = "submission_failed"
	JobStatusExpired          JobStatus = "expired"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusResolving,
	JobStatusSubmitted,
	JobStatusConfirmed,
	JobStatusInvalidPair,
	JobStatusResolutionFailed,
	JobStatusSubmissionFailed,
	JobStatusExpired,
}

// IsTerminal reports whether no further mutation may happen in this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusConfirmed,
		JobStatusInvalidPair,
		JobStatusResolutionFailed,
		JobStatusSubmissionFailed,
		JobStatusExpired:
		return true
	}
	return false
}

// jobTransitions holds the allowed edges of the job state machine.
// Confirmed is reachable from every non-terminal state because the
// fulfilled-request ledger is authoritative over the job row.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {
		JobStatusResolving,
		JobStatusInvalidPair,
		JobStatusExpired,
		JobStatusConfirmed,
	},
	JobStatusResolving: {
		JobStatusResolving, // stale claim takeover
		JobStatusSubmitted,
		JobStatusInvalidPair,
		JobStatusResolutionFailed,
		JobStatusSubmissionFailed,
		JobStatusExpired,
		JobStatusConfirmed,
	},
	JobStatusSubmitted: {
		JobStatusConfirmed,
		JobStatusSubmissionFailed,
		JobStatusExpired,
	},
}

// CanTransition checks whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable state machine record of one on-chain request.
type Job struct {
	RequestID     string `db:"request_id"`
	RequestTxHash string `db:"request_tx_hash"`
	RequestHeight uint64 `db:"request_height"`

	Endpoint string `db:"endpoint"`
	Price    string `db:"price"`
	Consumer string `db:"consumer"`
	Fee      string `db:"fee"`

	FulfillTxHash         string `db:"fulfill_tx_hash"`
	HeightToFulfill       uint64 `db:"height_to_fulfill"` // 0 = no deadline
	GasUsed               uint64 `db:"gas_used"`
	GasPrice              string `db:"gas_price"`
	RequestCompleteHeight uint64 `db:"request_complete_height"`

	Status       JobStatus `db:"request_status"`
	StatusReason string    `db:"status_reason"`

	Attempts  int       `db:"attempts"`
	ClaimedBy string    `db:"claimed_by"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// HasDeadline reports whether the request carries an on-chain deadline.
func (j *Job) HasDeadline() bool {
	return j.HeightToFulfill > 0
}

// DeadlinePassed reports whether the deadline is behind the given height.
func (j *Job) DeadlinePassed(height uint64) bool {
	return j.HasDeadline() && height > j.HeightToFulfill
}

// NewJobFromEvent builds a pending job for a freshly observed request.
func NewJobFromEvent(ev *RequestEvent) *Job {
	return &Job{
		RequestID:       ev.RequestID,
		RequestTxHash:   ev.TxHash,
		RequestHeight:   ev.Height,
		Endpoint:        ev.Endpoint,
		Consumer:        ev.Consumer,
		Fee:             ev.Fee,
		HeightToFulfill: ev.Deadline,
		Status:          JobStatusPending,
	}
}

// JobUpdate carries the fields written alongside a status change.
// Nil pointers leave the column untouched.
type JobUpdate struct {
	Status                JobStatus
	StatusReason          *string
	Price                 *string
	FulfillTxHash         *string
	GasUsed               *uint64
	GasPrice              *string
	RequestCompleteHeight *uint64
	Attempts              *int

	// Owner, when set, fences the update to rows still claimed by Owner.
	Owner string
}

// Apply copies the non-nil fields of u onto j.
func (u JobUpdate) Apply(j *Job) {
	j.Status = u.Status
	if u.StatusReason != nil {
		j.StatusReason = *u.StatusReason
	}
	if u.Price != nil {
		j.Price = *u.Price
	}
	if u.FulfillTxHash != nil {
		j.FulfillTxHash = *u.FulfillTxHash
	}
	if u.GasUsed != nil {
		j.GasUsed = *u.GasUsed
	}
	if u.GasPrice != nil {
		j.GasPrice = *u.GasPrice
	}
	if u.RequestCompleteHeight != nil {
		j.RequestCompleteHeight = *u.RequestCompleteHeight
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
}

// Claim is a compare-and-swap request on a job's status.
type Claim struct {
	RequestID string
	From      JobStatus
	To        JobStatus
	Owner     string

	// StaleAfter, when set, additionally requires the row to have been
	// untouched for that long, measured on the store's clock. Used to take
	// over abandoned claims.
	StaleAfter time.Duration
}
