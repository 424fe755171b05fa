package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChainHead tracks the latest block height reported by the chain
	ChainHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oracle_chain_head",
			Help: "Latest block height of the chain",
		},
	)

	// CheckpointHeight tracks the last fully ingested height per event
	CheckpointHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_checkpoint_height",
			Help: "Last processed block height per event",
		},
		[]string{"event"},
	)

	// RequestsIngested counts newly inserted jobs
	RequestsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_requests_ingested_total",
			Help: "Total number of request events turned into jobs",
		},
		[]string{"event"},
	)

	// JobTransitions counts job status changes
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_job_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"from", "to"},
	)

	// JobsByStatus tracks the ledger size per status
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_jobs",
			Help: "Number of jobs per status",
		},
		[]string{"status"},
	)

	// ExternalCallsTotal counts calls to the chain and the price feed
	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_external_calls_total",
			Help: "Total number of external calls",
		},
		[]string{"target", "method", "result"},
	)

	// ExternalCallLatency tracks external call latency
	ExternalCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_external_call_latency_seconds",
			Help:    "External call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target", "method"},
	)

	// FulfillmentLatency tracks ingestion-to-confirmation time
	FulfillmentLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oracle_fulfillment_latency_seconds",
			Help:    "Time from job creation to confirmation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// LedgerRepairs counts jobs repaired from the fulfilled ledger
	LedgerRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_ledger_repairs_total",
			Help: "Total number of jobs repaired from the fulfilled-request ledger",
		},
	)

	// UnminedSubmissions counts receipt checks that found a submission
	// still unmined past the warning age
	UnminedSubmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_unmined_submissions_total",
			Help: "Receipt checks that found a submission unmined past the warning age",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oracle_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the maximum",
		},
	)

	// DBBatchSize tracks the size of batched writes
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_db_batch_size",
			Help:    "Number of rows per batched write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"operation"},
	)
)
