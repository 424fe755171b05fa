// Package health provides system health monitoring and status reporting.
package health

import "github.com/vietddude/oracle/internal/core/domain"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// IngestHealth describes how far ingestion trails the chain.
type IngestHealth struct {
	Event     string       `json:"event"`
	Status    SystemStatus `json:"status"`
	ChainHead uint64       `json:"chain_head"`
	BlockLag  uint64       `json:"block_lag"`
	Error     string       `json:"error,omitempty"`
}

// JobHealth summarises the job ledger.
type JobHealth struct {
	Status   SystemStatus             `json:"status"`
	Counts   map[domain.JobStatus]int `json:"counts"`
	Backlog  int                      `json:"backlog"`
	Failures int                      `json:"failures"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus `json:"system_status"`
	Ingest       IngestHealth `json:"ingest"`
	Jobs         JobHealth    `json:"jobs"`
	Storage      string       `json:"storage"`
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
