package checkpoint

import (
	"time"
)

// advanceRecord holds timing data for one checkpoint advance.
type advanceRecord struct {
	Height     uint64
	AdvancedAt time.Time
}

// Metrics holds ingestion throughput data for one event.
type Metrics struct {
	BlocksPerSecond float64
	LastAdvanceAt   *time.Time
	RequestsSeen    int
}

// MetricsCollector tracks checkpoint progress over a sliding window.
type MetricsCollector struct {
	windowSize   int
	advances     []advanceRecord
	requestsSeen int
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		advances:   make([]advanceRecord, 0, windowSize),
	}
}

// RecordAdvance records a checkpoint move and the requests it carried.
func (mc *MetricsCollector) RecordAdvance(height uint64, requests int, at time.Time) {
	record := advanceRecord{Height: height, AdvancedAt: at}

	if len(mc.advances) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.advances, mc.advances[1:])
		mc.advances[len(mc.advances)-1] = record
	} else {
		mc.advances = append(mc.advances, record)
	}
	mc.requestsSeen += requests
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{RequestsSeen: mc.requestsSeen}
	if len(mc.advances) == 0 {
		return m
	}

	last := mc.advances[len(mc.advances)-1]
	at := last.AdvancedAt
	m.LastAdvanceAt = &at

	if len(mc.advances) >= 2 {
		first := mc.advances[0]
		duration := last.AdvancedAt.Sub(first.AdvancedAt)
		if duration > 0 && last.Height > first.Height {
			m.BlocksPerSecond = float64(last.Height-first.Height) / duration.Seconds()
		}
	}
	return m
}
