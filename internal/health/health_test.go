package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vietddude/oracle/internal/core/domain"
)

// =============================================================================
// Mocks
// =============================================================================

type mockFetcher struct {
	height uint64
	err    error
}

func (m *mockFetcher) CurrentHeight(ctx context.Context) (uint64, error) {
	return m.height, m.err
}

type stubLag struct {
	lag int64
}

func (s *stubLag) Lag(ctx context.Context, event string, head uint64) (int64, error) {
	return s.lag, nil
}

type stubJobs struct {
	counts map[domain.JobStatus]int
}

func (s *stubJobs) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	return s.counts, nil
}

type stubStore struct {
	err error
}

func (s *stubStore) Health(ctx context.Context) error { return s.err }

func newMonitor(lag int64, counts map[domain.JobStatus]int) *Monitor {
	return NewMonitor(
		"OracleRequest",
		5,
		&mockFetcher{height: 1000},
		&stubLag{lag: lag},
		&stubJobs{counts: counts},
		&stubStore{},
	)
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	report := newMonitor(8, nil).CheckHealth(context.Background())

	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if report.Ingest.BlockLag != 3 {
		t.Errorf("expected lag net of confirmation depth 3, got %d", report.Ingest.BlockLag)
	}
}

func TestMonitor_Degraded(t *testing.T) {
	report := newMonitor(50, nil).CheckHealth(context.Background())

	if report.Ingest.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.Ingest.Status)
	}
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded system, got %s", report.SystemStatus)
	}
}

func TestMonitor_Critical(t *testing.T) {
	report := newMonitor(200, nil).CheckHealth(context.Background())

	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
}

func TestMonitor_CustomThresholds(t *testing.T) {
	m := newMonitor(50, nil)
	m.SetThresholds(Thresholds{
		LagDegraded:     100,
		LagCritical:     1000,
		BacklogDegraded: 500,
		BacklogCritical: 5000,
	})

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy with relaxed thresholds, got %s", report.SystemStatus)
	}
}

func TestMonitor_JobBacklog(t *testing.T) {
	report := newMonitor(0, map[domain.JobStatus]int{
		domain.JobStatusPending:          400,
		domain.JobStatusResolving:        150,
		domain.JobStatusConfirmed:        9000,
		domain.JobStatusExpired:          3,
		domain.JobStatusSubmissionFailed: 2,
	}).CheckHealth(context.Background())

	if report.Jobs.Backlog != 550 {
		t.Errorf("expected backlog 550, got %d", report.Jobs.Backlog)
	}
	if report.Jobs.Failures != 5 {
		t.Errorf("expected 5 failures, got %d", report.Jobs.Failures)
	}
	if report.Jobs.Status != StatusDegraded {
		t.Errorf("expected degraded jobs, got %s", report.Jobs.Status)
	}
}

func TestMonitor_ChainUnavailable(t *testing.T) {
	m := NewMonitor("OracleRequest", 0,
		&mockFetcher{err: errors.New("dial tcp: connection refused")},
		&stubLag{}, &stubJobs{}, &stubStore{})

	report := m.CheckHealth(context.Background())
	if report.Ingest.Status != StatusDegraded || report.Ingest.Error == "" {
		t.Errorf("expected degraded ingest with error, got %+v", report.Ingest)
	}
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name     string
		lag      int64
		storeErr error
		wantCode int
		wantBody SystemStatus
	}{
		{"healthy", 5, nil, http.StatusOK, StatusHealthy},
		{"degraded", 50, nil, http.StatusOK, StatusDegraded},
		{"critical lag", 500, nil, http.StatusServiceUnavailable, StatusCritical},
		{"storage down", 0, errors.New("connection refused"), http.StatusServiceUnavailable, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor("OracleRequest", 0, &mockFetcher{height: 1000},
				&stubLag{lag: tt.lag}, &stubJobs{}, &stubStore{err: tt.storeErr})
			srv := httptest.NewServer(NewServer(m, 0).Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/health")
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, resp.StatusCode)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != string(tt.wantBody) {
				t.Errorf("expected %s, got %s", tt.wantBody, body["status"])
			}
		})
	}
}

func TestServer_Detailed(t *testing.T) {
	m := newMonitor(20, map[domain.JobStatus]int{domain.JobStatusPending: 3})
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Ingest.BlockLag != 15 || report.Jobs.Backlog != 3 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := httptest.NewServer(NewServer(newMonitor(0, nil), 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
