package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/auction"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/waterfall"
)

// createTestMetrics registers on a private registry to avoid conflicts
// with the global registry across tests
func createTestMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewMetricsWithRegistry("test", registry), registry
}

var (
	_ auction.Recorder   = (*Metrics)(nil)
	_ waterfall.Recorder = (*Metrics)(nil)
)

func TestNewMetricsWithRegistry(t *testing.T) {
	m, registry := createTestMetrics()

	m.RecordAuction("success", "", time.Millisecond, 2)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_auctions_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected test_auctions_total to be registered")
	}
}

func TestNewMetricsWithRegistry_DefaultNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWithRegistry("", registry)
	m.AuthFailures.Inc()

	if n, err := testutil.GatherAndCount(registry, "mediation_auth_failures_total"); err != nil || n != 1 {
		t.Errorf("expected mediation_auth_failures_total, got count=%d err=%v", n, err)
	}
}

func TestRecordOversized(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordOversized("auction")
	m.RecordOversized("auction")
	m.RecordOversized("admin")

	if got := testutil.ToFloat64(m.OversizedRequests.WithLabelValues("auction")); got != 2 {
		t.Errorf("expected 2 oversized auction requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.OversizedRequests.WithLabelValues("admin")); got != 1 {
		t.Errorf("expected 1 oversized admin request, got %v", got)
	}
}

func TestRecordAuction(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordAuction("success", "", 10*time.Millisecond, 3)
	m.RecordAuction("no_bid", "UnmatchedUser", 5*time.Millisecond, 0)
	m.RecordAuction("no_bid", "UnmatchedUser", 5*time.Millisecond, 0)

	if got := testutil.ToFloat64(m.AuctionsTotal.WithLabelValues("success", "none")); got != 1 {
		t.Errorf("expected 1 successful auction, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuctionsTotal.WithLabelValues("no_bid", "UnmatchedUser")); got != 2 {
		t.Errorf("expected 2 unmatched auctions, got %v", got)
	}
}

func TestRecordBid(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordBid("admob", 1.5)
	m.RecordBid("admob", 2.5)

	if got := testutil.ToFloat64(m.BidsReceived.WithLabelValues("admob")); got != 2 {
		t.Errorf("expected 2 bids, got %v", got)
	}
}

func TestRecordAdapterRequest(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordAdapterRequest("admob", 20*time.Millisecond, false, false)
	m.RecordAdapterRequest("admob", 50*time.Millisecond, true, false)
	m.RecordAdapterRequest("admob", 500*time.Millisecond, true, true)

	if got := testutil.ToFloat64(m.AdapterRequests.WithLabelValues("admob")); got != 3 {
		t.Errorf("expected 3 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.AdapterErrors.WithLabelValues("admob", "error")); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(m.AdapterErrors.WithLabelValues("admob", "timeout")); got != 1 {
		t.Errorf("expected 1 timeout error, got %v", got)
	}
	if got := testutil.ToFloat64(m.AdapterTimeouts.WithLabelValues("admob")); got != 1 {
		t.Errorf("expected 1 timeout, got %v", got)
	}
}

func TestRecordAdapterRejected(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordAdapterRejected("unity")

	if got := testutil.ToFloat64(m.AdapterRejected.WithLabelValues("unity")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	m, _ := createTestMetrics()

	tests := []struct {
		state string
		want  float64
	}{
		{"OPEN", 1},
		{"HALF_OPEN", 2},
		{"CLOSED", 0},
	}

	for _, tt := range tests {
		m.SetBreakerState("admob", tt.state)
		if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("admob")); got != tt.want {
			t.Errorf("state %s: expected gauge %v, got %v", tt.state, tt.want, got)
		}
	}
	if got := testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("admob", "OPEN")); got != 1 {
		t.Errorf("expected 1 transition to OPEN, got %v", got)
	}
}

func TestRecordWaterfall(t *testing.T) {
	m, registry := createTestMetrics()

	m.RecordWaterfall("fallback", 3, 120*time.Millisecond)
	m.RecordWaterfall("first_attempt", 1, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.WaterfallTotal.WithLabelValues("fallback")); got != 1 {
		t.Errorf("expected 1 fallback, got %v", got)
	}
	if n, err := testutil.GatherAndCount(registry, "test_waterfall_attempts"); err != nil || n != 1 {
		t.Errorf("expected attempts histogram, got count=%d err=%v", n, err)
	}
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	m, _ := createTestMetrics()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test/path", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	count := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/test/path", "200"))
	if count != 1 {
		t.Errorf("expected 1 request recorded, got %v", count)
	}
}

func TestMiddleware_RecordsDifferentStatuses(t *testing.T) {
	m, _ := createTestMetrics()

	statuses := []int{http.StatusOK, http.StatusNoContent, http.StatusBadRequest, http.StatusInternalServerError}
	for _, status := range statuses {
		status := status
		handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		req := httptest.NewRequest("POST", "/openrtb2/auction", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != status {
			t.Errorf("expected status %d, got %d", status, w.Code)
		}
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/openrtb2/auction", "204")); got != 1 {
		t.Errorf("expected 1 no-content response, got %v", got)
	}
}

func TestMiddleware_RequestsInFlight(t *testing.T) {
	m, _ := createTestMetrics()

	var inFlightDuringRequest float64
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlightDuringRequest = testutil.ToFloat64(m.RequestsInFlight)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if inFlightDuringRequest != 1 {
		t.Errorf("expected 1 in-flight request during handling, got %v", inFlightDuringRequest)
	}
	if after := testutil.ToFloat64(m.RequestsInFlight); after != 0 {
		t.Errorf("expected 0 in-flight requests after handling, got %v", after)
	}
}
