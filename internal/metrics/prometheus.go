// Package metrics provides Prometheus metrics for the mediation server
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Auction metrics
	AuctionsTotal   *prometheus.CounterVec
	AuctionDuration *prometheus.HistogramVec
	BidsReceived    *prometheus.CounterVec
	BidCPM          *prometheus.HistogramVec

	// Adapter metrics
	AdapterRequests *prometheus.CounterVec
	AdapterLatency  *prometheus.HistogramVec
	AdapterErrors   *prometheus.CounterVec
	AdapterTimeouts *prometheus.CounterVec
	AdapterRejected *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Waterfall metrics
	WaterfallTotal    *prometheus.CounterVec
	WaterfallAttempts prometheus.Histogram
	WaterfallDuration prometheus.Histogram

	// System metrics
	AuthFailures      prometheus.Counter
	OversizedRequests *prometheus.CounterVec
}

// NewMetrics creates metrics registered on the default registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered on reg
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mediation"
	}

	m := &Metrics{
		// Request metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		// Auction metrics
		AuctionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auctions_total",
				Help:      "Total number of auction rounds",
			},
			[]string{"outcome", "reason"},
		),
		AuctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_duration_seconds",
				Help:      "Auction round duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, .75, 1, 1.5, 2},
			},
			[]string{"outcome"},
		),
		BidsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_received_total",
				Help:      "Total number of bids received",
			},
			[]string{"adapter"},
		),
		BidCPM: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_cpm",
				Help:      "Bid CPM distribution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"adapter"},
		),

		// Adapter metrics
		AdapterRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_requests_total",
				Help:      "Total requests to each adapter",
			},
			[]string{"adapter"},
		),
		AdapterLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_latency_seconds",
				Help:      "Adapter response latency in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .15, .2, .3, .5, .75, 1},
			},
			[]string{"adapter"},
		),
		AdapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total errors from adapters, timeouts included",
			},
			[]string{"adapter", "error_type"},
		),
		AdapterTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_timeouts_total",
				Help:      "Total timeouts from adapters",
			},
			[]string{"adapter"},
		),
		AdapterRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_rejected_total",
				Help:      "Adapter calls rejected by an open circuit breaker",
			},
			[]string{"adapter"},
		),

		// Circuit breaker metrics
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"adapter"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"adapter", "to"},
		),

		// Waterfall metrics
		WaterfallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waterfall_total",
				Help:      "Waterfall invocations by outcome",
			},
			[]string{"outcome"},
		),
		WaterfallAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "waterfall_attempts",
				Help:      "Attempts per waterfall invocation",
				Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
			},
		),
		WaterfallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "waterfall_duration_seconds",
				Help:      "Total waterfall duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
		),

		// System metrics
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total authentication failures",
			},
		),
		OversizedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oversized_requests_total",
				Help:      "Requests refused for exceeding URL or body limits",
			},
			[]string{"endpoint"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuctionsTotal,
		m.AuctionDuration,
		m.BidsReceived,
		m.BidCPM,
		m.AdapterRequests,
		m.AdapterLatency,
		m.AdapterErrors,
		m.AdapterTimeouts,
		m.AdapterRejected,
		m.BreakerState,
		m.BreakerTransitions,
		m.WaterfallTotal,
		m.WaterfallAttempts,
		m.WaterfallDuration,
		m.AuthFailures,
		m.OversizedRequests,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordAuction records one auction round
func (m *Metrics) RecordAuction(outcome, reason string, duration time.Duration, bids int) {
	if reason == "" {
		reason = "none"
	}
	m.AuctionsTotal.WithLabelValues(outcome, reason).Inc()
	m.AuctionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordBid records a bid received from an adapter
func (m *Metrics) RecordBid(adapter string, cpm float64) {
	m.BidsReceived.WithLabelValues(adapter).Inc()
	m.BidCPM.WithLabelValues(adapter).Observe(cpm)
}

// RecordAdapterRequest records a completed adapter call
func (m *Metrics) RecordAdapterRequest(adapter string, latency time.Duration, hasError, timedOut bool) {
	m.AdapterRequests.WithLabelValues(adapter).Inc()
	m.AdapterLatency.WithLabelValues(adapter).Observe(latency.Seconds())

	switch {
	case timedOut:
		m.AdapterErrors.WithLabelValues(adapter, "timeout").Inc()
		m.AdapterTimeouts.WithLabelValues(adapter).Inc()
	case hasError:
		m.AdapterErrors.WithLabelValues(adapter, "error").Inc()
	}
}

// RecordAdapterRejected records a call refused by the adapter's breaker
func (m *Metrics) RecordAdapterRejected(adapter string) {
	m.AdapterRejected.WithLabelValues(adapter).Inc()
}

// SetBreakerState sets the breaker state gauge for an adapter
func (m *Metrics) SetBreakerState(adapter, state string) {
	var value float64
	switch state {
	case "CLOSED":
		value = 0
	case "OPEN":
		value = 1
	case "HALF_OPEN":
		value = 2
	}
	m.BreakerState.WithLabelValues(adapter).Set(value)
	m.BreakerTransitions.WithLabelValues(adapter, state).Inc()
}

// RecordWaterfall records a completed waterfall invocation
func (m *Metrics) RecordWaterfall(outcome string, attempts int, duration time.Duration) {
	m.WaterfallTotal.WithLabelValues(outcome).Inc()
	m.WaterfallAttempts.Observe(float64(attempts))
	m.WaterfallDuration.Observe(duration.Seconds())
}

// RecordAuthFailure counts a rejected admin request
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordOversized counts a request refused by the size limiter
func (m *Metrics) RecordOversized(endpoint string) {
	m.OversizedRequests.WithLabelValues(endpoint).Inc()
}
