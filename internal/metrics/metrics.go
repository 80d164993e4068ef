// Package metrics holds the Prometheus collectors shared across quakescope.
//
// Collectors are registered on the default registry via promauto and exposed
// by the API on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Analysis Metrics
	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quakescope_analysis_duration_seconds",
			Help:    "Execution time of one analyzer pass",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"strategy"}, // "iterative", "recursive"
	)

	AnalysisRecords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quakescope_analysis_records",
			Help:    "Number of records per analysis request",
			Buckets: []float64{1, 10, 100, 500, 1000, 5000, 10000, 20000},
		},
	)

	RecursionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quakescope_recursion_failures_total",
			Help: "Recursive analyses that hit the depth ceiling",
		},
	)

	// Cache Metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quakescope_cache_hits_total",
			Help: "Record requests served from a fresh cached batch",
		},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakescope_cache_misses_total",
			Help: "Record requests that could not be served from a fresh cached batch",
		},
		[]string{"reason"}, // "missing", "expired", "insufficient"
	)

	// Upstream Metrics
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quakescope_usgs_request_duration_seconds",
			Help:    "Duration of USGS API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"}, // "feed", "query"
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakescope_usgs_errors_total",
			Help: "Failed USGS API requests after retries",
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quakescope_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakescope_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Refresh Metrics
	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakescope_refresh_runs_total",
			Help: "Background cache refresh cycles",
		},
		[]string{"result"}, // "success", "failure"
	)

	DangerousAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quakescope_dangerous_alerts_total",
			Help: "Dangerous earthquakes included in sent notifications",
		},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quakescope_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quakescope_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveAPIRequest records one finished API request.
func ObserveAPIRequest(method, endpoint string, status int, elapsed time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}
