package metrics

import (
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveAPIRequest(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		endpoint string
		status   int
		elapsed  time.Duration
	}{
		{name: "ok", method: "GET", endpoint: "/earthquakes", status: 200, elapsed: 12 * time.Millisecond},
		{name: "bad request", method: "GET", endpoint: "/earthquakes", status: 400, elapsed: time.Millisecond},
		{name: "rate limited", method: "GET", endpoint: "/analysis/history", status: 429, elapsed: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := APIRequestsTotal.WithLabelValues(tt.method, tt.endpoint, strconv.Itoa(tt.status))
			before := testutil.ToFloat64(counter)

			ObserveAPIRequest(tt.method, tt.endpoint, tt.status, tt.elapsed)

			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Errorf("Expected counter to increase by 1, got %v", got)
			}
		})
	}

	if n := testutil.CollectAndCount(APIRequestDuration); n < 2 {
		t.Errorf("Expected at least 2 duration series, got %d", n)
	}
}

func TestCollectorsLint(t *testing.T) {
	CacheHits.Inc()
	CacheMisses.WithLabelValues("missing").Inc()
	RefreshRuns.WithLabelValues("success").Inc()
	CircuitBreakerState.WithLabelValues("usgs-api").Set(0)

	collectors := map[string]prometheus.Collector{
		"cache_hits":    CacheHits,
		"cache_misses":  CacheMisses,
		"refresh_runs":  RefreshRuns,
		"breaker_state": CircuitBreakerState,
	}
	for name, c := range collectors {
		problems, err := testutil.CollectAndLint(c)
		if err != nil {
			t.Fatalf("%s: lint failed: %v", name, err)
		}
		for _, p := range problems {
			t.Errorf("%s: %s: %s", name, p.Metric, p.Text)
		}
	}
}
