package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rewired-gh/quakescope/internal/analysis"
	"github.com/rewired-gh/quakescope/internal/models"
	"github.com/rewired-gh/quakescope/internal/quakes"
	"github.com/rewired-gh/quakescope/internal/storage"
)

type fakeRecords struct {
	records []models.Earthquake
	cached  bool
	err     error

	gotSize int
	gotSort string
}

func (f *fakeRecords) Records(ctx context.Context, size int, sortBy string) (quakes.Result, error) {
	f.gotSize, f.gotSort = size, sortBy
	if f.err != nil {
		return quakes.Result{}, f.err
	}
	out := f.records
	if len(out) > size {
		out = out[:size]
	}
	return quakes.Result{Records: out, Cached: f.cached}, nil
}

func sampleRecords(n int) []models.Earthquake {
	mags := []float64{5.2, 4.1, 2.7, 6.3}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := make([]models.Earthquake, n)
	for i := range out {
		out[i] = models.Earthquake{
			ID:        "ev" + string(rune('a'+i%26)) + string(rune('a'+i/26%26)),
			Magnitude: models.Float(mags[i%len(mags)]),
			Location:  "Somewhere",
			Time:      base.Add(-time.Duration(i) * time.Minute),
			Latitude:  1,
			Longitude: 2,
			Depth:     10,
		}
	}
	return out
}

type testEnv struct {
	server  *Server
	handler http.Handler
	records *fakeRecords
	store   *storage.Storage
}

func newTestEnv(t *testing.T, records *fakeRecords, cfg Config, opts ...analysis.Option) *testEnv {
	t.Helper()
	store, err := storage.New(100, ":memory:")
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if cfg.MaxSize == 0 {
		cfg.MaxSize = 20000
	}
	if opts == nil {
		opts = []analysis.Option{analysis.WithMaxDepth(1000)}
	}
	s := NewServer(records, analysis.NewCoordinator(opts...), store, cfg)
	return &testEnv{server: s, handler: s.Routes(), records: records, store: store}
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func TestEarthquakes_Response(t *testing.T) {
	records := sampleRecords(2)
	env := newTestEnv(t, &fakeRecords{records: records, cached: true}, Config{DefaultSize: 10})

	rec := env.get(t, "/earthquakes?size=2&sort=magnitude")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}
	if env.records.gotSize != 2 || env.records.gotSort != quakes.SortMagnitude {
		t.Errorf("Expected size=2 sort=magnitude, got size=%d sort=%s", env.records.gotSize, env.records.gotSort)
	}

	body := decode(t, rec.Body)
	if body["total"].(float64) != 2 {
		t.Errorf("Expected total 2, got %v", body["total"])
	}
	if body["cached"] != true {
		t.Errorf("Expected cached true, got %v", body["cached"])
	}
	if len(body["earthquakes"].([]any)) != 2 {
		t.Errorf("Expected 2 earthquakes, got %v", body["earthquakes"])
	}

	analysisBody := body["analysis"].(map[string]any)
	iter := analysisBody["iterative"].(map[string]any)
	recur := analysisBody["recursive"].(map[string]any)

	// [5.2, 4.1] → mean 4.65, variance 0.3025, std 0.55, dangerous 1 (50%)
	expected := map[string]float64{
		"count":                2,
		"mean":                 4.65,
		"min":                  4.1,
		"max":                  5.2,
		"std_deviation":        0.55,
		"dangerous_count":      1,
		"dangerous_percentage": 50,
	}
	for key, want := range expected {
		for name, stats := range map[string]map[string]any{"iterative": iter, "recursive": recur} {
			got, ok := stats[key].(float64)
			if !ok || got != want {
				t.Errorf("%s.%s = %v, want %v", name, key, stats[key], want)
			}
		}
	}
	for name, stats := range map[string]map[string]any{"iterative": iter, "recursive": recur} {
		if v, ok := stats["variance"].(float64); !ok || v < 0.302 || v > 0.303 {
			t.Errorf("%s.variance = %v, want 0.3025 rounded to 3 places", name, stats["variance"])
		}
	}
	if _, ok := iter["execution_time_seconds"].(float64); !ok {
		t.Error("Expected execution_time_seconds in iterative stats")
	}

	complexity := analysisBody["complexity_analysis"].(map[string]any)
	for _, k := range []string{"iterative", "recursive"} {
		d, ok := complexity[k].(map[string]any)
		if !ok || d["space_complexity"] == "" {
			t.Errorf("Expected complexity descriptor for %s, got %v", k, complexity[k])
		}
	}

	runs, err := env.store.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Size != 2 || runs[0].RecursiveSeconds == nil {
		t.Errorf("Expected one persisted successful run, got %+v", runs)
	}
}

func TestEarthquakes_DefaultQuery(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{records: sampleRecords(3)}, Config{DefaultSize: 3})

	rec := env.get(t, "/earthquakes")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if env.records.gotSize != 3 || env.records.gotSort != quakes.SortTime {
		t.Errorf("Expected defaults size=3 sort=time, got size=%d sort=%s", env.records.gotSize, env.records.gotSort)
	}
}

func TestEarthquakes_RecursionFailure(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{records: sampleRecords(20)}, Config{}, analysis.WithMaxDepth(5))

	rec := env.get(t, "/earthquakes?size=20")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := decode(t, rec.Body)
	analysisBody := body["analysis"].(map[string]any)
	recur := analysisBody["recursive"].(map[string]any)
	msg, ok := recur["error"].(string)
	if !ok || !strings.Contains(msg, "recursion depth exceeded") {
		t.Errorf("Expected recursion error, got %v", recur)
	}
	if _, hasCount := recur["count"]; hasCount {
		t.Error("Failed recursive result must not carry statistics")
	}
	iter := analysisBody["iterative"].(map[string]any)
	if iter["count"].(float64) != 20 {
		t.Errorf("Expected iterative count 20, got %v", iter["count"])
	}

	runs, err := env.store.RecentRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RecursiveError == "" || runs[0].RecursiveSeconds != nil {
		t.Errorf("Expected persisted run with recursive error, got %+v", runs)
	}
}

func TestEarthquakes_EmptyInput(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{records: []models.Earthquake{}}, Config{})

	rec := env.get(t, "/earthquakes?size=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := decode(t, rec.Body)
	iter := body["analysis"].(map[string]any)["iterative"].(map[string]any)
	if iter["min"] != nil || iter["max"] != nil {
		t.Errorf("Expected null min/max for empty input, got min=%v max=%v", iter["min"], iter["max"])
	}
	if iter["count"].(float64) != 0 || iter["mean"].(float64) != 0 || iter["dangerous_percentage"].(float64) != 0 {
		t.Errorf("Expected zero statistics, got %v", iter)
	}
	if body["total"].(float64) != 0 {
		t.Errorf("Expected total 0, got %v", body["total"])
	}
}

func TestEarthquakes_Validation(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{records: sampleRecords(1)}, Config{MaxSize: 100})

	tests := []struct {
		name  string
		query string
	}{
		{"zero size", "size=0"},
		{"negative size", "size=-3"},
		{"non-numeric size", "size=ten"},
		{"size above max", "size=101"},
		{"unknown sort", "sort=depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, "/earthquakes?"+tt.query)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
			body := decode(t, rec.Body)
			if body["error"] == "" || body["error"] == nil {
				t.Error("Expected error message")
			}
		})
	}
}

func TestEarthquakes_SourceError(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{err: errors.New("boom")}, Config{})

	rec := env.get(t, "/earthquakes?size=5")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Error("Internal error details leaked to the client")
	}
}

func TestComparisonChart(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{records: sampleRecords(4)}, Config{})

	rec := env.get(t, "/earthquakes/chart.png?size=4")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("Expected PNG body")
	}

	runs, err := env.store.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("Expected the chart to leave history untouched, got %d runs", len(runs))
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{records: sampleRecords(4)}, Config{})

	rec := env.get(t, "/analysis/history/chart.png")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before any runs, got %d", rec.Code)
	}

	for _, size := range []string{"1", "4", "4"} {
		if rec := env.get(t, "/earthquakes?size="+size); rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
	}

	rec = env.get(t, "/analysis/history?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decode(t, rec.Body)
	if n := len(body["runs"].([]any)); n != 2 {
		t.Errorf("Expected 2 recent runs, got %d", n)
	}
	if n := len(body["by_size"].([]any)); n != 2 {
		t.Errorf("Expected 2 sizes, got %d", n)
	}

	rec = env.get(t, "/analysis/history/chart.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("Expected PNG body")
	}

	if rec := env.get(t, "/analysis/history?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for limit=0, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{}, Config{})

	rec := env.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decode(t, rec.Body)
	if body["status"] != "ok" || body["max_recursion_depth"].(float64) != 1000 {
		t.Errorf("Unexpected health body: %v", body)
	}

	rec = env.get(t, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "quakescope_api_requests_total") {
		t.Error("Expected API request counter in metrics output")
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{}, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("Expected request ID to be echoed, got %q", got)
	}
	headers := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "1; mode=block",
		"Content-Security-Policy":   "default-src 'self'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
	for name, want := range headers {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	rec = env.get(t, "/healthz")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request ID")
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{records: sampleRecords(1)}, Config{RateLimit: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		if rec := env.get(t, "/earthquakes?size=1"); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := env.get(t, "/earthquakes?size=1")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}

	// Health checks are not rate limited
	if rec := env.get(t, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("Expected health to bypass the limiter, got %d", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeRecords{}, Config{})
	if rec := env.get(t, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		v      float64
		places int
		want   float64
	}{
		{4.6549, 3, 4.655},
		{0.30249999, 3, 0.302},
		{33.3333, 2, 33.33},
		{6.25, 1, 6.3},
		{0.0000123456, 6, 0.000012},
	}
	for _, tt := range tests {
		if got := round(tt.v, tt.places); got != tt.want {
			t.Errorf("round(%v, %d) = %v, want %v", tt.v, tt.places, got, tt.want)
		}
	}
}
