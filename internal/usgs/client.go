// Package usgs fetches earthquake records from the USGS earthquake hazards
// program. Two upstream surfaces are used: the monthly GeoJSON summary feed
// for recent events, and the FDSN event query service for paging through
// historical catalogues. All requests share one retrying HTTP client guarded
// by a circuit breaker.
package usgs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rewired-gh/quakescope/internal/logger"
	"github.com/rewired-gh/quakescope/internal/metrics"
	"github.com/rewired-gh/quakescope/internal/models"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	breakerName = "usgs-api"

	endpointFeed  = "feed"
	endpointQuery = "query"

	unknownLocation = "Unknown location"
)

// ClientConfig holds HTTP client tuning parameters
type ClientConfig struct {
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	BatchSize           int
}

// DateRange is one window of the historical catalogue, inclusive on both days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// HistoricalRanges are walked newest first when building a large batch.
var HistoricalRanges = []DateRange{
	{day(2020, 1, 1), day(2025, 12, 31)},
	{day(2015, 1, 1), day(2019, 12, 31)},
	{day(2010, 1, 1), day(2014, 12, 31)},
	{day(2005, 1, 1), day(2009, 12, 31)},
	{day(2000, 1, 1), day(2004, 12, 31)},
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RangeQuery describes one page of an FDSN event query.
// Offset is 1-based as the FDSN service expects.
type RangeQuery struct {
	Start        time.Time
	End          time.Time
	MinMagnitude float64
	Offset       int
	Limit        int
}

// Client provides access to the USGS earthquake APIs
type Client struct {
	feedURL        string
	queryURL       string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
	batchSize      int
	ranges         []DateRange
	cb             *gobreaker.CircuitBreaker[[]byte]
}

// FeatureCollection is the GeoJSON envelope returned by both USGS surfaces
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
	Metadata struct {
		Count int    `json:"count"`
		Title string `json:"title"`
	} `json:"metadata"`
}

// Feature is one GeoJSON earthquake feature
type Feature struct {
	ID         string     `json:"id"`
	Properties Properties `json:"properties"`
	Geometry   Geometry   `json:"geometry"`
}

// Properties carries the event attributes. Mag is null for some events.
type Properties struct {
	Mag   *float64 `json:"mag"`
	Place string   `json:"place"`
	Time  int64    `json:"time"` // epoch milliseconds
	URL   string   `json:"url"`
}

// Geometry holds [longitude, latitude, depth] coordinates
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// NewClient creates a new USGS client with connection pooling and a circuit breaker
func NewClient(feedURL, queryURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 5
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &Client{
		feedURL:  feedURL,
		queryURL: queryURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		batchSize:      cfg.BatchSize,
		ranges:         HistoricalRanges,
		cb:             newBreaker(breakerName),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		// Each counted failure has already exhausted its own retries.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := counts.ConsecutiveFailures >= 5
			if trip {
				logger.Warn("Circuit breaker %s opening after %d consecutive failures", name, counts.ConsecutiveFailures)
			}
			return trip
		},
		IsSuccessful: countsAsHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker %s: %s -> %s", name, from, to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

// StatusError is a non-200 response from the USGS.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	if e.Code >= 500 {
		return fmt.Sprintf("server error: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// callerAbortError wraps a request failure caused by the caller's context
// ending rather than by the upstream.
type callerAbortError struct {
	err error
}

func (e *callerAbortError) Error() string { return e.err.Error() }
func (e *callerAbortError) Unwrap() error { return e.err }

// countsAsHealthy reports whether err leaves the breaker's failure count
// untouched. Caller aborts and 4xx responses say nothing about upstream health.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var abort *callerAbortError
	if errors.As(err, &abort) {
		return true
	}
	var status *StatusError
	return errors.As(err, &status) && status.Code < 500
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// FetchLiveFeed retrieves the monthly summary feed, keeping events at or above minMagnitude.
// Events without a magnitude are dropped.
func (c *Client) FetchLiveFeed(ctx context.Context, minMagnitude float64) ([]models.Earthquake, error) {
	body, err := c.doRequest(ctx, endpointFeed, c.feedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch live feed: %w", err)
	}

	quakes, err := decodeFeatures(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode live feed: %w", err)
	}

	filtered := quakes[:0]
	for _, q := range quakes {
		if m, ok := q.Mag(); ok && m >= minMagnitude {
			filtered = append(filtered, q)
		}
	}

	logger.Debug("Live feed returned %d events, %d at or above M%.1f", len(quakes), len(filtered), minMagnitude)
	return filtered, nil
}

// FetchRange retrieves one page of the FDSN event query
func (c *Client) FetchRange(ctx context.Context, q RangeQuery) ([]models.Earthquake, error) {
	if q.Offset < 1 {
		q.Offset = 1
	}
	if q.Limit <= 0 {
		q.Limit = c.batchSize
	}

	params := url.Values{}
	params.Set("format", "geojson")
	params.Set("starttime", q.Start.Format("2006-01-02"))
	params.Set("endtime", q.End.Format("2006-01-02"))
	params.Set("minmagnitude", strconv.FormatFloat(q.MinMagnitude, 'f', -1, 64))
	params.Set("offset", strconv.Itoa(q.Offset))
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("orderby", "time")

	body, err := c.doRequest(ctx, endpointQuery, c.queryURL+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch range %s..%s offset %d: %w",
			q.Start.Format("2006-01-02"), q.End.Format("2006-01-02"), q.Offset, err)
	}

	quakes, err := decodeFeatures(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode range: %w", err)
	}
	return quakes, nil
}

// FetchHistorical pages through the historical ranges, newest first, until
// target unique events are gathered. Results are sorted newest first and
// truncated to target. A failing range is logged and skipped; an error is
// returned only when nothing at all could be fetched.
func (c *Client) FetchHistorical(ctx context.Context, target int, minMagnitude float64) ([]models.Earthquake, error) {
	if target <= 0 {
		return []models.Earthquake{}, nil
	}

	seen := make(map[string]bool, target)
	all := make([]models.Earthquake, 0, target)
	var lastErr error

ranges:
	for _, r := range c.ranges {
		for offset := 1; len(all) < target; offset += c.batchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			page, err := c.FetchRange(ctx, RangeQuery{
				Start:        r.Start,
				End:          r.End,
				MinMagnitude: minMagnitude,
				Offset:       offset,
				Limit:        c.batchSize,
			})
			if err != nil {
				lastErr = err
				logger.Warn("Skipping rest of range %s: %v", r.Start.Format("2006"), err)
				if errors.Is(err, gobreaker.ErrOpenState) {
					break ranges
				}
				break
			}

			for _, q := range page {
				if seen[q.ID] {
					continue
				}
				seen[q.ID] = true
				all = append(all, q)
			}

			if len(page) < c.batchSize {
				break
			}
		}
		if len(all) >= target {
			break
		}
	}

	if len(all) == 0 && lastErr != nil {
		return nil, fmt.Errorf("failed to fetch historical records: %w", lastErr)
	}

	SortNewestFirst(all)
	if len(all) > target {
		all = all[:target]
	}

	logger.Debug("Historical fetch gathered %d unique events (target %d)", len(all), target)
	return all, nil
}

// SortNewestFirst orders records by event time, most recent first.
func SortNewestFirst(quakes []models.Earthquake) {
	sort.SliceStable(quakes, func(i, j int) bool {
		return quakes[i].Time.After(quakes[j].Time)
	})
}

// decodeFeatures converts a GeoJSON body into earthquakes, skipping malformed features
func decodeFeatures(body []byte) ([]models.Earthquake, error) {
	var fc FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, err
	}

	quakes := make([]models.Earthquake, 0, len(fc.Features))
	for _, f := range fc.Features {
		q, err := f.toEarthquake()
		if err != nil {
			logger.Debug("Skipping feature %q: %v", f.ID, err)
			continue
		}
		quakes = append(quakes, q)
	}
	return quakes, nil
}

func (f Feature) toEarthquake() (models.Earthquake, error) {
	if len(f.Geometry.Coordinates) < 2 {
		return models.Earthquake{}, fmt.Errorf("expected at least 2 coordinates, got %d", len(f.Geometry.Coordinates))
	}

	q := models.Earthquake{
		ID:        f.ID,
		Magnitude: f.Properties.Mag,
		Location:  f.Properties.Place,
		Time:      time.UnixMilli(f.Properties.Time).UTC(),
		Longitude: f.Geometry.Coordinates[0],
		Latitude:  f.Geometry.Coordinates[1],
		URL:       f.Properties.URL,
	}
	if len(f.Geometry.Coordinates) > 2 {
		q.Depth = f.Geometry.Coordinates[2]
	}
	if q.Location == "" {
		q.Location = unknownLocation
	}

	if err := q.Validate(); err != nil {
		return models.Earthquake{}, err
	}
	return q, nil
}

// doRequest performs a GET through the circuit breaker and returns the body
func (c *Client) doRequest(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	start := time.Now()
	body, err := c.cb.Execute(func() ([]byte, error) {
		body, err := c.getWithRetry(ctx, rawURL)
		if err != nil && ctx.Err() != nil {
			return nil, &callerAbortError{err: err}
		}
		return body, err
	})
	metrics.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(endpoint).Inc()
		return nil, err
	}
	return body, nil
}

// getWithRetry retries transport errors and 5xx responses with linear backoff
func (c *Client) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/geo+json, application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
