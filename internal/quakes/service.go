// Package quakes assembles the earthquake record sequences handed to the
// analyzers. Records are served from the cached batch when it is fresh and
// large enough, otherwise from the USGS live feed supplemented with the cached
// batch. Upstream failures degrade to whatever is cached.
package quakes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/quakescope/internal/logger"
	"github.com/rewired-gh/quakescope/internal/metrics"
	"github.com/rewired-gh/quakescope/internal/models"
	"github.com/rewired-gh/quakescope/internal/storage"
	"github.com/rewired-gh/quakescope/internal/usgs"
)

// Sort orders accepted by Records.
const (
	SortTime      = "time"
	SortMagnitude = "magnitude"
	SortLocation  = "location"
)

// Source fetches earthquake records from upstream
type Source interface {
	FetchLiveFeed(ctx context.Context, minMagnitude float64) ([]models.Earthquake, error)
	FetchHistorical(ctx context.Context, target int, minMagnitude float64) ([]models.Earthquake, error)
}

// BatchStore caches record batches
type BatchStore interface {
	SaveBatch(key string, records []models.Earthquake) error
	LoadBatch(key string, maxAge time.Duration) (*storage.Batch, error)
	CleanupBatches(olderThan time.Duration) (int64, error)
}

// Options configures a Service
type Options struct {
	CacheKey     string
	TTL          time.Duration
	TargetSize   int // records kept in the cached batch
	MinMagnitude float64
}

// Service serves earthquake record sequences
type Service struct {
	source Source
	store  BatchStore
	opts   Options
}

// Result is one record sequence plus where it came from
type Result struct {
	Records []models.Earthquake
	Cached  bool // served from the cached batch without a live fetch
	Stale   bool // the live fetch failed and an expired batch was used
}

// NewService creates a record service
func NewService(source Source, store BatchStore, opts Options) *Service {
	return &Service{source: source, store: store, opts: opts}
}

// Records returns the newest size records, ordered by sortBy.
// An empty result is not an error: it means nothing could be fetched or cached.
func (s *Service) Records(ctx context.Context, size int, sortBy string) (Result, error) {
	if size <= 0 {
		return Result{}, fmt.Errorf("size must be positive, got %d", size)
	}
	less, err := lessFunc(sortBy)
	if err != nil {
		return Result{}, err
	}

	res, err := s.collect(ctx, size)
	if err != nil {
		return Result{}, err
	}

	// The newest size records are selected first; sortBy only orders them.
	usgs.SortNewestFirst(res.Records)
	if len(res.Records) > size {
		res.Records = res.Records[:size]
	}
	sort.SliceStable(res.Records, func(i, j int) bool { return less(&res.Records[i], &res.Records[j]) })
	return res, nil
}

func (s *Service) collect(ctx context.Context, size int) (Result, error) {
	batch, err := s.store.LoadBatch(s.opts.CacheKey, s.opts.TTL)
	switch {
	case err == nil && len(batch.Records) >= size:
		metrics.CacheHits.Inc()
		logger.Debug("Serving %d records from cached batch %s", size, s.opts.CacheKey)
		return Result{Records: batch.Records, Cached: true}, nil
	case err == nil:
		metrics.CacheMisses.WithLabelValues("insufficient").Inc()
	case errors.Is(err, storage.ErrCacheExpired):
		metrics.CacheMisses.WithLabelValues("expired").Inc()
	case errors.Is(err, storage.ErrCacheMiss):
		metrics.CacheMisses.WithLabelValues("missing").Inc()
	default:
		metrics.CacheMisses.WithLabelValues("error").Inc()
		logger.Warn("Failed to read cached batch %s: %v", s.opts.CacheKey, err)
		batch = nil
	}

	live, err := s.source.FetchLiveFeed(ctx, s.opts.MinMagnitude)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if batch != nil {
			logger.Warn("Live feed unavailable, serving %d cached records: %v", len(batch.Records), err)
			return Result{Records: batch.Records, Cached: true, Stale: true}, nil
		}
		logger.Warn("Live feed unavailable and nothing cached: %v", err)
		return Result{Records: []models.Earthquake{}}, nil
	}

	merged := live
	if batch != nil {
		merged = Merge(live, batch.Records)
	}
	usgs.SortNewestFirst(merged)
	if s.opts.TargetSize > 0 && len(merged) > s.opts.TargetSize {
		merged = merged[:s.opts.TargetSize]
	}

	if len(merged) > 0 {
		if err := s.store.SaveBatch(s.opts.CacheKey, merged); err != nil {
			logger.Warn("Failed to cache merged batch: %v", err)
		}
	}

	logger.Debug("Assembled %d records (%d live)", len(merged), len(live))
	return Result{Records: merged}, nil
}

// Merge returns primary followed by the records of secondary whose IDs are not
// already present. Neither input is modified.
func Merge(primary, secondary []models.Earthquake) []models.Earthquake {
	out := make([]models.Earthquake, 0, len(primary)+len(secondary))
	seen := make(map[string]bool, len(primary)+len(secondary))
	for _, list := range [][]models.Earthquake{primary, secondary} {
		for _, q := range list {
			if seen[q.ID] {
				continue
			}
			seen[q.ID] = true
			out = append(out, q)
		}
	}
	return out
}

// ValidSort reports whether sortBy names a supported order.
func ValidSort(sortBy string) bool {
	_, err := lessFunc(sortBy)
	return err == nil
}

func lessFunc(sortBy string) (func(a, b *models.Earthquake) bool, error) {
	switch sortBy {
	case "", SortTime:
		return func(a, b *models.Earthquake) bool { return a.Time.After(b.Time) }, nil
	case SortMagnitude:
		return func(a, b *models.Earthquake) bool {
			am, aok := a.Mag()
			bm, bok := b.Mag()
			if aok != bok {
				return aok
			}
			return am > bm
		}, nil
	case SortLocation:
		return func(a, b *models.Earthquake) bool { return strings.Compare(a.Location, b.Location) < 0 }, nil
	default:
		return nil, fmt.Errorf("unsupported sort order %q", sortBy)
	}
}
