package quakes

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/quakescope/internal/analysis"
	"github.com/rewired-gh/quakescope/internal/logger"
	"github.com/rewired-gh/quakescope/internal/metrics"
	"github.com/rewired-gh/quakescope/internal/models"
)

const (
	// DefaultAlertWindow bounds how old a dangerous event may be and still be announced.
	DefaultAlertWindow = 24 * time.Hour
	notifiedRetention  = 7 * 24 * time.Hour
)

// Store is everything the refresher persists
type Store interface {
	BatchStore
	RotateRuns() (int64, error)
	FilterUnnotified(ids []string) ([]string, error)
	MarkNotified(ids []string, at time.Time) error
	PruneNotified(olderThan time.Duration) (int64, error)
}

// Notifier delivers alerts. A nil Notifier disables alerting.
type Notifier interface {
	SendDangerous(quakes []models.Earthquake) error
	SendError(err error) error
	SendRecovery(failures int) error
}

// RefresherOptions configures a Refresher
type RefresherOptions struct {
	CacheKey     string
	Interval     time.Duration
	TTL          time.Duration
	TargetSize   int
	MinMagnitude float64
	MaxAlerts    int
	AlertWindow  time.Duration
}

// Refresher periodically rebuilds the cached batch from the historical
// catalogue and announces new dangerous earthquakes.
type Refresher struct {
	source   Source
	store    Store
	notifier Notifier
	opts     RefresherOptions
	now      func() time.Time

	consecutiveFailures int
}

// NewRefresher creates a Refresher. notifier may be nil.
func NewRefresher(source Source, store Store, notifier Notifier, opts RefresherOptions) *Refresher {
	if opts.AlertWindow <= 0 {
		opts.AlertWindow = DefaultAlertWindow
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = 10
	}
	return &Refresher{
		source:   source,
		store:    store,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

// String names the service in supervisor logs.
func (r *Refresher) String() string {
	return "cache-refresher"
}

// Serve refreshes immediately and then on every tick until ctx is cancelled.
func (r *Refresher) Serve(ctx context.Context) error {
	logger.Info("Starting cache refresher (interval: %v, target: %d records)", r.opts.Interval, r.opts.TargetSize)

	r.handleResult(r.Refresh(ctx))

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cache refresher stopped")
			return ctx.Err()
		case <-ticker.C:
			r.handleResult(r.Refresh(ctx))
		}
	}
}

func (r *Refresher) handleResult(err error) {
	if err != nil {
		r.consecutiveFailures++
		metrics.RefreshRuns.WithLabelValues("failure").Inc()
		logger.Error("Cache refresh failed: %v", err)
		if r.consecutiveFailures == 1 && r.notifier != nil {
			if sendErr := r.notifier.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}

	metrics.RefreshRuns.WithLabelValues("success").Inc()
	if r.consecutiveFailures > 0 && r.notifier != nil {
		if sendErr := r.notifier.SendRecovery(r.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	r.consecutiveFailures = 0
}

// Refresh runs one refresh cycle
func (r *Refresher) Refresh(ctx context.Context) error {
	start := r.now()

	records, err := r.source.FetchHistorical(ctx, r.opts.TargetSize, r.opts.MinMagnitude)
	if err != nil {
		return fmt.Errorf("failed to fetch historical records: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("upstream returned no records")
	}

	if err := r.store.SaveBatch(r.opts.CacheKey, records); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}

	if removed, err := r.store.CleanupBatches(2 * r.opts.TTL); err != nil {
		logger.Warn("Failed to clean up old batches: %v", err)
	} else if removed > 0 {
		logger.Debug("Removed %d expired batches", removed)
	}

	if removed, err := r.store.RotateRuns(); err != nil {
		logger.Warn("Failed to rotate analysis runs: %v", err)
	} else if removed > 0 {
		logger.Debug("Rotated out %d analysis runs", removed)
	}

	if r.notifier != nil {
		if err := r.announce(records); err != nil {
			logger.Warn("Failed to announce dangerous earthquakes: %v", err)
		}
	}

	logger.Info("Cache refreshed: %d records in %v", len(records), r.now().Sub(start).Round(time.Millisecond))
	return nil
}

// announce sends recent dangerous events that were not announced before.
// records must be ordered newest first.
func (r *Refresher) announce(records []models.Earthquake) error {
	cutoff := r.now().Add(-r.opts.AlertWindow)

	var candidates []models.Earthquake
	for _, q := range records {
		if q.Time.Before(cutoff) {
			continue
		}
		if m, ok := q.Mag(); ok && m >= analysis.DangerThreshold {
			candidates = append(candidates, q)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]string, len(candidates))
	for i, q := range candidates {
		ids[i] = q.ID
	}
	pendingIDs, err := r.store.FilterUnnotified(ids)
	if err != nil {
		return err
	}
	if len(pendingIDs) == 0 {
		return nil
	}

	pending := make(map[string]bool, len(pendingIDs))
	for _, id := range pendingIDs {
		pending[id] = true
	}
	var alerts []models.Earthquake
	for _, q := range candidates {
		if pending[q.ID] && len(alerts) < r.opts.MaxAlerts {
			alerts = append(alerts, q)
		}
	}

	if err := r.notifier.SendDangerous(alerts); err != nil {
		return err
	}
	metrics.DangerousAlerts.Add(float64(len(alerts)))

	// Events beyond MaxAlerts are marked too so they do not pile up.
	if err := r.store.MarkNotified(pendingIDs, r.now()); err != nil {
		return err
	}
	if _, err := r.store.PruneNotified(notifiedRetention); err != nil {
		logger.Warn("Failed to prune notified events: %v", err)
	}

	logger.Info("Announced %d dangerous earthquakes (%d pending)", len(alerts), len(pendingIDs))
	return nil
}
