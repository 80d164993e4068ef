package analysis

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/quakescope/internal/logger"
	"github.com/rewired-gh/quakescope/internal/metrics"
	"github.com/rewired-gh/quakescope/internal/models"
)

// Coordinator runs both analyzers over one batch and merges their results.
// It holds no per-request state and is safe for concurrent use.
type Coordinator struct {
	maxDepth int
	now      func() time.Time
}

// NewCoordinator creates a Coordinator. The depth ceiling is resolved once here.
func NewCoordinator(opts ...Option) *Coordinator {
	o := buildOptions(opts)
	return &Coordinator{
		maxDepth: o.maxDepth,
		now:      time.Now,
	}
}

// MaxDepth returns the recursion ceiling in frames.
func (c *Coordinator) MaxDepth() int {
	return c.maxDepth
}

// Run analyzes records iteratively, then recursively, strictly in that order so
// the two timings are independently attributable. A recursion failure is
// recorded on the report; it never fails the run.
func (c *Coordinator) Run(records []models.Earthquake) models.AnalysisReport {
	report := models.AnalysisReport{
		ID:         uuid.New().String(),
		Size:       len(records),
		Complexity: Complexity(),
		CreatedAt:  c.now(),
	}
	metrics.AnalysisRecords.Observe(float64(len(records)))

	report.Iterative = Iterative(records)
	metrics.AnalysisDuration.WithLabelValues("iterative").Observe(report.Iterative.ExecutionTime.Seconds())

	recursive, err := Recursive(records, WithMaxDepth(c.maxDepth))
	if err != nil {
		var failure *models.RecursionFailure
		if !errors.As(err, &failure) {
			failure = &models.RecursionFailure{Depth: -1, Limit: c.maxDepth, Records: len(records), Cause: err.Error()}
		}
		report.RecursiveFailure = failure
		metrics.RecursionFailures.Inc()
		logger.Debug("Recursive analysis of %d records failed: %v", len(records), failure)
	} else {
		report.Recursive = &recursive
		metrics.AnalysisDuration.WithLabelValues("recursive").Observe(recursive.ExecutionTime.Seconds())
	}

	logger.Debug("Analysis %s: n=%d iterative=%v recursive_ok=%v",
		report.ID, report.Size, report.Iterative.ExecutionTime, report.RecursiveSucceeded())

	return report
}
