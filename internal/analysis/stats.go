// Package analysis computes magnitude statistics over a batch of earthquakes
// with two control-flow strategies that must agree numerically:
//
//	Iterative  - one flat pass, O(1) auxiliary state
//	Recursive  - self-recursive descent threading every accumulator by value,
//	             O(n) call-stack depth, bounded by a configurable ceiling
//
// Both derive the same bundle from six accumulators (count, sum, sum of
// squares, dangerous count, min, max):
//
//	mean     = sum / count
//	variance = max(0, sumSquares/count - mean²)   (population variance)
//	stddev   = sqrt(variance)
//	danger%  = dangerous / count × 100
//
// Use Coordinator.Run to execute both passes sequentially and merge them into
// a models.AnalysisReport with the static complexity descriptors attached.
package analysis

import (
	"math"

	"github.com/rewired-gh/quakescope/internal/models"
)

// DangerThreshold is the magnitude at or above which an event counts as dangerous.
const DangerThreshold = 5.0

// finalize derives the statistics bundle from the accumulators.
// With no usable magnitudes the derived values are zero and min/max keep
// whatever sentinels the caller started from.
func finalize(count int, sum float64, dangerous int, sumSquares, minMag, maxMag float64) models.StatisticsBundle {
	b := models.StatisticsBundle{
		Count:          count,
		Min:            minMag,
		Max:            maxMag,
		DangerousCount: dangerous,
	}
	if count == 0 {
		return b
	}

	n := float64(count)
	b.Mean = sum / n
	// Cancellation can push E[X²] - E[X]² slightly below zero.
	b.Variance = math.Max(0, sumSquares/n-b.Mean*b.Mean)
	b.StdDeviation = math.Sqrt(b.Variance)
	b.DangerousPercentage = float64(dangerous) / n * 100
	return b
}

func isDangerous(mag float64) bool {
	return mag >= DangerThreshold
}
