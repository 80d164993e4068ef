package analysis

import (
	"math"
	"time"

	"github.com/rewired-gh/quakescope/internal/models"
)

// Iterative aggregates magnitude statistics in a single pass over records.
// Records without a usable magnitude are skipped. It never fails.
func Iterative(records []models.Earthquake) models.StatisticsBundle {
	start := time.Now()

	count := 0
	sum := 0.0
	sumSquares := 0.0
	dangerous := 0
	minMag := math.Inf(1)
	maxMag := math.Inf(-1)

	for i := range records {
		mag, ok := records[i].Mag()
		if !ok {
			continue
		}
		count++
		sum += mag
		sumSquares += mag * mag
		if mag < minMag {
			minMag = mag
		}
		if mag > maxMag {
			maxMag = mag
		}
		if isDangerous(mag) {
			dangerous++
		}
	}

	b := finalize(count, sum, dangerous, sumSquares, minMag, maxMag)
	b.ExecutionTime = time.Since(start)
	return b
}
