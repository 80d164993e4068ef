package api

import (
	"math"
	"time"

	"github.com/rewired-gh/quakescope/internal/models"
)

// statsView is the wire form of a StatisticsBundle. Values are rounded for
// display; Min and Max are null when no magnitude was aggregated.
type statsView struct {
	Count                int      `json:"count"`
	Mean                 float64  `json:"mean"`
	Min                  *float64 `json:"min"`
	Max                  *float64 `json:"max"`
	Variance             float64  `json:"variance"`
	StdDeviation         float64  `json:"std_deviation"`
	DangerousCount       int      `json:"dangerous_count"`
	DangerousPercentage  float64  `json:"dangerous_percentage"`
	ExecutionTimeSeconds float64  `json:"execution_time_seconds"`
}

type errorView struct {
	Error string `json:"error"`
}

type analysisView struct {
	ID         string                `json:"id"`
	Iterative  statsView             `json:"iterative"`
	Recursive  any                   `json:"recursive"` // statsView or errorView
	Complexity models.ComplexityPair `json:"complexity_analysis"`
}

type earthquakesResponse struct {
	Earthquakes []models.Earthquake `json:"earthquakes"`
	Total       int                 `json:"total"`
	Analysis    analysisView        `json:"analysis"`
	Timestamp   time.Time           `json:"timestamp"`
	Cached      bool                `json:"cached"`
	Stale       bool                `json:"stale,omitempty"`
}

type historyResponse struct {
	Runs   []models.AnalysisRun `json:"runs"`
	BySize []models.AnalysisRun `json:"by_size"`
}

type healthResponse struct {
	Status            string `json:"status"`
	MaxRecursionDepth int    `json:"max_recursion_depth"`
}

func newStatsView(b models.StatisticsBundle) statsView {
	v := statsView{
		Count:                b.Count,
		Mean:                 round(b.Mean, 3),
		Variance:             round(b.Variance, 3),
		StdDeviation:         round(b.StdDeviation, 3),
		DangerousCount:       b.DangerousCount,
		DangerousPercentage:  round(b.DangerousPercentage, 2),
		ExecutionTimeSeconds: round(b.ExecutionTime.Seconds(), 6),
	}
	if b.HasData() {
		minMag, maxMag := round(b.Min, 1), round(b.Max, 1)
		v.Min, v.Max = &minMag, &maxMag
	}
	return v
}

func newAnalysisView(r *models.AnalysisReport) analysisView {
	v := analysisView{
		ID:         r.ID,
		Iterative:  newStatsView(r.Iterative),
		Complexity: r.Complexity,
	}
	if r.RecursiveSucceeded() {
		v.Recursive = newStatsView(*r.Recursive)
	} else if r.RecursiveFailure != nil {
		v.Recursive = errorView{Error: r.RecursiveFailure.Error()}
	}
	return v
}

// round rounds half away from zero to the given number of decimal places.
func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
