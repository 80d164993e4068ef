package models

import (
	"errors"
	"fmt"
	"time"
)

// StatisticsBundle is the output of one analyzer pass over a sequence of earthquakes.
// When Count is zero, Min and Max keep their +Inf/-Inf sentinels; callers must
// check HasData before displaying them.
type StatisticsBundle struct {
	Count               int
	Mean                float64
	Min                 float64
	Max                 float64
	Variance            float64
	StdDeviation        float64
	DangerousCount      int
	DangerousPercentage float64
	ExecutionTime       time.Duration
}

// HasData reports whether at least one usable magnitude was aggregated.
func (b StatisticsBundle) HasData() bool {
	return b.Count > 0
}

// ErrRecursionDepthExceeded is matched by every RecursionFailure via errors.Is.
var ErrRecursionDepthExceeded = errors.New("recursion depth exceeded")

// RecursionFailure reports that the recursive analyzer stopped because the
// call chain reached its depth ceiling. It carries no statistics.
type RecursionFailure struct {
	Depth   int // frame depth at which the ceiling was hit, -1 if unknown
	Limit   int
	Records int
	Cause   string // set when the chain aborted for another reason
}

func (f *RecursionFailure) Error() string {
	if f.Cause != "" {
		return fmt.Sprintf("recursive analysis of %d records aborted: %s", f.Records, f.Cause)
	}
	return fmt.Sprintf("recursion depth exceeded at frame %d: %d records, limit is %d frames",
		f.Depth, f.Records, f.Limit)
}

// Unwrap lets errors.Is match ErrRecursionDepthExceeded.
func (f *RecursionFailure) Unwrap() error {
	return ErrRecursionDepthExceeded
}

// ComplexityDescriptor is fixed metadata describing an analyzer's asymptotic
// behaviour. It is unrelated to measured timing.
type ComplexityDescriptor struct {
	BestCase        string `json:"best_case"`
	WorstCase       string `json:"worst_case"`
	AverageCase     string `json:"average_case"`
	SpaceComplexity string `json:"space_complexity"`
	Suitability     string `json:"suitability"`
}

// ComplexityPair holds the descriptor of each analyzer.
type ComplexityPair struct {
	Iterative ComplexityDescriptor `json:"iterative"`
	Recursive ComplexityDescriptor `json:"recursive"`
}

// AnalysisReport pairs the iterative and recursive results for one request.
// Exactly one of Recursive and RecursiveFailure is set.
type AnalysisReport struct {
	ID               string
	Size             int // number of records analyzed
	Iterative        StatisticsBundle
	Recursive        *StatisticsBundle
	RecursiveFailure *RecursionFailure
	Complexity       ComplexityPair
	CreatedAt        time.Time
}

// RecursiveSucceeded reports whether the recursive pass produced statistics.
func (r *AnalysisReport) RecursiveSucceeded() bool {
	return r.Recursive != nil && r.RecursiveFailure == nil
}

// AnalysisRun is the persisted timing summary of one AnalysisReport.
type AnalysisRun struct {
	ID               string    `json:"id"`
	Size             int       `json:"size"`
	IterativeSeconds float64   `json:"iterative_seconds"`
	RecursiveSeconds *float64  `json:"recursive_seconds"`
	RecursiveError   string    `json:"recursive_error,omitempty"`
	DangerousCount   int       `json:"dangerous_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// RunFromReport summarises a report for persistence.
func RunFromReport(r *AnalysisReport) AnalysisRun {
	run := AnalysisRun{
		ID:               r.ID,
		Size:             r.Size,
		IterativeSeconds: r.Iterative.ExecutionTime.Seconds(),
		DangerousCount:   r.Iterative.DangerousCount,
		CreatedAt:        r.CreatedAt,
	}
	if r.RecursiveSucceeded() {
		secs := r.Recursive.ExecutionTime.Seconds()
		run.RecursiveSeconds = &secs
	} else if r.RecursiveFailure != nil {
		run.RecursiveError = r.RecursiveFailure.Error()
	}
	return run
}

// Validate checks that all run fields are valid.
func (r *AnalysisRun) Validate() error {
	if r.ID == "" {
		return errors.New("run ID must not be empty")
	}
	if r.Size < 0 {
		return errors.New("run size must not be negative")
	}
	if r.IterativeSeconds < 0 {
		return errors.New("iterative seconds must not be negative")
	}
	if r.RecursiveSeconds != nil && *r.RecursiveSeconds < 0 {
		return errors.New("recursive seconds must not be negative")
	}
	if r.RecursiveSeconds != nil && r.RecursiveError != "" {
		return errors.New("run cannot have both recursive timing and recursive error")
	}
	if r.CreatedAt.After(time.Now()) {
		return errors.New("created at must not be in the future")
	}
	return nil
}
