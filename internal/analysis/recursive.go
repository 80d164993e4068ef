package analysis

import (
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/rewired-gh/quakescope/internal/models"
)

// DefaultMaxDepth is the frame ceiling used when none is configured.
const DefaultMaxDepth = 1000

// stepFrameBytes overestimates the stack used by one step frame.
const stepFrameBytes = 512

// Option configures the recursive analyzer and the coordinator.
type Option func(*options)

type options struct {
	maxDepth int
}

// WithMaxDepth sets the recursion ceiling in frames. A value <= 0 selects
// DetectMaxDepth.
func WithMaxDepth(frames int) Option {
	return func(o *options) {
		o.maxDepth = frames
	}
}

func buildOptions(opts []Option) options {
	o := options{maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxDepth <= 0 {
		o.maxDepth = DetectMaxDepth()
	}
	return o
}

// DetectMaxDepth derives a safe recursion ceiling from the runtime's maximum
// goroutine stack size, keeping a 4x margin below exhaustion.
// Exceeding the Go stack limit is a fatal error rather than a recoverable
// panic, so the ceiling must stay well inside it.
func DetectMaxDepth() int {
	// SetMaxStack only reports the limit by replacing it.
	limit := debug.SetMaxStack(math.MaxInt32)
	debug.SetMaxStack(limit)

	depth := limit / stepFrameBytes / 4
	if depth < DefaultMaxDepth {
		return DefaultMaxDepth
	}
	return depth
}

// Recursive computes the same statistics as Iterative by recursive descent,
// one call frame per record. Once the chain would exceed the configured
// ceiling it unwinds and returns a *models.RecursionFailure instead of
// statistics. ExecutionTime is set only on success.
func Recursive(records []models.Earthquake, opts ...Option) (bundle models.StatisticsBundle, err error) {
	o := buildOptions(opts)

	defer func() {
		if r := recover(); r != nil {
			bundle = models.StatisticsBundle{}
			err = &models.RecursionFailure{
				Depth:   -1,
				Limit:   o.maxDepth,
				Records: len(records),
				Cause:   fmt.Sprint(r),
			}
		}
	}()

	start := time.Now()
	b, failure := step(records, o.maxDepth, 0, 0, 0, 0, 0, math.Inf(1), math.Inf(-1))
	if failure != nil {
		return models.StatisticsBundle{}, failure
	}
	b.ExecutionTime = time.Since(start)
	return b, nil
}

// step handles records[index:] given the accumulators of records[:index].
// Every accumulator arrives as a fresh copy; nothing is shared between frames.
// The frame depth equals index+1.
func step(
	records []models.Earthquake,
	limit int,
	index int,
	count int,
	sum float64,
	dangerous int,
	sumSquares float64,
	minMag float64,
	maxMag float64,
) (models.StatisticsBundle, *models.RecursionFailure) {
	if index >= limit {
		return models.StatisticsBundle{}, &models.RecursionFailure{
			Depth:   index + 1,
			Limit:   limit,
			Records: len(records),
		}
	}

	if index >= len(records) {
		return finalize(count, sum, dangerous, sumSquares, minMag, maxMag), nil
	}

	mag, ok := records[index].Mag()
	if !ok {
		return step(records, limit, index+1, count, sum, dangerous, sumSquares, minMag, maxMag)
	}

	nextDangerous := dangerous
	if isDangerous(mag) {
		nextDangerous++
	}

	return step(
		records,
		limit,
		index+1,
		count+1,
		sum+mag,
		nextDangerous,
		sumSquares+mag*mag,
		math.Min(minMag, mag),
		math.Max(maxMag, mag),
	)
}
