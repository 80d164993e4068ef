// Package chart renders analyzer timings as images using go-chart.
package chart

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/rewired-gh/quakescope/internal/models"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// Format selects the image encoding.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("no data to plot")

var (
	iterativeColor = drawing.ColorFromHex("1f77b4")
	recursiveColor = drawing.ColorFromHex("ff7f0e")
	failedColor    = drawing.ColorFromHex("d62728")
)

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatSVG {
		return "image/svg+xml"
	}
	return "image/png"
}

func (f Format) provider() (gochart.RendererProvider, error) {
	switch f {
	case FormatPNG, "":
		return gochart.PNG, nil
	case FormatSVG:
		return gochart.SVG, nil
	default:
		return nil, fmt.Errorf("unsupported chart format %q", f)
	}
}

// RenderComparison draws one bar per analyzer with its execution time in
// milliseconds. A failed recursive pass is drawn as an empty, labelled bar.
func RenderComparison(w io.Writer, report *models.AnalysisReport, format Format) error {
	provider, err := format.provider()
	if err != nil {
		return err
	}

	iterMs := millis(report.Iterative.ExecutionTime.Seconds())
	bars := []gochart.Value{
		{Label: "Iterative", Value: iterMs, Style: gochart.Style{FillColor: iterativeColor, StrokeColor: iterativeColor}},
	}
	maxMs := iterMs
	if report.RecursiveSucceeded() {
		recMs := millis(report.Recursive.ExecutionTime.Seconds())
		bars = append(bars, gochart.Value{Label: "Recursive", Value: recMs,
			Style: gochart.Style{FillColor: recursiveColor, StrokeColor: recursiveColor}})
		maxMs = math.Max(maxMs, recMs)
	} else {
		bars = append(bars, gochart.Value{Label: "Recursive (failed)", Value: 0,
			Style: gochart.Style{FillColor: failedColor, StrokeColor: failedColor}})
	}

	bc := gochart.BarChart{
		Title:      fmt.Sprintf("Execution time, %d records (ms)", report.Size),
		Background: gochart.Style{Padding: gochart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16}},
		Width:      640,
		Height:     400,
		BarWidth:   120,
		YAxis: gochart.YAxis{
			Name:  "ms",
			Range: &gochart.ContinuousRange{Min: 0, Max: niceMax(maxMs)},
		},
		Bars: bars,
	}
	return bc.Render(provider, w)
}

// RenderHistory plots the latest timing of each analyzer against input size.
// Runs where the recursive pass failed contribute only an iterative point.
func RenderHistory(w io.Writer, runs []models.AnalysisRun, format Format) error {
	if len(runs) == 0 {
		return ErrNoData
	}
	provider, err := format.provider()
	if err != nil {
		return err
	}

	sorted := append([]models.AnalysisRun(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	var iterX, iterY, recX, recY []float64
	maxMs := 0.0
	for _, r := range sorted {
		iterX = append(iterX, float64(r.Size))
		iterY = append(iterY, millis(r.IterativeSeconds))
		maxMs = math.Max(maxMs, millis(r.IterativeSeconds))
		if r.RecursiveSeconds != nil {
			recX = append(recX, float64(r.Size))
			recY = append(recY, millis(*r.RecursiveSeconds))
			maxMs = math.Max(maxMs, millis(*r.RecursiveSeconds))
		}
	}

	minX, maxX := iterX[0], iterX[len(iterX)-1]
	if maxX <= minX {
		maxX = minX + 1
	}

	series := []gochart.Series{lineSeries("Iterative", iterX, iterY, iterativeColor)}
	if len(recX) > 0 {
		series = append(series, lineSeries("Recursive", recX, recY, recursiveColor))
	}

	ch := gochart.Chart{
		Title:      "Execution time by input size (ms)",
		Background: gochart.Style{Padding: gochart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16}},
		Width:      800,
		Height:     420,
		XAxis: gochart.XAxis{
			Name:  "records",
			Range: &gochart.ContinuousRange{Min: minX, Max: maxX},
		},
		YAxis: gochart.YAxis{
			Name:  "ms",
			Range: &gochart.ContinuousRange{Min: 0, Max: niceMax(maxMs)},
		},
		Series: series,
	}
	ch.Elements = []gochart.Renderable{gochart.Legend(&ch)}

	return ch.Render(provider, w)
}

// lineSeries builds a series with dots. A single point is widened into a flat
// segment so the series still has a non-zero X extent.
func lineSeries(name string, xs, ys []float64, col drawing.Color) gochart.ContinuousSeries {
	if len(xs) == 1 {
		xs = []float64{xs[0], xs[0] + 1}
		ys = []float64{ys[0], ys[0]}
	}
	return gochart.ContinuousSeries{
		Name:    name,
		XValues: xs,
		YValues: ys,
		Style: gochart.Style{
			StrokeColor: col,
			StrokeWidth: 2,
			DotColor:    col,
			DotWidth:    3,
		},
	}
}

func millis(seconds float64) float64 {
	return seconds * 1000
}

// niceMax rounds v up to 1, 2 or 5 times a power of ten. Non-positive input yields 1.
func niceMax(v float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 1
	}
	exp := math.Pow(10, math.Floor(math.Log10(v)))
	for _, m := range []float64{1, 2, 5, 10} {
		if v <= m*exp {
			return m * exp
		}
	}
	return 10 * exp
}
