// Command quakebench times the iterative and recursive analyzers over a
// ladder of input sizes and prints a comparison table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/quakescope/internal/analysis"
	"github.com/rewired-gh/quakescope/internal/chart"
	"github.com/rewired-gh/quakescope/internal/config"
	"github.com/rewired-gh/quakescope/internal/logger"
	"github.com/rewired-gh/quakescope/internal/models"
	"github.com/rewired-gh/quakescope/internal/usgs"
)

const defaultSizes = "1,10,25,50,100,500,1000,2000,5000,10000,20000"

var (
	configPath = flag.String("config", "", "Path to configuration file (only used with -live)")
	sizesFlag  = flag.String("sizes", defaultSizes, "Comma-separated input sizes")
	maxDepth   = flag.Int("max-depth", analysis.DefaultMaxDepth, "Recursion ceiling in frames (0 = detect)")
	live       = flag.Bool("live", false, "Fetch records from USGS instead of generating them")
	seed       = flag.Uint64("seed", 1, "Seed for synthetic records")
	chartPath  = flag.String("chart", "", "Write a timing chart to this path (.png or .svg)")
)

func main() {
	flag.Parse()

	sizes, err := parseSizes(*sizesFlag)
	if err != nil {
		log.Fatalf("Invalid -sizes: %v", err)
	}
	largest := sizes[len(sizes)-1]

	logger.Init("warn", "text")

	var records []models.Earthquake
	if *live {
		records, err = fetchLive(largest)
		if err != nil {
			log.Fatalf("Failed to fetch records: %v", err)
		}
	} else {
		records = synthesize(largest, *seed)
	}

	coordinator := analysis.NewCoordinator(analysis.WithMaxDepth(*maxDepth))

	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("ITERATIVE VS RECURSIVE ANALYSIS (%d records available, depth ceiling %d)\n",
		len(records), coordinator.MaxDepth())
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%8s  %14s  %14s  %8s  %10s\n", "size", "iterative", "recursive", "ratio", "dangerous")
	fmt.Println(strings.Repeat("-", 80))

	runs := make([]models.AnalysisRun, 0, len(sizes))
	for _, size := range sizes {
		n := min(size, len(records))
		report := coordinator.Run(records[:n])
		runs = append(runs, models.RunFromReport(&report))
		fmt.Println(formatRow(&report))
	}
	fmt.Println(strings.Repeat("-", 80))

	if *chartPath != "" {
		if err := writeChart(*chartPath, runs); err != nil {
			log.Fatalf("Failed to write chart: %v", err)
		}
		fmt.Printf("Chart written to %s\n", *chartPath)
	}
}

// parseSizes parses a comma-separated list of positive sizes, ascending.
func parseSizes(raw string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", part)
		}
		if n < 1 {
			return nil, fmt.Errorf("size %d must be positive", n)
		}
		if len(sizes) > 0 && n <= sizes[len(sizes)-1] {
			return nil, fmt.Errorf("sizes must be strictly ascending")
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no sizes given")
	}
	return sizes, nil
}

// synthesize generates n records with magnitudes between 2.5 and 8.0, newest
// first. Roughly one record in fifty has no magnitude.
func synthesize(n int, seed uint64) []models.Earthquake {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	now := time.Now().UTC()
	out := make([]models.Earthquake, n)
	for i := range out {
		out[i] = models.Earthquake{
			ID:        fmt.Sprintf("synthetic%06d", i),
			Location:  "Synthetic region",
			Time:      now.Add(-time.Duration(i) * time.Minute),
			Latitude:  rng.Float64()*180 - 90,
			Longitude: rng.Float64()*360 - 180,
			Depth:     rng.Float64() * 700,
		}
		if rng.IntN(50) != 0 {
			mag := 2.5 + rng.ExpFloat64()*0.9
			if mag > 8.0 {
				mag = 8.0
			}
			out[i].Magnitude = &mag
		}
	}
	return out
}

func fetchLive(target int) ([]models.Earthquake, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := usgs.NewClient(cfg.USGS.FeedURL, cfg.USGS.QueryURL, cfg.USGS.Timeout, usgs.ClientConfig{
		MaxRetries:     cfg.USGS.MaxRetries,
		RetryDelayBase: cfg.USGS.RetryDelayBase,
		BatchSize:      cfg.USGS.BatchSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return client.FetchHistorical(ctx, target, cfg.USGS.MinMagnitude)
}

func formatRow(r *models.AnalysisReport) string {
	iter := r.Iterative.ExecutionTime
	recursive, ratio := "n/a", "n/a"
	if r.RecursiveSucceeded() {
		rec := r.Recursive.ExecutionTime
		recursive = rec.String()
		if iter > 0 {
			ratio = fmt.Sprintf("%.2fx", float64(rec)/float64(iter))
		}
	}
	return fmt.Sprintf("%8d  %14s  %14s  %8s  %10d", r.Size, iter.String(), recursive, ratio, r.Iterative.DangerousCount)
}

func writeChart(path string, runs []models.AnalysisRun) error {
	format := chart.FormatPNG
	if strings.HasSuffix(strings.ToLower(path), ".svg") {
		format = chart.FormatSVG
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := chart.RenderHistory(f, runs, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
