// Package api exposes the earthquake analyses over HTTP.
//
// Routes:
//
//	GET /earthquakes                    records plus both analyses as JSON
//	GET /earthquakes/chart.png          bar chart of the two execution times
//	GET /analysis/history               persisted run summaries
//	GET /analysis/history/chart.png     latest timings by input size
//	GET /healthz                        liveness
//	GET /metrics                        Prometheus metrics
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rewired-gh/quakescope/internal/chart"
	"github.com/rewired-gh/quakescope/internal/logger"
	"github.com/rewired-gh/quakescope/internal/models"
	"github.com/rewired-gh/quakescope/internal/quakes"
)

// RecordSource supplies record sequences to analyze
type RecordSource interface {
	Records(ctx context.Context, size int, sortBy string) (quakes.Result, error)
}

// Analyzer runs both analyses over a record sequence
type Analyzer interface {
	Run(records []models.Earthquake) models.AnalysisReport
	MaxDepth() int
}

// RunStore persists analysis run summaries
type RunStore interface {
	AddRun(run models.AnalysisRun) error
	RecentRuns(limit int) ([]models.AnalysisRun, error)
	RunsBySize() ([]models.AnalysisRun, error)
}

// Config holds HTTP surface settings
type Config struct {
	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
	MaxSize         int
	DefaultSize     int
}

// Server holds the handlers and their dependencies
type Server struct {
	records  RecordSource
	analyzer Analyzer
	runs     RunStore
	cfg      Config
	validate *validator.Validate
}

// earthquakesQuery is the validated query of the record endpoints.
type earthquakesQuery struct {
	Size int
	Sort string
}

type historyQuery struct {
	Limit int `validate:"min=1,max=500"`
}

// NewServer creates a Server
func NewServer(records RecordSource, analyzer Analyzer, runs RunStore, cfg Config) *Server {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 20000
	}
	if cfg.DefaultSize <= 0 || cfg.DefaultSize > cfg.MaxSize {
		cfg.DefaultSize = 10
	}
	return &Server{
		records:  records,
		analyzer: analyzer,
		runs:     runs,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// Routes builds the chi router with the full middleware stack
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(observe)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(s.cfg.CORSOrigins))
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(s.cfg.RateLimit, s.cfg.RateLimitWindow))

		r.Get("/earthquakes", s.handleEarthquakes)
		r.Get("/earthquakes/chart.png", s.handleComparisonChart)
		r.Get("/analysis/history", s.handleHistory)
		r.Get("/analysis/history/chart.png", s.handleHistoryChart)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found", nil)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, healthResponse{
		Status:            "ok",
		MaxRecursionDepth: s.analyzer.MaxDepth(),
	})
}

func (s *Server) handleEarthquakes(w http.ResponseWriter, r *http.Request) {
	report, res, ok := s.analyze(w, r, true)
	if !ok {
		return
	}

	respondJSON(w, r, http.StatusOK, earthquakesResponse{
		Earthquakes: res.Records,
		Total:       len(res.Records),
		Analysis:    newAnalysisView(report),
		Timestamp:   report.CreatedAt.UTC(),
		Cached:      res.Cached,
		Stale:       res.Stale,
	})
}

func (s *Server) handleComparisonChart(w http.ResponseWriter, r *http.Request) {
	report, _, ok := s.analyze(w, r, false)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := chart.RenderComparison(&buf, report, chart.FormatPNG); err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to render chart", err)
		return
	}
	writeImage(w, r, chart.FormatPNG, buf.Bytes())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := historyQuery{Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "limit must be an integer", nil)
			return
		}
		q.Limit = n
	}
	if err := s.validate.Struct(q); err != nil {
		respondError(w, r, http.StatusBadRequest, "limit must be between 1 and 500", nil)
		return
	}

	runs, err := s.runs.RecentRuns(q.Limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to load history", err)
		return
	}
	bySize, err := s.runs.RunsBySize()
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to load history", err)
		return
	}

	respondJSON(w, r, http.StatusOK, historyResponse{Runs: runs, BySize: bySize})
}

func (s *Server) handleHistoryChart(w http.ResponseWriter, r *http.Request) {
	bySize, err := s.runs.RunsBySize()
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to load history", err)
		return
	}

	var buf bytes.Buffer
	if err := chart.RenderHistory(&buf, bySize, chart.FormatPNG); err != nil {
		if errors.Is(err, chart.ErrNoData) {
			respondError(w, r, http.StatusNotFound, "no analysis runs recorded yet", nil)
			return
		}
		respondError(w, r, http.StatusInternalServerError, "failed to render chart", err)
		return
	}
	writeImage(w, r, chart.FormatPNG, buf.Bytes())
}

// analyze parses the record query, fetches records and runs both analyses.
// The run is stored in the history only when persist is set. On failure it
// writes the error response and returns false.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request, persist bool) (*models.AnalysisReport, quakes.Result, bool) {
	q, err := s.parseEarthquakesQuery(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error(), nil)
		return nil, quakes.Result{}, false
	}

	res, err := s.records.Records(r.Context(), q.Size, q.Sort)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to load earthquake records", err)
		return nil, quakes.Result{}, false
	}

	report := s.analyzer.Run(res.Records)
	if persist {
		if err := s.runs.AddRun(models.RunFromReport(&report)); err != nil {
			logger.Ctx(r.Context()).Warn().Err(err).Str("run_id", report.ID).Msg("failed to persist analysis run")
		}
	}

	logger.Ctx(r.Context()).Info().
		Int("size", q.Size).
		Int("records", len(res.Records)).
		Bool("cached", res.Cached).
		Bool("recursive_ok", report.RecursiveSucceeded()).
		Msg("analysis completed")

	return &report, res, true
}

func (s *Server) parseEarthquakesQuery(r *http.Request) (earthquakesQuery, error) {
	q := earthquakesQuery{Size: s.cfg.DefaultSize, Sort: r.URL.Query().Get("sort")}
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("size must be an integer")
		}
		q.Size = n
	}
	if err := s.validate.Var(q.Size, fmt.Sprintf("min=1,max=%d", s.cfg.MaxSize)); err != nil {
		return q, fmt.Errorf("size must be between 1 and %d", s.cfg.MaxSize)
	}
	if !quakes.ValidSort(q.Sort) {
		return q, fmt.Errorf("sort must be one of: time, magnitude, location")
	}
	if q.Sort == "" {
		q.Sort = quakes.SortTime
	}
	return q, nil
}

// respondJSON writes v as a JSON response
func respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("failed to write JSON response")
	}
}

// respondError writes a JSON error. err, when set, is logged but not exposed.
func respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg(message)
	}
	respondJSON(w, r, status, errorView{Error: message})
}

func writeImage(w http.ResponseWriter, r *http.Request, format chart.Format, data []byte) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("failed to write image response")
	}
}
