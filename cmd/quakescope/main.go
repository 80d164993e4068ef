package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/quakescope/internal/analysis"
	"github.com/rewired-gh/quakescope/internal/api"
	"github.com/rewired-gh/quakescope/internal/config"
	"github.com/rewired-gh/quakescope/internal/logger"
	"github.com/rewired-gh/quakescope/internal/quakes"
	"github.com/rewired-gh/quakescope/internal/storage"
	"github.com/rewired-gh/quakescope/internal/telegram"
	"github.com/rewired-gh/quakescope/internal/usgs"
	"github.com/thejerf/suture/v4"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	// Initialize storage
	store, err := storage.New(cfg.Storage.MaxRuns, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	// Initialize USGS client
	usgsClient := usgs.NewClient(
		cfg.USGS.FeedURL,
		cfg.USGS.QueryURL,
		cfg.USGS.Timeout,
		usgs.ClientConfig{
			MaxRetries:          cfg.USGS.MaxRetries,
			RetryDelayBase:      cfg.USGS.RetryDelayBase,
			MaxIdleConns:        cfg.USGS.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.USGS.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.USGS.IdleConnTimeout,
			BatchSize:           cfg.USGS.BatchSize,
		},
	)

	coordinator := analysis.NewCoordinator(analysis.WithMaxDepth(cfg.Analysis.MaxRecursionDepth))
	logger.Info("Recursive analyzer depth ceiling: %d frames", coordinator.MaxDepth())

	cacheKey := storage.CacheKey("all", cfg.Cache.TargetSize, cfg.Cache.DataVersion)
	service := quakes.NewService(usgsClient, store, quakes.Options{
		CacheKey:     cacheKey,
		TTL:          cfg.Cache.TTL,
		TargetSize:   cfg.Cache.TargetSize,
		MinMagnitude: cfg.USGS.MinMagnitude,
	})

	// Initialize Telegram client. The notifier stays a nil interface when disabled.
	var notifier quakes.Notifier
	if cfg.Telegram.Enabled {
		telegramClient, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	server := api.NewServer(service, coordinator, store, api.Config{
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxSize:         cfg.Analysis.MaxRequestSize,
		DefaultSize:     cfg.Analysis.DefaultSize,
	})

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := suture.New("quakescope", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("Supervisor event: %s", e.String())
		},
		Timeout: cfg.Server.ShutdownTimeout,
	})

	sup.Add(&httpService{
		srv: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      server.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	if cfg.Cache.RefreshEnabled {
		sup.Add(quakes.NewRefresher(usgsClient, store, notifier, quakes.RefresherOptions{
			CacheKey:     cacheKey,
			Interval:     cfg.Cache.RefreshInterval,
			TTL:          cfg.Cache.TTL,
			TargetSize:   cfg.Cache.TargetSize,
			MinMagnitude: cfg.USGS.MinMagnitude,
			MaxAlerts:    cfg.Telegram.MaxAlerts,
		}))
	} else {
		logger.Info("Background cache refresh disabled")
	}

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Supervisor stopped: %v", err)
	}
	logger.Info("Service stopped")
}

// httpService runs the API server under the supervisor
type httpService struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

func (h *httpService) String() string {
	return "http-server"
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening on %s", h.srv.Addr)
		errCh <- h.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	if err := h.srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
