package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	USGS     USGSConfig     `mapstructure:"usgs"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Server   ServerConfig   `mapstructure:"server"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// USGSConfig holds USGS earthquake API configuration
type USGSConfig struct {
	FeedURL             string        `mapstructure:"feed_url"`
	QueryURL            string        `mapstructure:"query_url"`
	MinMagnitude        float64       `mapstructure:"min_magnitude"`
	BatchSize           int           `mapstructure:"batch_size"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// AnalysisConfig holds analyzer configuration
type AnalysisConfig struct {
	// MaxRecursionDepth is the recursive analyzer's frame ceiling; 0 detects it
	// from the runtime stack limit.
	MaxRecursionDepth int `mapstructure:"max_recursion_depth"`
	MaxRequestSize    int `mapstructure:"max_request_size"`
	DefaultSize       int `mapstructure:"default_size"`
}

// CacheConfig holds record cache and background refresh configuration
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	TargetSize      int           `mapstructure:"target_size"`
	DataVersion     string        `mapstructure:"data_version"`
	RefreshEnabled  bool          `mapstructure:"refresh_enabled"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	MaxAlerts      int           `mapstructure:"max_alerts"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath  string `mapstructure:"db_path"`
	MaxRuns int    `mapstructure:"max_runs"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envKeyReplacer maps nested keys such as usgs.timeout to QUAKESCOPE_USGS_TIMEOUT.
var envKeyReplacer = strings.NewReplacer(".", "_")

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("QUAKESCOPE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// Read config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// USGS defaults
	v.SetDefault("usgs.feed_url", "https://earthquake.usgs.gov/earthquakes/feed/v1.0/summary/all_month.geojson")
	v.SetDefault("usgs.query_url", "https://earthquake.usgs.gov/fdsnws/event/1/query")
	v.SetDefault("usgs.min_magnitude", 2.5)
	v.SetDefault("usgs.batch_size", 10000)
	v.SetDefault("usgs.timeout", "30s")
	v.SetDefault("usgs.max_retries", 3)
	v.SetDefault("usgs.retry_delay_base", "1s")
	v.SetDefault("usgs.max_idle_conns", 10)
	v.SetDefault("usgs.max_idle_conns_per_host", 5)
	v.SetDefault("usgs.idle_conn_timeout", "90s")

	// Analysis defaults
	v.SetDefault("analysis.max_recursion_depth", 1000)
	v.SetDefault("analysis.max_request_size", 20000)
	v.SetDefault("analysis.default_size", 10)

	// Cache defaults
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.refresh_interval", "10m")
	v.SetDefault("cache.target_size", 20000)
	v.SetDefault("cache.data_version", "v9")
	v.SetDefault("cache.refresh_enabled", true)

	// Server defaults
	v.SetDefault("server.addr", "0.0.0.0:5001")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "2m")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 50)
	v.SetDefault("server.rate_limit_window", "1h")

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.max_alerts", 10)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/quakescope.db")
	v.SetDefault("storage.max_runs", 500)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate USGS config
	if c.USGS.FeedURL == "" {
		return fmt.Errorf("usgs.feed_url is required")
	}
	if c.USGS.QueryURL == "" {
		return fmt.Errorf("usgs.query_url is required")
	}
	if c.USGS.MinMagnitude < 0 {
		return fmt.Errorf("usgs.min_magnitude must not be negative")
	}
	if c.USGS.BatchSize < 1 || c.USGS.BatchSize > 20000 {
		return fmt.Errorf("usgs.batch_size must be between 1 and 20000")
	}
	if c.USGS.Timeout < 1*time.Second {
		return fmt.Errorf("usgs.timeout must be at least 1 second")
	}
	if c.USGS.MaxRetries < 1 {
		return fmt.Errorf("usgs.max_retries must be at least 1")
	}

	// Validate Analysis config
	if c.Analysis.MaxRecursionDepth < 0 {
		return fmt.Errorf("analysis.max_recursion_depth must not be negative (0 = detect)")
	}
	if c.Analysis.MaxRequestSize < 1 {
		return fmt.Errorf("analysis.max_request_size must be at least 1")
	}
	if c.Analysis.DefaultSize < 1 || c.Analysis.DefaultSize > c.Analysis.MaxRequestSize {
		return fmt.Errorf("analysis.default_size must be between 1 and analysis.max_request_size")
	}

	// Validate Cache config
	if c.Cache.TTL < 1*time.Minute {
		return fmt.Errorf("cache.ttl must be at least 1 minute")
	}
	if c.Cache.RefreshEnabled && c.Cache.RefreshInterval < 1*time.Minute {
		return fmt.Errorf("cache.refresh_interval must be at least 1 minute")
	}
	if c.Cache.TargetSize < c.Analysis.MaxRequestSize {
		return fmt.Errorf("cache.target_size must be at least analysis.max_request_size")
	}
	if c.Cache.DataVersion == "" {
		return fmt.Errorf("cache.data_version is required")
	}

	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative (0 = disabled)")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("server.rate_limit_window must be positive when rate limiting is enabled")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MaxAlerts < 1 {
			return fmt.Errorf("telegram.max_alerts must be at least 1")
		}
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxRuns < 1 {
		return fmt.Errorf("storage.max_runs must be at least 1")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
