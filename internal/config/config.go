// ============================================================================
// Market-Sizer Config - File and Environment Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the YAML config file, apply MARKETSIZER_* environment
//          overrides and validate the result before anything starts.
//
// Resolution order (later wins):
//
//   Default() ─► configs/default.yaml (if present) ─► MARKETSIZER_* env
//
// Secrets (API key, DSN, Redis URL) are expected to come from the
// environment; the file carries everything else.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/market-sizer/internal/controller"
	"github.com/ChuLiYu/market-sizer/internal/ratelimit"
	"github.com/ChuLiYu/market-sizer/internal/runner"
	"github.com/ChuLiYu/market-sizer/internal/segmenter"
	"github.com/ChuLiYu/market-sizer/internal/store/postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete process configuration.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`

	Provider struct {
		BaseURL string        `yaml:"base_url"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"provider"`

	RateLimit struct {
		PerSecond int           `yaml:"per_second"`
		PerMinute int           `yaml:"per_minute"`
		PerDay    int           `yaml:"per_day"`
		MaxWait   time.Duration `yaml:"max_wait"`
	} `yaml:"ratelimit"`

	// Redis, when set, shares the rolling windows between processes.
	Redis struct {
		URL       string `yaml:"url"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Store struct {
		Driver           string        `yaml:"driver"`
		Path             string        `yaml:"path"` // snapshot file (memory) or database file (sqlite)
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SyncWrites       bool          `yaml:"sync_writes"` // fsync the memory store journal on every write
		DSN              string        `yaml:"dsn"`
		MaxConns         int32         `yaml:"max_conns"`
		MinConns         int32         `yaml:"min_conns"`
		MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
		MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
	} `yaml:"store"`

	Runner struct {
		MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
		Workers           int           `yaml:"workers"`
		MaxRetries        int           `yaml:"max_retries"`
		BackoffBase       time.Duration `yaml:"backoff_base"`
		BackoffMax        time.Duration `yaml:"backoff_max"`
		FlushInterval     time.Duration `yaml:"flush_interval"`
		SweepSchedule     string        `yaml:"sweep_schedule"`
	} `yaml:"runner"`

	Segmenter struct {
		ResultCap  int64  `yaml:"result_cap"`
		MaxDepth   int    `yaml:"max_depth"`
		Preference string `yaml:"preference"`
		// SeedHeadcountBands splits searches with no splittable filter by
		// the provider's headcount bands.
		SeedHeadcountBands bool `yaml:"seed_headcount_bands"`
	} `yaml:"segmenter"`

	Server struct {
		HTTPAddr        string        `yaml:"http_addr"`
		GRPCAddr        string        `yaml:"grpc_addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var c Config
	c.Log.Level = "info"
	c.Log.Format = "text"

	c.Provider.BaseURL = "https://api.prospeo.io"
	c.Provider.Timeout = 30 * time.Second

	rl := ratelimit.DefaultConfig()
	c.RateLimit.PerSecond = rl.PerSecond
	c.RateLimit.PerMinute = rl.PerMinute
	c.RateLimit.PerDay = rl.PerDay
	c.RateLimit.MaxWait = rl.MaxWait
	c.Redis.KeyPrefix = "marketsizer:ratelimit"

	c.Store.Driver = DriverMemory
	c.Store.SnapshotInterval = 5 * time.Second
	c.Store.MaxConns = 10
	c.Store.MinConns = 2
	c.Store.MaxConnLifetime = 30 * time.Minute
	c.Store.MaxConnIdleTime = 5 * time.Minute
	c.Store.DialTimeout = 3 * time.Second

	c.Runner.MaxConcurrentJobs = controller.DefaultMaxConcurrentJobs
	c.Runner.Workers = runner.DefaultWorkers
	c.Runner.MaxRetries = runner.DefaultMaxRetries
	c.Runner.BackoffBase = runner.DefaultBackoffBase
	c.Runner.BackoffMax = runner.DefaultBackoffMax
	c.Runner.FlushInterval = runner.DefaultFlushInterval
	c.Runner.SweepSchedule = controller.DefaultSweepSchedule

	c.Segmenter.ResultCap = segmenter.DefaultCap
	c.Segmenter.MaxDepth = segmenter.DefaultMaxDepth
	c.Segmenter.Preference = string(segmenter.NumericFirst)

	c.Server.HTTPAddr = ":8080"
	c.Server.GRPCAddr = ":50051"
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	return &c
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("MARKETSIZER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("MARKETSIZER_LOG_FORMAT", c.Log.Format)
	c.Provider.BaseURL = getEnv("MARKETSIZER_PROVIDER_URL", c.Provider.BaseURL)
	c.Provider.APIKey = getEnv("MARKETSIZER_API_KEY", c.Provider.APIKey)
	c.Provider.Timeout = getEnvAsDuration("MARKETSIZER_PROVIDER_TIMEOUT", c.Provider.Timeout)
	c.Redis.URL = getEnv("MARKETSIZER_REDIS_URL", c.Redis.URL)
	c.Store.Driver = getEnv("MARKETSIZER_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("MARKETSIZER_STORE_PATH", c.Store.Path)
	c.Store.DSN = getEnv("MARKETSIZER_DSN", c.Store.DSN)
	c.Store.MaxConns = getEnvAsInt32("MARKETSIZER_DB_MAX_CONNS", c.Store.MaxConns)
	c.Runner.MaxConcurrentJobs = getEnvAsInt("MARKETSIZER_MAX_JOBS", c.Runner.MaxConcurrentJobs)
	c.Runner.Workers = getEnvAsInt("MARKETSIZER_WORKERS", c.Runner.Workers)
	c.Server.HTTPAddr = getEnv("MARKETSIZER_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("MARKETSIZER_GRPC_ADDR", c.Server.GRPCAddr)
}

// Validate checks everything except provider credentials, which only
// commands that call the provider need; see ValidateProvider.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		add("%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Provider.Timeout <= 0 {
		add("provider.timeout must be positive")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.PerMinute <= 0 || c.RateLimit.PerDay <= 0 {
		add("ratelimit ceilings must be positive")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			add("store.dsn (MARKETSIZER_DSN) is required for the postgres driver")
		}
	default:
		add("unknown store.driver %q", c.Store.Driver)
	}

	if c.Runner.MaxConcurrentJobs < 1 {
		add("runner.max_concurrent_jobs must be at least 1")
	}
	if c.Runner.Workers < 1 {
		add("runner.workers must be at least 1")
	}
	if c.Runner.MaxRetries < 0 {
		add("runner.max_retries must not be negative")
	}

	switch segmenter.Preference(c.Segmenter.Preference) {
	case segmenter.NumericFirst, segmenter.CategoricalFirst:
	default:
		add("unknown segmenter.preference %q", c.Segmenter.Preference)
	}
	if c.Segmenter.ResultCap < 1 {
		add("segmenter.result_cap must be positive")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		add("metrics.port %d out of range", c.Metrics.Port)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateProvider checks the provider credentials.
func (c *Config) ValidateProvider() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("%w: provider.api_key (MARKETSIZER_API_KEY) is required", ErrInvalidConfig)
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("%w: provider.base_url is required", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
// Component settings
// ============================================================================

// RateLimitConfig returns the limiter ceilings.
func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		PerSecond: c.RateLimit.PerSecond,
		PerMinute: c.RateLimit.PerMinute,
		PerDay:    c.RateLimit.PerDay,
		MaxWait:   c.RateLimit.MaxWait,
	}
}

// ControllerConfig returns the service settings, runner included.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		MaxConcurrentJobs: c.Runner.MaxConcurrentJobs,
		SweepSchedule:     c.Runner.SweepSchedule,
		Runner: runner.Config{
			Workers:       c.Runner.Workers,
			MaxRetries:    c.Runner.MaxRetries,
			BackoffBase:   c.Runner.BackoffBase,
			BackoffMax:    c.Runner.BackoffMax,
			FlushInterval: c.Runner.FlushInterval,
		},
	}
}

// NewSegmenter returns the configured splitting policy.
func (c *Config) NewSegmenter() *segmenter.Segmenter {
	s := &segmenter.Segmenter{
		Cap:        c.Segmenter.ResultCap,
		MaxDepth:   c.Segmenter.MaxDepth,
		Preference: segmenter.Preference(c.Segmenter.Preference),
	}
	if c.Segmenter.SeedHeadcountBands {
		s.Seeds = []segmenter.Seed{segmenter.HeadcountBands}
	}
	return s
}

// PostgresConfig returns the pool settings.
func (c *Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		DSN:             c.Store.DSN,
		MaxConns:        c.Store.MaxConns,
		MinConns:        c.Store.MinConns,
		MaxConnLifetime: c.Store.MaxConnLifetime,
		MaxConnIdleTime: c.Store.MaxConnIdleTime,
		DialTimeout:     c.Store.DialTimeout,
	}
}

// ============================================================================
// Logging
// ============================================================================

// NewLogger builds the configured slog logger writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// SetupLogging installs the configured logger as the slog default.
func (c *Config) SetupLogging(w io.Writer) error {
	logger, err := c.NewLogger(w)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ============================================================================
// Environment helpers
// ============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
