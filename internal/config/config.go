package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/MimeLyc/docbatch/pkg/log"
)

// Config holds all application configuration.
//
// Values are resolved in order: built-in defaults, the YAML file named by
// CONFIG_FILE, environment variables, then Options.
//
// Environment Variables:
// Engine:
// - MAX_CONCURRENT_JOBS: Jobs processed at the same time (default: 3)
// - MAX_RETRIES: Retries per file before it fails permanently (default: 3)
// - DISPATCH_INTERVAL_MS: Dispatcher poll interval (default: 1000)
// - MAX_FILES_PER_JOB: Upper bound on files in one job (default: 100)
// - RESULT_SIZE_LIMIT: Bytes of a file result kept before truncation (default: 10240)
// - EVENT_BUFFER: Per-subscriber event buffer (default: 64)
// - PROCESSOR_TIMEOUT_SEC: Deadline for one processing call, 0 disables (default: 0)
//
// Store:
// - STORE_DRIVER: sqlite, redis or memory (default: sqlite)
// - DATA_DIR: Directory for local state (default: /app/data)
// - SQLITE_PATH: Database file (default: $DATA_DIR/docbatch.db)
// - REDIS_URL: redis:// URL, required for the redis driver
// - REDIS_PREFIX: Key prefix (default: docbatch:)
//
// Cleanup:
// - CLEANUP_CRON: Standard cron expression for the retention sweep (default: 0 * * * *)
// - RETENTION_DAYS: Age of finished jobs that get deleted, 0 disables (default: 30)
//
// HTTP and logging:
// - HTTP_ADDR: Listen address (default: :8080)
// - LOG_LEVEL: DEBUG, INFO, WARN or ERROR (default: INFO)
type Config struct {
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

type EngineConfig struct {
	MaxConcurrentJobs   int `json:"max_concurrent_jobs" yaml:"maxConcurrentJobs"`
	MaxRetries          int `json:"max_retries" yaml:"maxRetries"`
	DispatchIntervalMs  int `json:"dispatch_interval_ms" yaml:"dispatchIntervalMs"`
	MaxFilesPerJob      int `json:"max_files_per_job" yaml:"maxFilesPerJob"`
	ResultSizeLimit     int `json:"result_size_limit" yaml:"resultSizeLimit"`
	EventBuffer         int `json:"event_buffer" yaml:"eventBuffer"`
	ProcessorTimeoutSec int `json:"processor_timeout_sec" yaml:"processorTimeoutSec"`
}

func (c EngineConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalMs) * time.Millisecond
}

func (c EngineConfig) ProcessorTimeout() time.Duration {
	return time.Duration(c.ProcessorTimeoutSec) * time.Second
}

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type StoreConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	DataDir     string `json:"data_dir" yaml:"dataDir"`
	SQLitePath  string `json:"sqlite_path" yaml:"sqlitePath"`
	RedisURL    string `json:"-" yaml:"redisURL"`
	RedisPrefix string `json:"redis_prefix" yaml:"redisPrefix"`
}

// DBPath returns the SQLite file, defaulting to docbatch.db under DataDir.
func (c *Config) DBPath() string {
	if c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	if c.Store.DataDir == "" {
		return ""
	}
	return filepath.Join(c.Store.DataDir, "docbatch.db")
}

type CleanupConfig struct {
	Cron          string `json:"cron" yaml:"cron"`
	RetentionDays int    `json:"retention_days" yaml:"retentionDays"`
}

// Retention is zero when cleanup is disabled.
func (c CleanupConfig) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// WithStoreDriver selects the store backend regardless of the environment.
func WithStoreDriver(driver string) Option {
	return func(c *Config) {
		c.Store.Driver = driver
	}
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentJobs:   3,
			MaxRetries:          3,
			DispatchIntervalMs:  1000,
			MaxFilesPerJob:      100,
			ResultSizeLimit:     10 * 1024,
			EventBuffer:         64,
			ProcessorTimeoutSec: 0,
		},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			DataDir:     "/app/data",
			RedisPrefix: "docbatch:",
		},
		Cleanup: CleanupConfig{
			Cron:          "0 * * * *",
			RetentionDays: 30,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "INFO"},
	}
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := defaults()

	if path := getEnvString("CONFIG_FILE", ""); path != "" {
		if err := config.overlayFile(path); err != nil {
			return nil, err
		}
	}

	e := &config.Engine
	e.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", e.MaxConcurrentJobs)
	e.MaxRetries = getEnvInt("MAX_RETRIES", e.MaxRetries)
	e.DispatchIntervalMs = getEnvInt("DISPATCH_INTERVAL_MS", e.DispatchIntervalMs)
	e.MaxFilesPerJob = getEnvInt("MAX_FILES_PER_JOB", e.MaxFilesPerJob)
	e.ResultSizeLimit = getEnvInt("RESULT_SIZE_LIMIT", e.ResultSizeLimit)
	e.EventBuffer = getEnvInt("EVENT_BUFFER", e.EventBuffer)
	e.ProcessorTimeoutSec = getEnvInt("PROCESSOR_TIMEOUT_SEC", e.ProcessorTimeoutSec)

	s := &config.Store
	s.Driver = strings.ToLower(getEnvString("STORE_DRIVER", s.Driver))
	s.DataDir = getEnvString("DATA_DIR", s.DataDir)
	s.SQLitePath = getEnvString("SQLITE_PATH", s.SQLitePath)
	s.RedisURL = getEnvString("REDIS_URL", s.RedisURL)
	s.RedisPrefix = getEnvString("REDIS_PREFIX", s.RedisPrefix)

	config.Cleanup.Cron = getEnvString("CLEANUP_CRON", config.Cleanup.Cron)
	config.Cleanup.RetentionDays = getEnvInt("RETENTION_DAYS", config.Cleanup.RetentionDays)
	config.HTTP.Addr = getEnvString("HTTP_ADDR", config.HTTP.Addr)
	config.Log.Level = getEnvString("LOG_LEVEL", config.Log.Level)

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: engine=%+v store=%s cleanup=%+v http=%s", config.Engine, config.Store.Driver, config.Cleanup, config.HTTP.Addr)
	return config, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Engine.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.Engine.DispatchIntervalMs <= 0 {
		return fmt.Errorf("DISPATCH_INTERVAL_MS must be positive")
	}
	if c.Engine.MaxFilesPerJob < 1 {
		return fmt.Errorf("MAX_FILES_PER_JOB must be at least 1")
	}
	if c.Engine.ProcessorTimeoutSec < 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT_SEC must not be negative")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.DBPath()) == "" {
			return fmt.Errorf("SQLITE_PATH or DATA_DIR is required for the sqlite store")
		}
	case DriverRedis:
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	if c.Cleanup.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	if _, err := cron.ParseStandard(c.Cleanup.Cron); err != nil {
		return fmt.Errorf("invalid CLEANUP_CRON: %w", err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("Ignoring %s=%q: not an integer", key, value)
	}
	return defaultValue
}
