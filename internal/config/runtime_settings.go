package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings are the knobs that can change without a restart.
type RuntimeSettings struct {
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	MaxRetries        int    `json:"max_retries"`
	CleanupCron       string `json:"cleanup_cron"`
	RetentionDays     int    `json:"retention_days"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if s.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if strings.TrimSpace(s.CleanupCron) == "" {
		return fmt.Errorf("cleanup_cron is required")
	}
	if _, err := cron.ParseStandard(s.CleanupCron); err != nil {
		return fmt.Errorf("invalid cleanup_cron: %w", err)
	}
	if s.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		MaxConcurrentJobs: c.Engine.MaxConcurrentJobs,
		MaxRetries:        c.Engine.MaxRetries,
		CleanupCron:       c.Cleanup.Cron,
		RetentionDays:     c.Cleanup.RetentionDays,
	}
}

// WithRuntimeSettings replaces the tunable values. Invalid settings are ignored.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if err := settings.Validate(); err != nil {
			return
		}
		c.Engine.MaxConcurrentJobs = settings.MaxConcurrentJobs
		c.Engine.MaxRetries = settings.MaxRetries
		c.Cleanup.Cron = settings.CleanupCron
		c.Cleanup.RetentionDays = settings.RetentionDays
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
