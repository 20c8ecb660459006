// Package config loads layered defaults for Options, the same way the
// global/repo merge in this module's original config layer worked: a
// process-wide file under the user's home directory, overridden per
// directory by a ".lazyfile/config.json" sitting next to the cache and
// state files. Nothing here participates in verification. A missing
// config file contributes no overrides on top of DefaultConfig; a file
// that cannot be read or decoded is reported as an error by Load.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TransportConfig holds defaults for the HTTP transport.
type TransportConfig struct {
	UserAgent      string `json:"user_agent,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// RetryConfig mirrors painter.RetryPolicy in a JSON-friendly shape.
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts,omitempty"`
	BaseDelayMillis int `json:"base_delay_millis,omitempty"`
	MaxDelayMillis  int `json:"max_delay_millis,omitempty"`
}

// SchedulerConfig picks the default scheduling strategy and, for
// "adaptive", the level it starts at.
type SchedulerConfig struct {
	Strategy     string `json:"strategy,omitempty"` // conservative|balanced|aggressive|adaptive
	InitialLevel int    `json:"initial_level,omitempty"`
}

// Config is the full set of layered defaults a Channel can be opened with.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Retry     RetryConfig     `json:"retry"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// DefaultConfig returns the built-in defaults, equivalent to the
// zero-value Options a caller would get without any config file at all.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			UserAgent:      "lazyfile/1",
			TimeoutSeconds: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelayMillis: 100,
			MaxDelayMillis:  2000,
		},
		Scheduler: SchedulerConfig{
			Strategy:     "balanced",
			InitialLevel: 3,
		},
	}
}

func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, ".lazyfile", "config.json"), nil
}

func dirConfigPath(dir string) string {
	return filepath.Join(dir, ".lazyfile", "config.json")
}

// Load reads the global config, then layers dir's local config on top of
// it (local fields win when set). dir is typically the directory holding
// a channel's cache/state files. A missing file at either layer is not an
// error; it simply contributes no overrides.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath, err := globalConfigPath(); err == nil {
		if err := mergeFromFile(cfg, globalPath); err != nil {
			return nil, err
		}
	}
	if err := mergeFromFile(cfg, dirConfigPath(dir)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFromFile(dst *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay Config
	if err := json.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	mergeConfig(dst, &overlay)
	return nil
}

// Save writes cfg as the global config file, creating its parent directory
// if needed.
func Save(cfg *Config) error {
	path, err := globalConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// SaveDir writes cfg as dir's local override file.
func SaveDir(dir string, cfg *Config) error {
	path := dirConfigPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// mergeConfig overlays non-zero fields of src onto dst.
func mergeConfig(dst, src *Config) {
	if src.Transport.UserAgent != "" {
		dst.Transport.UserAgent = src.Transport.UserAgent
	}
	if src.Transport.TimeoutSeconds != 0 {
		dst.Transport.TimeoutSeconds = src.Transport.TimeoutSeconds
	}
	if src.Retry.MaxAttempts != 0 {
		dst.Retry.MaxAttempts = src.Retry.MaxAttempts
	}
	if src.Retry.BaseDelayMillis != 0 {
		dst.Retry.BaseDelayMillis = src.Retry.BaseDelayMillis
	}
	if src.Retry.MaxDelayMillis != 0 {
		dst.Retry.MaxDelayMillis = src.Retry.MaxDelayMillis
	}
	if src.Scheduler.Strategy != "" {
		dst.Scheduler.Strategy = src.Scheduler.Strategy
	}
	if src.Scheduler.InitialLevel != 0 {
		dst.Scheduler.InitialLevel = src.Scheduler.InitialLevel
	}
}

// RetryDuration converts the JSON-friendly millisecond fields into
// time.Durations, for callers wiring this into painter.RetryPolicy.
func (r RetryConfig) RetryDuration() (base, max time.Duration) {
	return time.Duration(r.BaseDelayMillis) * time.Millisecond, time.Duration(r.MaxDelayMillis) * time.Millisecond
}
