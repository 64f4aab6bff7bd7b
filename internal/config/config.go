// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates braid configuration.
//
// TOML with sensible defaults, environment variable overrides, and
// validation. Default location: ~/.braid/config.toml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/braid-chat/braid/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete braid configuration.
type Config struct {
	API     APIConfig     `toml:"api"`
	Stream  StreamConfig  `toml:"stream"`
	Storage StorageConfig `toml:"storage"`
	Log     LogConfig     `toml:"log"`
}

// APIConfig names the upstream endpoint and model.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint root, without the /v1
	// suffix.
	BaseURL string `toml:"base_url"`
	// Model is the model id sent with every completion request.
	Model string `toml:"model"`
}

// StreamConfig bounds stream behavior.
type StreamConfig struct {
	// FirstTokenTimeoutSecs caps the wait for the first delta.
	FirstTokenTimeoutSecs int `toml:"first_token_timeout_secs"`
	// SilenceTimeoutSecs caps the gap between deltas.
	SilenceTimeoutSecs int `toml:"silence_timeout_secs"`
	// PersistEveryChars throttles mid-stream persistence.
	PersistEveryChars int `toml:"persist_every_chars"`
}

// StorageConfig selects and tunes the session store.
type StorageConfig struct {
	// Backend is "json" or "sqlite".
	Backend string `toml:"backend"`
	// Dir is the data directory (empty = ~/.braid/sessions).
	Dir string `toml:"dir"`
	// MaxSessions caps stored sessions; oldest are evicted first.
	// Zero means unlimited.
	MaxSessions int `toml:"max_sessions"`
}

// LogConfig configures the shared logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`
	// Format is text or json.
	Format string `toml:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen3:8b",
		},
		Stream: StreamConfig{
			FirstTokenTimeoutSecs: 3600,
			SilenceTimeoutSecs:    3600,
			PersistEveryChars:     512,
		},
		Storage: StorageConfig{
			Backend:     "json",
			MaxSessions: 500,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// ConfigDir returns ~/.braid.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".braid"), nil
}

// DefaultPath returns ~/.braid/config.toml.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the default config file, falling back to defaults when it does
// not exist. Environment overrides apply last, then validation.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads a specific TOML file, fills missing values from the
// defaults, applies env overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.fillDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// fillDefaults repairs zero values a partial file left behind.
func (c *Config) fillDefaults() {
	d := Default()
	if c.API.BaseURL == "" {
		c.API.BaseURL = d.API.BaseURL
	}
	if c.API.Model == "" {
		c.API.Model = d.API.Model
	}
	if c.Stream.FirstTokenTimeoutSecs <= 0 {
		c.Stream.FirstTokenTimeoutSecs = d.Stream.FirstTokenTimeoutSecs
	}
	if c.Stream.SilenceTimeoutSecs <= 0 {
		c.Stream.SilenceTimeoutSecs = d.Stream.SilenceTimeoutSecs
	}
	if c.Stream.PersistEveryChars <= 0 {
		c.Stream.PersistEveryChars = d.Stream.PersistEveryChars
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides lets BRAID_* variables override file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("BRAID_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("BRAID_MODEL"); v != "" {
		c.API.Model = v
	}
	if v := os.Getenv("BRAID_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("BRAID_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("BRAID_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("BRAID_SILENCE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Stream.SilenceTimeoutSecs = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{"api.base_url", "must be an http(s) URL"})
	}
	if strings.TrimSpace(c.API.Model) == "" {
		errs = append(errs, ValidationError{"api.model", "must not be empty"})
	}

	switch c.Storage.Backend {
	case "json", "sqlite":
	default:
		errs = append(errs, ValidationError{"storage.backend", "must be json or sqlite"})
	}
	if c.Storage.MaxSessions < 0 {
		errs = append(errs, ValidationError{"storage.max_sessions", "must not be negative"})
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"log.level", "must be debug, info, warn or error"})
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{"log.format", "must be text or json"})
	}

	return errors.Join(errs...)
}

// =============================================================================
// ACCESSORS & SAVE
// =============================================================================

// FirstTokenTimeout returns the first-token ceiling as a duration.
func (c *Config) FirstTokenTimeout() time.Duration {
	return time.Duration(c.Stream.FirstTokenTimeoutSecs) * time.Second
}

// SilenceTimeout returns the inter-delta ceiling as a duration.
func (c *Config) SilenceTimeout() time.Duration {
	return time.Duration(c.Stream.SilenceTimeoutSecs) * time.Second
}

// StorageDir resolves the data directory, defaulting to ~/.braid/sessions.
func (c *Config) StorageDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// Save writes the configuration to the given path atomically.
func Save(cfg *Config, path string) error {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return util.AtomicWriteFile(path, []byte(sb.String()), 0o600)
}
