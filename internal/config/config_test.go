// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromPathPartialFileFilled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[api]
base_url = "http://gpu-box:8080"
`), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "http://gpu-box:8080", cfg.API.BaseURL)
	// Everything else comes from defaults.
	assert.Equal(t, Default().API.Model, cfg.API.Model)
	assert.Equal(t, "json", cfg.Storage.Backend)
	assert.Equal(t, 512, cfg.Stream.PersistEveryChars)
}

func TestLoadFromPathRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad url", "[api]\nbase_url = \"ftp://nope\"\n"},
		{"bad backend", "[storage]\nbackend = \"redis\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"negative cap", "[storage]\nmax_sessions = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := LoadFromPath(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BRAID_BASE_URL", "http://override:9999")
	t.Setenv("BRAID_MODEL", "llama3:70b")
	t.Setenv("BRAID_SILENCE_TIMEOUT_SECS", "120")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "http://override:9999", cfg.API.BaseURL)
	assert.Equal(t, "llama3:70b", cfg.API.Model)
	assert.Equal(t, 120*time.Second, cfg.SilenceTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.API.Model = "round-trip"
	require.NoError(t, Save(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", loaded.API.Model)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, Save(Default(), path))

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		got = c
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	updated := Default()
	updated.API.Model = "hot-reloaded"
	require.NoError(t, Save(updated, path))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.API.Model == "hot-reloaded"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherIgnoresInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, Save(Default(), path))

	var calls sync.Map
	w, err := NewWatcher(path, func(c *Config) {
		calls.Store("called", true)
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("this is not toml ["), 0o600))

	// Give the debounce a chance to fire; the callback must not.
	time.Sleep(time.Second)
	_, called := calls.Load("called")
	assert.False(t, called)
}
