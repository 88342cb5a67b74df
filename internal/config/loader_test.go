package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_WritesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Version, cfg.Version)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadOrCreate_LoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Decision.VerifyTimeoutMs = 777
	require.NoError(t, SaveConfig(cfg, path))

	loaded, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 777, loaded.Decision.VerifyTimeoutMs)
}

func TestLoader_RejectsSchemaInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`version = 1
[decision]
decision_criterion = "not-a-real-criterion"
`), 0o644))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
}

func TestLoader_WatchAppliesOnlySafeSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, loader.Watch())
	t.Cleanup(func() { loader.Close() })

	changed := make(chan *Config, 1)
	loader.OnChange(func(c *Config) { changed <- c })

	next := DefaultConfig()
	next.Decision.VerifyTimeoutMs = 999   // safe section: should apply
	next.Pipeline.NChannels = 1           // unsafe section: must not apply
	require.NoError(t, SaveConfig(next, path))

	select {
	case c := <-changed:
		assert.Equal(t, 999, c.Decision.VerifyTimeoutMs)
		assert.NotEqual(t, 1, c.Pipeline.NChannels)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hot reload")
	}
}
