package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"addr: 0.0.0.0:9999\ndatabasePath: /tmp/other.sqlite3\ndebounce: 250ms\nidleGrace: 5s\n",
	), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Addr)
	assert.Equal(t, "/tmp/other.sqlite3", cfg.DatabasePath)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 5*time.Second, cfg.IdleGrace)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: 0.0.0.0:9999\n"), 0o600))
	t.Setenv("FLOWSYNC_ADDR", "localhost:1234")
	t.Setenv("FLOWSYNC_DEBOUNCE", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:1234", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("FLOWSYNC_DEBOUNCE", "not a duration")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("FLOWSYNC_DEBOUNCE", "-1s")
	_, err = Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
