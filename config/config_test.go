package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "/ws/controller", cfg.Server.WSPath)
	assert.Equal(t, 30*time.Second, cfg.Fleet.ReaperInterval)
	assert.Equal(t, 60*time.Second, cfg.Fleet.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.Fleet.SweepInterval)
	assert.Equal(t, 120*time.Second, cfg.Fleet.OfflineThreshold)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
  development: true
database:
  path: /tmp/fleet-test.db
fleet:
  offline_threshold: 5m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Server.Development)
	assert.Equal(t, "/tmp/fleet-test.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Minute, cfg.Fleet.OfflineThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/ws/controller", cfg.Server.WSPath)
	assert.Equal(t, 60*time.Second, cfg.Fleet.IdleTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Fleet.OfflineThreshold = 10 * time.Second
	cfg.Fleet.ReaperInterval = 30 * time.Second
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Fleet.IdleTimeout = 2 * time.Minute
	cfg.Fleet.OfflineThreshold = 2 * time.Minute
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())
}
