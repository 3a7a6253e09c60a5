package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 180*time.Second, cfg.MaxItemTimeout())
	require.Equal(t, 10, cfg.Engine.SessionRestartInterval)
	require.Equal(t, 5, cfg.Engine.DelayBetweenItemsMin)
	require.Equal(t, 15, cfg.Engine.DelayBetweenItemsMax)
	require.True(t, cfg.Session.Headless)
	require.Equal(t, 50*time.Millisecond, cfg.SlowMo())
	require.Equal(t, 3, cfg.Session.FailoverThreshold)
	require.Equal(t, 2, cfg.Session.RepairAfter)
	require.Equal(t, 60, cfg.Watchdog.TimeoutSec)
	require.Equal(t, 10, cfg.Watchdog.CheckIntervalSec)
	require.Equal(t, 5, cfg.Engine.MaxThrottleBackoffs)
	require.Equal(t, 2, cfg.Engine.IdleWaitSec)
	require.False(t, cfg.Engine.ExitWhenDrained)
	require.Equal(t, 10, cfg.Persist.BatchSize)
	require.Equal(t, "https://www.google.com/maps", cfg.Target.BaseURL)
	require.Equal(t, 20, cfg.Target.MaxResults)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	payload := []byte(`
server:
  port: 9090
engine:
  max_item_timeout_seconds: 60
session:
  headless: false
persist:
  batch_size: 25
`)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, time.Minute, cfg.MaxItemTimeout())
	require.False(t, cfg.Session.Headless)
	require.Equal(t, 25, cfg.Persist.BatchSize)
	// Unset keys keep their defaults.
	require.Equal(t, 10, cfg.Engine.SessionRestartInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cfg := base
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base
	cfg.Engine.DelayBetweenItemsMin = 20
	cfg.Engine.DelayBetweenItemsMax = 10
	require.Error(t, cfg.Validate())

	cfg = base
	cfg.Persist.BatchSize = 0
	require.Error(t, cfg.Validate())

	cfg = base
	cfg.Target.BaseURL = ""
	require.Error(t, cfg.Validate())
}

func TestSessionHashTracksRestartKnobs(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	h1, err := cfg.SessionHash()
	require.NoError(t, err)

	// Hashing is stable for an unchanged config.
	h2, err := cfg.SessionHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	cfg.Session.Headless = false
	h3, err := cfg.SessionHash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)

	// Knobs outside the session do not force a restart.
	cfg.Session.Headless = true
	cfg.Persist.BatchSize = 99
	h4, err := cfg.SessionHash()
	require.NoError(t, err)
	require.Equal(t, h1, h4)
}
