package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "https://openrouter.ai/api", cfg.Upstream.BaseURL)
	require.Equal(t, "weighted", cfg.Rotation.Strategy)
	require.Equal(t, 3, cfg.Upstream.MaxRetries)
	require.Equal(t, 5, cfg.Rotation.FailureThreshold)
	require.Equal(t, 60*time.Second, cfg.Rotation.RecoveryTimeout)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
redis:
  addr: redis.internal:6379
rotation:
  strategy: round_robin
upstream:
  max_retries: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	require.Equal(t, "round_robin", cfg.Rotation.Strategy)
	require.Equal(t, 5, cfg.Upstream.MaxRetries)
	// Unset fields still default.
	require.Equal(t, "https://openrouter.ai/api", cfg.Upstream.BaseURL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
`)
	t.Setenv("ORPROXY_PORT", "9200")
	t.Setenv("ORPROXY_ROTATION_STRATEGY", "least_used")
	t.Setenv("ORPROXY_RECOVERY_TIMEOUT", "90s")
	t.Setenv("ORPROXY_GUARD_ENABLED", "off")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9200, cfg.Server.Port)
	require.Equal(t, "least_used", cfg.Rotation.Strategy)
	require.Equal(t, 90*time.Second, cfg.Rotation.RecoveryTimeout)
	require.False(t, cfg.Guard.Enabled)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("bad strategy", func(t *testing.T) {
		path := writeConfig(t, "rotation:\n  strategy: psychic\n")
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("bad port", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 99999\n")
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("bad base url", func(t *testing.T) {
		path := writeConfig(t, "upstream:\n  base_url: ftp://example.com\n")
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("unparseable yaml", func(t *testing.T) {
		path := writeConfig(t, "server: [not a map\n")
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "rotation:\n  strategy: round_robin\n")

	changes := make(chan *Config, 1)
	w := NewWatcher(path, func(cfg *Config) { changes <- cfg })
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("rotation:\n  strategy: random\n"), 0o600))

	select {
	case cfg := <-changes:
		require.Equal(t, "random", cfg.Rotation.Strategy)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not deliver the reloaded config")
	}
}
