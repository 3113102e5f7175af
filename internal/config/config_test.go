package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
store:
  driver: badger
badger:
  in_memory: true
rate_limit:
  sends: 5
  window: 10s
messaging:
  max_text_length: 500
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9090", cfg.Server.Address())
	require.Equal(t, DriverBadger, cfg.Store.Driver)
	require.True(t, cfg.Badger.InMemory)
	require.Equal(t, 5, cfg.RateLimit.Sends)
	require.Equal(t, 10*time.Second, cfg.RateLimit.Window)
	require.Equal(t, 500, cfg.Messaging.MaxTextLength)

	// Defaults for everything not in the file
	require.True(t, cfg.RateLimit.Enabled)
	require.Equal(t, 5, cfg.Messaging.CounterRetries)
	require.Equal(t, 30, cfg.Messaging.DefaultPageSize)
	require.Equal(t, "workflow", cfg.Auth.WorkflowRole)
	require.Equal(t, 2*time.Minute, cfg.Reconcile.Quiet)
}

func TestLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, Log{Level: "DEBUG"}.SlogLevel())
	require.Equal(t, slog.LevelWarn, Log{Level: "warning"}.SlogLevel())
	require.Equal(t, slog.LevelInfo, Log{Level: "chatty"}.SlogLevel())
}
