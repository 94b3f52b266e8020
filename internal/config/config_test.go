package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "TEAMDASH_KV", "TEAMDASH_DELTA_WINDOW", "TEAMDASH_PRESENCE_TTL_SECONDS", "TEAMDASH_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, KVRedis, cfg.KV)
	assert.Equal(t, int64(500), cfg.DeltaWindow)
	assert.Equal(t, int64(2000), cfg.LogRetention)
	assert.Equal(t, 2*time.Minute, cfg.PresenceTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TEAMDASH_KV", "Postgres")
	t.Setenv("TEAMDASH_DELTA_WINDOW", "50")
	t.Setenv("TEAMDASH_LOG_RETENTION", "not-a-number")
	t.Setenv("TEAMDASH_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, KVPostgres, cfg.KV)
	assert.Equal(t, int64(50), cfg.DeltaWindow)
	assert.Equal(t, int64(2000), cfg.LogRetention)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadClient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server: http://dash.lab:8787/
user: alice
cache_path: /tmp/alice.db
poll_interval: 3s
backoff_cap: 5
receipt_debounce: 500ms
`), 0o600))

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "http://dash.lab:8787", cfg.Server)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "/tmp/alice.db", cfg.CachePath)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.BackoffCap)
	assert.Equal(t, 500*time.Millisecond, cfg.ReceiptDebounce)
	assert.Zero(t, cfg.FetchTimeout)
}

func TestLoadClientMissingFile(t *testing.T) {
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787", cfg.Server)
	assert.NotEmpty(t, cfg.CachePath)
}

func TestLoadClientBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	_, err := LoadClient(path)
	assert.Error(t, err)
}
