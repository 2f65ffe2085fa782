package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stability.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// ============================================================================
// Test: Defaults, file and environment layering
// ============================================================================

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Core, cfg.Core)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
[database]
dsn = "postgres://x@db/stability"
conn_max_lifetime = "90s"

[server]
grpc_addr = ":7070"

[auth]
hmac_secret = "s3cret"
issuer = "stability-auth"

[ratelimit]
requests_per_second = 2.5
burst = 4

[core]
persist_flush_timeout = "25ms"

[snapshot]
interval = 500
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://x@db/stability", cfg.Database.DSN)
	assert.Equal(t, 90*time.Second, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, ":7070", cfg.Server.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr, "unset keys keep defaults")
	assert.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 4, cfg.RateLimit.Burst)
	assert.Equal(t, 25*time.Millisecond, cfg.Core.PersistFlushTimeout)
	assert.Equal(t, int64(500), cfg.Snapshot.Interval)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
[server]
grpc_adr = ":7070"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.grpc_adr")
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"STABILITY_POSTGRES_DSN":          "postgres://env",
		"STABILITY_NATS_DISABLED":         "true",
		"STABILITY_RATELIMIT_RPS":         "0",
		"STABILITY_PERSIST_FLUSH_TIMEOUT": "5ms",
		"STABILITY_SNAPSHOT_INTERVAL":     "42",
		"STABILITY_HTTP_ADDR":             "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.True(t, cfg.NATS.Disabled)
	assert.Equal(t, 0.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 5*time.Millisecond, cfg.Core.PersistFlushTimeout)
	assert.Equal(t, int64(42), cfg.Snapshot.Interval)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr, "blank values are ignored")
}

func TestApplyEnv_MalformedValue(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{"STABILITY_PERSIST_BATCH_SIZE": "lots"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STABILITY_PERSIST_BATCH_SIZE")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.NATS.URL = ""
	assert.Error(t, cfg.Validate())
	cfg.NATS.Disabled = true
	assert.NoError(t, cfg.Validate())

	cfg.Core.PersistBatchSize = 0
	assert.Error(t, cfg.Validate())
}
