package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Commands.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Commands.BaseBackoff())
	assert.Equal(t, 24*time.Hour, cfg.Commands.IdempotencyTTL())
	assert.Equal(t, 14*24*time.Hour, cfg.Commands.TentativeTTL())
	assert.Equal(t, 15*time.Minute, cfg.Sweeps.VoucherExpiryInterval())
	assert.Equal(t, "WVSNP", cfg.Oasis.FundCode)
	assert.Empty(t, cfg.Database.URL, "no database means the in-memory store")
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
  env: development
database:
  url: postgres://localhost/wvsnp
  statement_timeout_ms: 2500
commands:
  retry_attempts: 5
  tentative_ttl_days: 7
sweeps:
  voucher_expiry_minutes: 5
oasis:
  fund_code: TESTFUND
  format_version: "2"
webhooks:
  workers: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/wvsnp", cfg.Database.URL)
	assert.Equal(t, 2500, cfg.Database.StatementTimeoutMs)
	assert.Equal(t, 5, cfg.Commands.RetryAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Commands.TentativeTTL())
	assert.Equal(t, 5*time.Minute, cfg.Sweeps.VoucherExpiryInterval())
	assert.Equal(t, "TESTFUND", cfg.Oasis.FundCode)
	assert.Equal(t, "2", cfg.Oasis.FormatVersion)
	assert.Equal(t, 8, cfg.Webhooks.Workers)
	// Unset fields still get defaults.
	assert.Equal(t, 24*time.Hour, cfg.Commands.IdempotencyTTL())
}

func TestEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
database:
  url: postgres://file/db
`), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PUBSUB_PROJECT_ID", "wvsnp-prod")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "wvsnp-prod", cfg.PubSub.ProjectID)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not-a-map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
