package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"
log_level = "debug"

[exchange]
symbols = ["ETHUSDT", "BTCUSDT"]

[trading]
lease_ttl = "30s"

[risk_cache]
max_staleness = "2s"

[server]
rate_limit = 10
rate_window = "10s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.Exchange.Symbols)
	assert.Equal(t, 30*time.Second, cfg.Trading.LeaseTTL.Duration)
	assert.Equal(t, 2*time.Second, cfg.RiskCache.MaxStaleness.Duration)
	assert.Equal(t, 10, cfg.Server.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.Server.RateWindow.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "bybit", cfg.Exchange.Name)

	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("PYRABOT_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("PYRABOT_EXCHANGE_SYMBOLS", "SOLUSDT, ETHUSDT")
	t.Setenv("PYRABOT_TRADING_LEASE_TTL", "15s")
	t.Setenv("PYRABOT_POSTGRES_RUN_MIGRATIONS", "false")
	t.Setenv("PYRABOT_SERVER_PORT", "9100")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"SOLUSDT", "ETHUSDT"}, cfg.Exchange.Symbols)
	assert.Equal(t, 15*time.Second, cfg.Trading.LeaseTTL.Duration)
	assert.False(t, cfg.Postgres.RunMigrations)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestValidateTradeModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key/api_secret or encrypted_creds_path")

	cfg.Exchange.ApiKey = "k"
	cfg.Exchange.ApiSecret = "s"
	require.NoError(t, cfg.Validate())
}

func TestValidateEncryptedPathNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Exchange.EncryptedCredsPath = "creds.enc.json"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creds_password is required")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "warp"
	cfg.Redis.Addr = ""
	cfg.RiskCache.MaxStaleness.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "max_staleness")
}

func TestValidateArchiveNeedsS3(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.ApiKey = "key"
	cfg.Exchange.ApiSecret = "secret"
	cfg.Postgres.Password = "pgpass"
	cfg.Redis.Password = "rpass"
	cfg.Server.ApiKey = "srvkey"
	cfg.Notify.TelegramToken = "token"

	out := RedactedConfig(&cfg)

	assert.Equal(t, "***", out.Exchange.ApiKey)
	assert.Equal(t, "***", out.Exchange.ApiSecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.Server.ApiKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)

	// Original is untouched and the redacted copy does not alias slices.
	assert.Equal(t, "key", cfg.Exchange.ApiKey)
	out.Exchange.Symbols[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Exchange.Symbols[0])
}
