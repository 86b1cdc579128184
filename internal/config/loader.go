package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PYRABOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PYRABOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "PYRABOT_EXCHANGE_NAME")
	setStr(&cfg.Exchange.RestURL, "PYRABOT_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.WsURL, "PYRABOT_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.ApiKey, "PYRABOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "PYRABOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedCredsPath, "PYRABOT_EXCHANGE_ENCRYPTED_CREDS_PATH")
	setStr(&cfg.Exchange.CredsPassword, "PYRABOT_EXCHANGE_CREDS_PASSWORD")
	setStringSlice(&cfg.Exchange.Symbols, "PYRABOT_EXCHANGE_SYMBOLS")

	// ── Trading ──
	setDuration(&cfg.Trading.LeaseTTL, "PYRABOT_TRADING_LEASE_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PYRABOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PYRABOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PYRABOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PYRABOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PYRABOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PYRABOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PYRABOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PYRABOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PYRABOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PYRABOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PYRABOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PYRABOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PYRABOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PYRABOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PYRABOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PYRABOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PYRABOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PYRABOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PYRABOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PYRABOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PYRABOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PYRABOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PYRABOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PYRABOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "PYRABOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "PYRABOT_ARCHIVE_RETENTION_DAYS")

	// ── Risk cache ──
	setDuration(&cfg.RiskCache.MaxStaleness, "PYRABOT_RISK_CACHE_MAX_STALENESS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PYRABOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PYRABOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PYRABOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "PYRABOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PYRABOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PYRABOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PYRABOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PYRABOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PYRABOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PYRABOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PYRABOT_MODE")
	setStr(&cfg.LogLevel, "PYRABOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
