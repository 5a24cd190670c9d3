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
// built-in defaults, applies POLYMATCH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and endpoints at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Matching ──
	setInt(&cfg.Matching.MapperCapacity, "POLYMATCH_MATCHING_MAPPER_CAPACITY")
	setDuration(&cfg.Matching.SweepInterval, "POLYMATCH_MATCHING_SWEEP_INTERVAL")

	// ── Settlement ──
	setDuration(&cfg.Settlement.Interval, "POLYMATCH_SETTLEMENT_INTERVAL")
	setInt(&cfg.Settlement.MaxBatchSize, "POLYMATCH_SETTLEMENT_MAX_BATCH_SIZE")
	setInt(&cfg.Settlement.MaxAttempts, "POLYMATCH_SETTLEMENT_MAX_ATTEMPTS")
	setDuration(&cfg.Settlement.BaseBackoff, "POLYMATCH_SETTLEMENT_BASE_BACKOFF")
	setDuration(&cfg.Settlement.MaxBackoff, "POLYMATCH_SETTLEMENT_MAX_BACKOFF")
	setBool(&cfg.Settlement.LeaderLock, "POLYMATCH_SETTLEMENT_LEADER_LOCK")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "POLYMATCH_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "POLYMATCH_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.SettlementAddress, "POLYMATCH_CHAIN_SETTLEMENT_ADDRESS")
	setStr(&cfg.Chain.CTFAddress, "POLYMATCH_CHAIN_CTF_ADDRESS")
	setStr(&cfg.Chain.PrivateKey, "POLYMATCH_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.KeyFile, "POLYMATCH_CHAIN_KEY_FILE")
	setStr(&cfg.Chain.KeyPassword, "POLYMATCH_CHAIN_KEY_PASSWORD")

	// ── Store ──
	setStr(&cfg.Store.Driver, "POLYMATCH_STORE_DRIVER")
	setStr(&cfg.Pebble.Path, "POLYMATCH_PEBBLE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYMATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYMATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYMATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYMATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYMATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYMATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYMATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYMATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYMATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYMATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYMATCH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYMATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYMATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYMATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYMATCH_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "POLYMATCH_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.RateLimit, "POLYMATCH_REDIS_RATE_LIMIT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYMATCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYMATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYMATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYMATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYMATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYMATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "POLYMATCH_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.ArchiveRetentionDays, "POLYMATCH_S3_ARCHIVE_RETENTION_DAYS")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "POLYMATCH_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "POLYMATCH_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "POLYMATCH_KAFKA_TOPIC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYMATCH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYMATCH_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYMATCH_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYMATCH_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYMATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYMATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYMATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYMATCH_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYMATCH_MODE")
	setStr(&cfg.LogLevel, "POLYMATCH_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
