// Package config defines the top-level configuration for the matching and
// settlement coordinator and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYMATCH_* environment variables.
type Config struct {
	Matching   MatchingConfig   `toml:"matching"`
	Settlement SettlementConfig `toml:"settlement"`
	Chain      ChainConfig      `toml:"chain"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Pebble     PebbleConfig     `toml:"pebble"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// MatchingConfig tunes the order books.
type MatchingConfig struct {
	MapperCapacity int      `toml:"mapper_capacity"`
	SweepInterval  duration `toml:"sweep_interval"`
	SnapshotDepth  int      `toml:"snapshot_depth"`
}

// SettlementConfig tunes batching and retry.
type SettlementConfig struct {
	Interval      duration `toml:"interval"`
	MaxBatchSize  int      `toml:"max_batch_size"`
	MaxAttempts   int      `toml:"max_attempts"`
	MaxDeferrals  int      `toml:"max_deferrals"`
	BaseBackoff   duration `toml:"base_backoff"`
	MaxBackoff    duration `toml:"max_backoff"`
	CallTimeout   duration `toml:"call_timeout"`
	DoneCacheSize int      `toml:"done_cache_size"`
	LeaderLock    bool     `toml:"leader_lock"`
	LeaderTTL     duration `toml:"leader_ttl"`
}

// ChainConfig holds the settlement contract endpoint and operator key.
type ChainConfig struct {
	RPCURL            string                  `toml:"rpc_url"`
	ChainID           int64                   `toml:"chain_id"`
	SettlementAddress string                  `toml:"settlement_address"`
	CTFAddress        string                  `toml:"ctf_address"`
	PrivateKey        string                  `toml:"private_key"`
	KeyFile           string                  `toml:"key_file"`
	KeyPassword       string                  `toml:"key_password"`
	GasLimit          uint64                  `toml:"gas_limit"`
	ReceiptPoll       duration                `toml:"receipt_poll"`
	ReceiptTimeout    duration                `toml:"receipt_timeout"`
	Markets           map[string]MarketConfig `toml:"markets"`
}

// MarketConfig carries the on-chain identifiers of one market.
type MarketConfig struct {
	ConditionID string `toml:"condition_id"`
	YesTokenID  string `toml:"yes_token_id"`
	NoTokenID   string `toml:"no_token_id"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `toml:"driver"` // "postgres" or "pebble"
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// PebbleConfig holds the embedded store location.
type PebbleConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	RateLimit  int      `toml:"rate_limit"` // submissions per owner per window, 0 disables
	RateWindow duration `toml:"rate_window"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled              bool   `toml:"enabled"`
	Endpoint             string `toml:"endpoint"`
	Region               string `toml:"region"`
	Bucket               string `toml:"bucket"`
	AccessKey            string `toml:"access_key"`
	SecretKey            string `toml:"secret_key"`
	UseSSL               bool   `toml:"use_ssl"`
	ForcePathStyle       bool   `toml:"force_path_style"`
	ArchivePrefix        string `toml:"archive_prefix"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
}

// KafkaConfig holds the trade event stream parameters.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout duration `toml:"batch_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding.
type duration struct {
	time.Duration
}

// UnmarshalText parses duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled      bool           `toml:"enabled"`
	Port         int            `toml:"port"`
	APIKey       string         `toml:"api_key"` // operator endpoints
	CORSOrigins  []string       `toml:"cors_origins"`
	Clients      []ClientConfig `toml:"clients"`
	MaxClockSkew duration       `toml:"max_clock_skew"`
}

// ClientConfig is one submitter's HMAC credential.
type ClientConfig struct {
	Account string `toml:"account"`
	Key     string `toml:"key"`
	Secret  string `toml:"secret"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Matching: MatchingConfig{
			MapperCapacity: 1_000_000,
			SweepInterval:  duration{time.Second},
			SnapshotDepth:  50,
		},
		Settlement: SettlementConfig{
			Interval:      duration{5 * time.Second},
			MaxBatchSize:  100,
			MaxAttempts:   5,
			MaxDeferrals:  10,
			BaseBackoff:   duration{2 * time.Second},
			MaxBackoff:    duration{time.Minute},
			CallTimeout:   duration{3 * time.Minute},
			DoneCacheSize: 100_000,
			LeaderTTL:     duration{time.Minute},
		},
		Chain: ChainConfig{
			ChainID:        80002,
			ReceiptPoll:    duration{2 * time.Second},
			ReceiptTimeout: duration{2 * time.Minute},
			Markets:        map[string]MarketConfig{},
		},
		Store: StoreConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polymatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Pebble: PebbleConfig{Path: "data/polymatch"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			RateWindow: duration{time.Second},
		},
		S3: S3Config{
			Region:               "us-east-1",
			UseSSL:               true,
			ArchivePrefix:        "archive",
			ArchiveRetentionDays: 90,
		},
		Kafka: KafkaConfig{
			Topic:        "polymatch.trades",
			BatchTimeout: duration{50 * time.Millisecond},
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			MaxClockSkew: duration{30 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"settlement_failed", "book_halted"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"settle":  true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsChain reports whether the mode settles trades.
func (c *Config) NeedsChain() bool {
	m := strings.ToLower(c.Mode)
	return m == "full" || m == "settle"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, settle, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Matching
	if c.Matching.MapperCapacity < 0 {
		errs = append(errs, "matching: mapper_capacity must be >= 0")
	}
	if c.Matching.SweepInterval.Duration <= 0 {
		errs = append(errs, "matching: sweep_interval must be > 0")
	}

	// Settlement
	s := c.Settlement
	if s.Interval.Duration <= 0 {
		errs = append(errs, "settlement: interval must be > 0")
	}
	if s.MaxBatchSize < 1 {
		errs = append(errs, "settlement: max_batch_size must be >= 1")
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, "settlement: max_attempts must be >= 1")
	}
	if s.MaxDeferrals < 1 {
		errs = append(errs, "settlement: max_deferrals must be >= 1")
	}
	if s.BaseBackoff.Duration <= 0 || s.MaxBackoff.Duration < s.BaseBackoff.Duration {
		errs = append(errs, "settlement: need 0 < base_backoff <= max_backoff")
	}
	if s.LeaderLock && !c.Redis.Enabled {
		errs = append(errs, "settlement: leader_lock requires redis.enabled")
	}

	// Chain
	if c.NeedsChain() {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must be set for mode "+c.Mode)
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if !common.IsHexAddress(c.Chain.SettlementAddress) {
			errs = append(errs, fmt.Sprintf("chain: settlement_address %q is not a hex address", c.Chain.SettlementAddress))
		}
		if c.Chain.PrivateKey == "" && c.Chain.KeyFile == "" {
			errs = append(errs, "chain: either private_key or key_file must be set for mode "+c.Mode)
		}
		if c.Chain.KeyFile != "" && c.Chain.KeyPassword == "" {
			errs = append(errs, "chain: key_password is required when key_file is set")
		}
	}
	if len(c.Chain.Markets) > 0 && !common.IsHexAddress(c.Chain.CTFAddress) {
		errs = append(errs, "chain: ctf_address is required when markets are configured")
	}
	for id, m := range c.Chain.Markets {
		if _, ok := new(big.Int).SetString(m.YesTokenID, 10); !ok {
			errs = append(errs, fmt.Sprintf("chain.markets.%s: yes_token_id must be a decimal integer", id))
		}
		if _, ok := new(big.Int).SetString(m.NoTokenID, 10); !ok {
			errs = append(errs, fmt.Sprintf("chain.markets.%s: no_token_id must be a decimal integer", id))
		}
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "pebble":
		if c.Pebble.Path == "" {
			errs = append(errs, "pebble: path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, pebble)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled || strings.ToLower(c.Mode) == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.ArchiveRetentionDays < 1 {
			errs = append(errs, "s3: archive_retention_days must be >= 1")
		}
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	seen := make(map[string]bool, len(c.Server.Clients))
	for i, cl := range c.Server.Clients {
		if cl.Account == "" || cl.Key == "" || cl.Secret == "" {
			errs = append(errs, fmt.Sprintf("server.clients[%d]: account, key and secret must all be set", i))
		}
		if seen[cl.Key] {
			errs = append(errs, fmt.Sprintf("server.clients[%d]: duplicate key %q", i, cl.Key))
		}
		seen[cl.Key] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
