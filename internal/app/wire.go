package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/polymatch/internal/blob/s3"
	"github.com/alanyoungcy/polymatch/internal/cache/redis"
	"github.com/alanyoungcy/polymatch/internal/chain"
	"github.com/alanyoungcy/polymatch/internal/config"
	"github.com/alanyoungcy/polymatch/internal/crypto"
	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/events/kafka"
	"github.com/alanyoungcy/polymatch/internal/metrics"
	"github.com/alanyoungcy/polymatch/internal/notify"
	"github.com/alanyoungcy/polymatch/internal/server/handler"
	"github.com/alanyoungcy/polymatch/internal/store/pebble"
	"github.com/alanyoungcy/polymatch/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional collaborators stay nil when their backend is disabled.
type Dependencies struct {
	// Stores
	OrderStore domain.OrderStore
	TradeStore domain.TradeStore
	AuditStore domain.AuditStore

	// Redis
	BookCache   domain.BookCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Trade stream
	Events domain.EventPublisher

	// Blob storage
	Archiver domain.Archiver

	// Settlement ledger
	Settler    domain.Settler
	Classifier domain.KindClassifier

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks feeds the health endpoint, keyed by backend name.
	Checks map[string]handler.Check
}

// needsS3 returns true for modes that archive to object storage.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled || strings.ToLower(cfg.Mode) == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Durable store ---
	switch cfg.Store.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping

	case "pebble":
		db, err := pebble.Open(cfg.Pebble.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: pebble: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })

		audit, err := pebble.NewAuditStore(db)
		if err != nil {
			return fail(fmt.Errorf("wire: pebble audit: %w", err))
		}
		deps.OrderStore = pebble.NewOrderStore(db)
		deps.TradeStore = pebble.NewTradeStore(db)
		deps.AuditStore = audit

	default:
		return fail(fmt.Errorf("wire: unknown store driver %q", cfg.Store.Driver))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		// Quotes outlive a crashed instance by at most ten settlement
		// intervals.
		deps.BookCache = redis.NewBookCache(redisClient, 10*cfg.Settlement.Interval.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Kafka trade stream ---
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.BatchTimeout.Duration)
		closers = append(closers, func() { _ = producer.Close() })
		deps.Events = producer
	}

	// --- S3 archive ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewTradeArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.TradeStore,
			deps.AuditStore,
			cfg.S3.ArchivePrefix,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Settlement contract ---
	if cfg.NeedsChain() {
		chainCfg, err := chainConfig(cfg.Chain)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Chain.PrivateKey,
			EncryptedKeyPath: cfg.Chain.KeyFile,
			KeyPassword:      cfg.Chain.KeyPassword,
		}, cfg.Chain.ChainID)
		if err != nil {
			return fail(fmt.Errorf("wire: operator key: %w", err))
		}
		backend, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, backend.Close)

		deps.Settler = chain.NewClient(backend, signer, chainCfg, logger)
		if len(chainCfg.PositionIDs) > 0 {
			deps.Classifier = chain.NewPositionClassifier(backend, chainCfg)
		}
		deps.Checks["chain"] = func(ctx context.Context) error {
			_, err := backend.ChainID(ctx)
			return err
		}
		logger.InfoContext(ctx, "settlement operator loaded",
			slog.String("address", signer.Address().Hex()),
			slog.Int("markets", len(chainCfg.PositionIDs)),
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// chainConfig parses the configured contract addresses and per-market token
// identifiers. Config.Validate has already checked their shape.
func chainConfig(c config.ChainConfig) (chain.Config, error) {
	out := chain.Config{
		SettlementAddress: common.HexToAddress(c.SettlementAddress),
		ConditionIDs:      make(map[string]common.Hash, len(c.Markets)),
		PositionIDs:       make(map[string][2]*big.Int, len(c.Markets)),
		GasLimit:          c.GasLimit,
		ReceiptPoll:       c.ReceiptPoll.Duration,
		ReceiptWait:       c.ReceiptTimeout.Duration,
	}
	if c.CTFAddress != "" {
		out.CTFAddress = common.HexToAddress(c.CTFAddress)
	}
	for id, m := range c.Markets {
		yes, ok := new(big.Int).SetString(m.YesTokenID, 10)
		if !ok {
			return chain.Config{}, fmt.Errorf("chain market %s: bad yes_token_id", id)
		}
		no, ok := new(big.Int).SetString(m.NoTokenID, 10)
		if !ok {
			return chain.Config{}, fmt.Errorf("chain market %s: bad no_token_id", id)
		}
		out.PositionIDs[id] = [2]*big.Int{yes, no}
		if m.ConditionID != "" {
			out.ConditionIDs[id] = common.HexToHash(m.ConditionID)
		}
	}
	return out, nil
}
