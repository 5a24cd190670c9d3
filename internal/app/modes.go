package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polymatch/internal/crypto"
	"github.com/alanyoungcy/polymatch/internal/idmap"
	"github.com/alanyoungcy/polymatch/internal/matching"
	"github.com/alanyoungcy/polymatch/internal/server"
	"github.com/alanyoungcy/polymatch/internal/server/handler"
	"github.com/alanyoungcy/polymatch/internal/server/ws"
	"github.com/alanyoungcy/polymatch/internal/service"
	"github.com/alanyoungcy/polymatch/internal/settlement"
)

const shutdownTimeout = 10 * time.Second

// core is the in-memory state shared by the matching and settlement modes.
type core struct {
	mapper  *idmap.Mapper
	engine  *matching.Engine
	batcher *settlement.Batcher
	orders  *service.OrderService
	trades  *service.TradeService
	alerts  *service.Alerts
}

// buildCore assembles mapper, engine, batcher and services, then recovers
// open orders and unsettled trades from the store.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	var alerter service.Alerter
	if deps.Notifier.Enabled() {
		alerter = deps.Notifier
	}
	alerts := service.NewAlerts(alerter, deps.AuditStore, deps.Metrics, a.logger)

	mapper := idmap.New(a.cfg.Matching.MapperCapacity)
	engine := matching.New(mapper, a.logger, matching.WithHaltHandler(alerts.OnHalt))

	s := a.cfg.Settlement
	opts := []settlement.Option{
		settlement.WithStore(deps.TradeStore),
		settlement.WithObserver(deps.Metrics),
		settlement.WithObserver(alerts),
	}
	if deps.Classifier != nil {
		opts = append(opts, settlement.WithClassifier(deps.Classifier))
	}
	if s.LeaderLock && deps.LockManager != nil {
		opts = append(opts, settlement.WithLeaderLock(deps.LockManager))
	}
	batcher, err := settlement.New(settlement.Config{
		Interval:      s.Interval.Duration,
		MaxBatchSize:  s.MaxBatchSize,
		MaxAttempts:   s.MaxAttempts,
		MaxDeferrals:  s.MaxDeferrals,
		BaseBackoff:   s.BaseBackoff.Duration,
		MaxBackoff:    s.MaxBackoff.Duration,
		CallTimeout:   s.CallTimeout.Duration,
		DoneCacheSize: s.DoneCacheSize,
		LeaderTTL:     s.LeaderTTL.Duration,
	}, deps.Settler, mapper, a.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: settlement batcher: %w", err)
	}

	trades := service.NewTradeService(batcher, deps.TradeStore, deps.SignalBus, a.logger)
	batcher.Observe(trades)

	orders := service.NewOrderService(engine, batcher, deps.OrderStore, deps.TradeStore, a.logger).
		WithAudit(deps.AuditStore).
		WithRecorder(deps.Metrics).
		WithAlerts(alerts).
		WithSnapshotDepth(a.cfg.Matching.SnapshotDepth)
	if deps.RateLimiter != nil {
		orders.WithRateLimit(deps.RateLimiter, a.cfg.Redis.RateLimit, a.cfg.Redis.RateWindow.Duration)
	}
	if deps.SignalBus != nil {
		orders.WithSignalBus(deps.SignalBus)
	}
	if deps.BookCache != nil {
		orders.WithBookCache(deps.BookCache)
	}
	if deps.Events != nil {
		orders.WithEventPublisher(deps.Events)
	}

	rep, err := orders.Recover(ctx, mapper)
	if err != nil {
		return nil, fmt.Errorf("app: recover: %w", err)
	}
	a.logger.InfoContext(ctx, "state recovered",
		slog.Int("orders_restored", rep.Restored),
		slog.Int("orders_expired", rep.Expired),
		slog.Int("trades_pending", rep.Trades),
		slog.Int("missing_orders", rep.MissingOrders),
	)
	if rep.RestoreErrored {
		a.logger.WarnContext(ctx, "some books were restored crossed and are halted")
	}

	deps.Metrics.WatchQueues(mapper.Len, batcher.Outstanding)

	return &core{
		mapper:  mapper,
		engine:  engine,
		batcher: batcher,
		orders:  orders,
		trades:  trades,
		alerts:  alerts,
	}, nil
}

// FullMode runs matching, settlement, the expiry sweeper and the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	defer c.alerts.Wait()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.batcher.Run(ctx)
	})
	g.Go(func() error {
		return c.orders.RunExpirySweeper(ctx, a.cfg.Matching.SweepInterval.Duration)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// SettleMode recovers unsettled trades and runs the batcher without
// accepting orders.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	defer c.alerts.Wait()

	return c.batcher.Run(ctx)
}

// ArchiveMode moves settled trades past the retention window to object
// storage and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: s3 is not configured")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.S3.ArchiveRetentionDays)
	a.logger.InfoContext(ctx, "starting archive run", slog.Time("before", cutoff))

	n, err := deps.Archiver.ArchiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("trades", n))
	return nil
}

// startHTTPServer registers the API and websocket hub and runs them under g
// until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			StartedAt:      time.Now().UTC(),
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	clients := make([]crypto.HMACAuth, 0, len(a.cfg.Server.Clients))
	for _, cl := range a.cfg.Server.Clients {
		clients = append(clients, crypto.HMACAuth{Account: cl.Account, Key: cl.Key, Secret: cl.Secret})
	}

	h := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, c.engine, c.mapper.Len, c.batcher.Outstanding),
		Orders:  handler.NewOrderHandler(c.orders, a.logger),
		Books:   handler.NewBookHandler(c.orders, a.cfg.Matching.SnapshotDepth, a.logger),
		Trades:  handler.NewTradeHandler(c.trades, a.logger),
		Metrics: deps.Metrics.Handler(),
	}
	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		Clients:      clients,
		MaxClockSkew: a.cfg.Server.MaxClockSkew.Duration,
		PublicLimit:  a.cfg.Redis.RateLimit,
		PublicWindow: a.cfg.Redis.RateWindow.Duration,
	}, h, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
