package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

const observerTimeout = 10 * time.Second

// TradeService answers trade queries and publishes settlement progress. The
// settlement queue holds the freshest state of in-flight trades, so it is
// consulted before the store.
type TradeService struct {
	queue  TradeQueue
	trades domain.TradeStore
	out    fanout
	logger *slog.Logger
}

// NewTradeService creates a TradeService. bus may be nil.
func NewTradeService(queue TradeQueue, trades domain.TradeStore, bus domain.SignalBus, logger *slog.Logger) *TradeService {
	logger = logger.With(slog.String("component", "trade_service"))
	return &TradeService{
		queue:  queue,
		trades: trades,
		out:    fanout{bus: bus, logger: logger},
		logger: logger,
	}
}

// GetTrade returns a trade with its current settlement state.
func (s *TradeService) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	if s.queue != nil {
		if t, ok := s.queue.Get(id); ok {
			return t, nil
		}
	}
	t, err := s.trades.Get(ctx, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListTrades pages through persisted trades in one settlement status.
func (s *TradeService) ListTrades(ctx context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Trade, error) {
	switch status {
	case domain.SettlementPending, domain.SettlementBatched, domain.SettlementSettled, domain.SettlementFailed:
	default:
		return nil, domain.Validationf("unknown settlement status %q", status)
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		return nil, domain.Validationf("negative offset")
	}
	trades, err := s.trades.ListByStatus(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list %s trades: %w", status, err)
	}
	return trades, nil
}

// BatchCompleted implements settlement.Observer.
func (s *TradeService) BatchCompleted(size int, took time.Duration, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("settlement batch failed",
			slog.Int("size", size),
			slog.Duration("took", took),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) TradeRetrying(t domain.Trade) { s.settlementEvent("trade_retrying", t) }
func (s *TradeService) TradeSettled(t domain.Trade)  { s.settlementEvent("trade_settled", t) }
func (s *TradeService) TradeFailed(t domain.Trade)   { s.settlementEvent("trade_failed", t) }

func (s *TradeService) settlementEvent(event string, t domain.Trade) {
	if s.out.bus == nil {
		return
	}
	evt := newTradeEvent(event, t)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
		defer cancel()
		s.out.publish(ctx, ChannelSettlement, evt)
	}()
}
