package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// Signal bus channels.
const (
	ChannelOrders     = "orders"
	ChannelTrades     = "trades"
	ChannelSettlement = "settlement"
	ChannelBookPrefix = "book:" // book:<market>/<outcome>
)

// BookChannel names the channel carrying a book's snapshots.
func BookChannel(key domain.BookKey) string { return ChannelBookPrefix + key.String() }

// OrderEvent is published on ChannelOrders whenever an order changes.
type OrderEvent struct {
	Event        string             `json:"event"`
	OrderID      string             `json:"order_id"`
	ExternalID   string             `json:"external_id"`
	MarketID     string             `json:"market_id"`
	Outcome      string             `json:"outcome"`
	Side         domain.OrderSide   `json:"side"`
	Type         domain.OrderType   `json:"type"`
	Price        int64              `json:"price"`
	Size         int64              `json:"size"`
	FilledAmount int64              `json:"filled_amount"`
	Status       domain.OrderStatus `json:"status"`
	Owner        string             `json:"owner"`
	Timestamp    time.Time          `json:"timestamp"`
}

func newOrderEvent(event string, o domain.Order) OrderEvent {
	return OrderEvent{
		Event:        event,
		OrderID:      o.ID,
		ExternalID:   o.ExternalID,
		MarketID:     o.MarketID,
		Outcome:      o.Outcome.String(),
		Side:         o.Side,
		Type:         o.Type,
		Price:        o.Price,
		Size:         o.Size,
		FilledAmount: o.FilledAmount,
		Status:       o.Status,
		Owner:        o.Owner,
		Timestamp:    o.UpdatedAt,
	}
}

// TradeEvent is published on ChannelTrades and ChannelSettlement.
type TradeEvent struct {
	Event            string                  `json:"event"`
	TradeID          string                  `json:"trade_id"`
	MarketID         string                  `json:"market_id"`
	Outcome          string                  `json:"outcome"`
	Price            int64                   `json:"price"`
	Size             int64                   `json:"size"`
	MakerOrderID     string                  `json:"maker_order_id"`
	TakerOrderID     string                  `json:"taker_order_id"`
	Buyer            string                  `json:"buyer"`
	Seller           string                  `json:"seller"`
	SettlementStatus domain.SettlementStatus `json:"settlement_status"`
	AttemptCount     int                     `json:"attempt_count,omitempty"`
	TxHash           string                  `json:"tx_hash,omitempty"`
	LastError        string                  `json:"last_error,omitempty"`
	Timestamp        time.Time               `json:"timestamp"`
}

func newTradeEvent(event string, t domain.Trade) TradeEvent {
	return TradeEvent{
		Event:            event,
		TradeID:          t.ID,
		MarketID:         t.MarketID,
		Outcome:          t.Outcome.String(),
		Price:            t.Price,
		Size:             t.Size,
		MakerOrderID:     t.MakerOrderID,
		TakerOrderID:     t.TakerOrderID,
		Buyer:            t.Buyer(),
		Seller:           t.Seller(),
		SettlementStatus: t.SettlementStatus,
		AttemptCount:     t.AttemptCount,
		TxHash:           t.TxHash,
		LastError:        t.LastError,
		Timestamp:        t.ExecutedAt,
	}
}

// fanout delivers events to whichever sinks are configured. Every sink is
// best effort: failures are logged and never reach the matching path.
type fanout struct {
	bus    domain.SignalBus
	stream domain.EventPublisher
	books  domain.BookCache
	logger *slog.Logger
}

func (f *fanout) publish(ctx context.Context, channel string, v any) {
	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		f.logger.ErrorContext(ctx, "encode event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := f.bus.Publish(ctx, channel, payload); err != nil {
		f.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (f *fanout) orders(ctx context.Context, event string, orders ...domain.Order) {
	for _, o := range orders {
		f.publish(ctx, ChannelOrders, newOrderEvent(event, o))
	}
}

func (f *fanout) trades(ctx context.Context, trades []domain.Trade) {
	if len(trades) == 0 {
		return
	}
	for _, t := range trades {
		f.publish(ctx, ChannelTrades, newTradeEvent("trade_executed", t))
	}
	if f.stream != nil {
		if err := f.stream.PublishTrades(ctx, trades); err != nil {
			f.logger.WarnContext(ctx, "trade stream publish failed",
				slog.Int("trades", len(trades)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (f *fanout) book(ctx context.Context, snap domain.BookSnapshot) {
	f.publish(ctx, BookChannel(snap.Key()), snap)
	if f.books == nil {
		return
	}
	if err := f.books.SetSnapshot(ctx, snap); err != nil {
		f.logger.WarnContext(ctx, "book cache update failed",
			slog.String("book", snap.Key().String()),
			slog.String("error", err.Error()),
		)
	}
}
