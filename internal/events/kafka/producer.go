// Package kafka publishes executed trades to a Kafka topic for downstream
// consumers (risk, analytics, ledgers).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements domain.EventPublisher.
type Producer struct {
	writer messageWriter
}

// NewProducer writes synchronously with full acknowledgement. Messages are
// keyed by market so one market's trades stay in order on one partition.
func NewProducer(brokers []string, topic string, batchTimeout time.Duration) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: batchTimeout,
		},
	}
}

// TradeEvent is the wire form of an executed trade.
type TradeEvent struct {
	TradeID      string    `json:"trade_id"`
	MarketID     string    `json:"market_id"`
	Outcome      string    `json:"outcome"`
	Price        int64     `json:"price"`
	Size         int64     `json:"size"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	TakerSide    string    `json:"taker_side"`
	ExecutedAt   time.Time `json:"executed_at"`
}

func NewTradeEvent(t domain.Trade) TradeEvent {
	return TradeEvent{
		TradeID:      t.ID,
		MarketID:     t.MarketID,
		Outcome:      t.Outcome.String(),
		Price:        t.Price,
		Size:         t.Size,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Buyer:        t.Buyer(),
		Seller:       t.Seller(),
		TakerSide:    string(t.TakerSide),
		ExecutedAt:   t.ExecutedAt,
	}
}

// PublishTrades writes every trade in one call.
func (p *Producer) PublishTrades(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(NewTradeEvent(t))
		if err != nil {
			return fmt.Errorf("kafka: encode trade %s: %w", t.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.MarketID),
			Value: value,
			Time:  t.ExecutedAt,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: publish %d trades: %w", len(trades), err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

var _ domain.EventPublisher = (*Producer)(nil)
