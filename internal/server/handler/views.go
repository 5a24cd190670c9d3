package handler

import (
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

type orderView struct {
	ID           string             `json:"id"`
	ExternalID   string             `json:"external_id"`
	MarketID     string             `json:"market_id"`
	Outcome      string             `json:"outcome"`
	Side         domain.OrderSide   `json:"side"`
	Type         domain.OrderType   `json:"type"`
	Price        int64              `json:"price"`
	Size         int64              `json:"size"`
	FilledAmount int64              `json:"filled_amount"`
	Status       domain.OrderStatus `json:"status"`
	Sequence     uint64             `json:"sequence"`
	Owner        string             `json:"owner"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
}

func newOrderView(o domain.Order) orderView {
	return orderView{
		ID:           o.ID,
		ExternalID:   o.ExternalID,
		MarketID:     o.MarketID,
		Outcome:      o.Outcome.String(),
		Side:         o.Side,
		Type:         o.Type,
		Price:        o.Price,
		Size:         o.Size,
		FilledAmount: o.FilledAmount,
		Status:       o.Status,
		Sequence:     o.Sequence,
		Owner:        o.Owner,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		ExpiresAt:    o.ExpiresAt,
	}
}

type tradeView struct {
	ID               string                  `json:"id"`
	MakerOrderID     string                  `json:"maker_order_id"`
	TakerOrderID     string                  `json:"taker_order_id"`
	MarketID         string                  `json:"market_id"`
	Outcome          string                  `json:"outcome"`
	Price            int64                   `json:"price"`
	Size             int64                   `json:"size"`
	Buyer            string                  `json:"buyer"`
	Seller           string                  `json:"seller"`
	TakerSide        domain.OrderSide        `json:"taker_side"`
	ExecutedAt       time.Time               `json:"executed_at"`
	SettlementStatus domain.SettlementStatus `json:"settlement_status"`
	Kind             domain.SettlementKind   `json:"kind,omitempty"`
	AttemptCount     int                     `json:"attempt_count"`
	LastError        string                  `json:"last_error,omitempty"`
	SettledAt        *time.Time              `json:"settled_at,omitempty"`
	TxHash           string                  `json:"tx_hash,omitempty"`
}

func newTradeView(t domain.Trade) tradeView {
	return tradeView{
		ID:               t.ID,
		MakerOrderID:     t.MakerOrderID,
		TakerOrderID:     t.TakerOrderID,
		MarketID:         t.MarketID,
		Outcome:          t.Outcome.String(),
		Price:            t.Price,
		Size:             t.Size,
		Buyer:            t.Buyer(),
		Seller:           t.Seller(),
		TakerSide:        t.TakerSide,
		ExecutedAt:       t.ExecutedAt,
		SettlementStatus: t.SettlementStatus,
		Kind:             t.Kind,
		AttemptCount:     t.AttemptCount,
		LastError:        t.LastError,
		SettledAt:        t.SettledAt,
		TxHash:           t.TxHash,
	}
}

func tradeViews(trades []domain.Trade) []tradeView {
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeView(t))
	}
	return out
}
