package domain

import (
	"fmt"
	"time"
)

// BookKey identifies one market+outcome order book.
type BookKey struct {
	MarketID string
	Outcome  Outcome
}

func (k BookKey) String() string {
	return fmt.Sprintf("%s/%s", k.MarketID, k.Outcome)
}

// PriceLevel aggregates resting size at one price.
type PriceLevel struct {
	Price  int64 `json:"price"`
	Size   int64 `json:"size"`
	Orders int   `json:"orders"`
}

// BookSnapshot is a point-in-time copy of a book's ranked view.
type BookSnapshot struct {
	MarketID  string       `json:"market_id"`
	Outcome   Outcome      `json:"outcome"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	BestBid   *int64       `json:"best_bid,omitempty"`
	BestAsk   *int64       `json:"best_ask,omitempty"`
	Sequence  uint64       `json:"sequence"`
	Halted    bool         `json:"halted"`
	Timestamp time.Time    `json:"timestamp"`
}

func (s BookSnapshot) Key() BookKey {
	return BookKey{MarketID: s.MarketID, Outcome: s.Outcome}
}
