package domain

import "time"

// SettlementStatus tracks a trade through on-chain reconciliation.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementBatched SettlementStatus = "batched"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "failed"
)

func (s SettlementStatus) Terminal() bool {
	return s == SettlementSettled || s == SettlementFailed
}

// SettlementKind selects the ledger operation used to settle a trade.
type SettlementKind string

const (
	SettlementDirect SettlementKind = "direct" // transfer between counterparties
	SettlementMint   SettlementKind = "mint"   // split collateral into a YES/NO pair
	SettlementMerge  SettlementKind = "merge"  // burn a YES/NO pair back to collateral
)

// Trade is a single execution between a resting maker and an incoming taker.
type Trade struct {
	ID               string
	MakerOrderID     string
	TakerOrderID     string
	MarketID         string
	Outcome          Outcome
	Price            int64 // maker's price, basis points
	Size             int64
	MakerAccount     string
	TakerAccount     string
	TakerSide        OrderSide
	ExecutedAt       time.Time
	SettlementStatus SettlementStatus
	Kind             SettlementKind
	AttemptCount     int
	Deferrals        int
	LastError        string
	NextAttemptAt    *time.Time
	SettledAt        *time.Time
	TxHash           string
}

func (t *Trade) Key() BookKey {
	return BookKey{MarketID: t.MarketID, Outcome: t.Outcome}
}

// Buyer and Seller resolve the accounts by side.
func (t *Trade) Buyer() string {
	if t.TakerSide == OrderSideBuy {
		return t.TakerAccount
	}
	return t.MakerAccount
}

func (t *Trade) Seller() string {
	if t.TakerSide == OrderSideBuy {
		return t.MakerAccount
	}
	return t.TakerAccount
}
