package domain

import "context"

// SettlementInstruction is one trade translated to external order ids.
type SettlementInstruction struct {
	TradeID         string
	MakerExternalID string
	TakerExternalID string
	MarketID        string
	Outcome         Outcome
	Price           int64
	Size            int64
	Kind            SettlementKind
	Buyer           string
	Seller          string
}

// SettlementResult reports the outcome of one instruction. Err is nil on
// success; a trade already settled upstream is reported as success.
type SettlementResult struct {
	TradeID string
	TxHash  string
	Err     error
}

// Settler submits a batch of trades to the external ledger. A non-nil error
// means the whole call failed in transport and no per-trade result is known.
type Settler interface {
	SettleBatch(ctx context.Context, batch []SettlementInstruction) ([]SettlementResult, error)
}

// KindClassifier decides which ledger operation a trade needs.
type KindClassifier interface {
	Classify(ctx context.Context, t Trade) (SettlementKind, error)
}
