package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// OrderStore persists orders for audit and crash recovery.
type OrderStore interface {
	Save(ctx context.Context, order Order) error
	SaveBatch(ctx context.Context, orders []Order) error
	Get(ctx context.Context, id string) (Order, error)
	// ListOpen returns non-terminal orders ordered by sequence.
	ListOpen(ctx context.Context) ([]Order, error)
}

// TradeStore persists trades and their settlement state. Save must not
// overwrite a trade that is already Settled or Failed.
type TradeStore interface {
	Save(ctx context.Context, trade Trade) error
	SaveBatch(ctx context.Context, trades []Trade) error
	Get(ctx context.Context, id string) (Trade, error)
	// ListUnsettled returns Pending and Batched trades.
	ListUnsettled(ctx context.Context) ([]Trade, error)
	ListByStatus(ctx context.Context, status SettlementStatus, opts ListOpts) ([]Trade, error)
	ListSettledBefore(ctx context.Context, before time.Time, limit int) ([]Trade, error)
	DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
