package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// Binder is the id mapper surface recovery needs.
type Binder interface {
	Bind(internalID, externalID string) error
	Lookup(internalID string) (string, bool)
	Retain(internalID string)
	Release(internalID string) bool
}

// RecoveryReport summarizes a Recover run.
type RecoveryReport struct {
	Restored       int
	Expired        int
	Trades         int
	MissingOrders  int
	RestoreErrored bool
}

// Recover rebuilds in-memory state after a restart: open orders go back on
// their books and unsettled trades go back to the settlement queue with
// their order ids pinned in the mapper. Problems with individual orders are
// logged and do not stop recovery; only store failures are returned.
func (s *OrderService) Recover(ctx context.Context, mapper Binder) (RecoveryReport, error) {
	var rep RecoveryReport

	open, err := s.orders.ListOpen(ctx)
	if err != nil {
		return rep, fmt.Errorf("order_service: recover open orders: %w", err)
	}
	restored, err := s.engine.Restore(open)
	if err != nil {
		rep.RestoreErrored = true
		s.logger.ErrorContext(ctx, "restore reported problems",
			slog.String("error", err.Error()),
		)
	}
	rep.Restored = restored.Restored
	rep.Expired = len(restored.Expired)
	s.persistOrders(ctx, restored.Expired)

	trades, err := s.trades.ListUnsettled(ctx)
	if err != nil {
		return rep, fmt.Errorf("order_service: recover unsettled trades: %w", err)
	}
	rep.Trades = len(trades)

	// Orders that are no longer resting still need a binding until their
	// trades settle.
	rebound := make(map[string]struct{})
	missing := make(map[string]struct{})
	bind := func(id string) {
		if _, ok := mapper.Lookup(id); ok {
			return
		}
		if _, ok := missing[id]; ok {
			return
		}
		o, err := s.orders.Get(ctx, id)
		if err != nil {
			missing[id] = struct{}{}
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.WarnContext(ctx, "load order for trade failed",
					slog.String("order_id", id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		ext := o.ExternalID
		if ext == "" {
			ext = o.ID
		}
		if err := mapper.Bind(id, ext); err != nil {
			missing[id] = struct{}{}
			s.logger.WarnContext(ctx, "rebind order failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		rebound[id] = struct{}{}
	}
	for _, t := range trades {
		bind(t.MakerOrderID)
		bind(t.TakerOrderID)
		mapper.Retain(t.MakerOrderID)
		mapper.Retain(t.TakerOrderID)
	}
	for id := range rebound {
		mapper.Release(id)
	}
	rep.MissingOrders = len(missing)
	if rep.MissingOrders > 0 {
		s.logger.WarnContext(ctx, "unsettled trades reference unknown orders; they will defer and fail",
			slog.Int("orders", rep.MissingOrders),
		)
	}
	s.queue.Enqueue(trades...)

	for _, key := range s.engine.Books() {
		s.publishBook(ctx, key)
	}
	s.logger.InfoContext(ctx, "state recovered",
		slog.Int("restored", rep.Restored),
		slog.Int("expired", rep.Expired),
		slog.Int("trades", rep.Trades),
	)
	return rep, nil
}
