package pebble

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	d *DB
}

func NewOrderStore(d *DB) *OrderStore {
	return &OrderStore{d: d}
}

func orderKey(id string) []byte { return []byte(prefixOrder + id) }

func openOrderKey(o domain.Order) []byte {
	return key([]byte(prefixOpenOrder), u64(o.Sequence), []byte("/"+o.ID))
}

// Save writes an order and maintains the open-order index. A stored
// terminal order is never replaced, and a stored fill amount never goes
// down.
func (s *OrderStore) Save(ctx context.Context, o domain.Order) error {
	return s.SaveBatch(ctx, []domain.Order{o})
}

func (s *OrderStore) SaveBatch(_ context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	b := s.d.db.NewBatch()
	defer b.Close()
	staged := make(map[string]domain.Order, len(orders))

	for _, o := range orders {
		prev, found := staged[o.ID]
		if !found {
			var err error
			found, err = s.d.getJSON(orderKey(o.ID), &prev)
			if err != nil {
				return fmt.Errorf("pebble: load order %s: %w", o.ID, err)
			}
		}
		if found {
			var keep bool
			if o, keep = advance(prev, o); !keep {
				continue
			}
			if err := b.Delete(openOrderKey(prev), nil); err != nil {
				return fmt.Errorf("pebble: unindex order %s: %w", o.ID, err)
			}
		}

		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("pebble: encode order %s: %w", o.ID, err)
		}
		if err := b.Set(orderKey(o.ID), data, nil); err != nil {
			return fmt.Errorf("pebble: save order %s: %w", o.ID, err)
		}
		if !o.IsTerminal() {
			if err := b.Set(openOrderKey(o), nil, nil); err != nil {
				return fmt.Errorf("pebble: index order %s: %w", o.ID, err)
			}
		}
		staged[o.ID] = o
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: commit orders: %w", err)
	}
	return nil
}

func (s *OrderStore) Get(_ context.Context, id string) (domain.Order, error) {
	var o domain.Order
	found, err := s.d.getJSON(orderKey(id), &o)
	if err != nil {
		return domain.Order{}, fmt.Errorf("pebble: get order %s: %w", id, err)
	}
	if !found {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

// ListOpen returns non-terminal orders in sequence order.
func (s *OrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	var ids []string
	prefixLen := len(prefixOpenOrder) + 8 + 1
	err := s.d.scan([]byte(prefixOpenOrder), false, func(k, _ []byte) bool {
		ids = append(ids, lastSegment(k, prefixLen))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: list open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)

// advance merges an incoming save into the stored order. Saves may land out
// of order once the book lock is released, so a lower fill is stale: an open
// save carrying one is dropped, and a terminal one keeps the higher fill.
func advance(prev, next domain.Order) (domain.Order, bool) {
	if prev.IsTerminal() {
		return prev, false
	}
	if next.FilledAmount < prev.FilledAmount {
		if !next.IsTerminal() {
			return prev, false
		}
		next.FilledAmount = prev.FilledAmount
	}
	return next, true
}
