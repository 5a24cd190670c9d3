// Package orderbook holds the ranked bid and ask sides of one market+outcome
// book. A Book is not safe for concurrent use; the matching engine owns it.
package orderbook

import (
	"container/list"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

type entry struct {
	order *domain.Order
	side  *side
	level *level
	elem  *list.Element
}

// Book is a price-time priority order book.
type Book struct {
	key     domain.BookKey
	bids    *side
	asks    *side
	index   map[string]*entry
	version uint64
}

// New creates an empty book.
func New(key domain.BookKey) *Book {
	return &Book{
		key:   key,
		bids:  newSide(domain.OrderSideBuy),
		asks:  newSide(domain.OrderSideSell),
		index: make(map[string]*entry),
	}
}

func (b *Book) Key() domain.BookKey { return b.key }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Version increases on every mutation.
func (b *Book) Version() uint64 { return b.version }

func (b *Book) sideOf(s domain.OrderSide) *side {
	if s == domain.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Validate checks the submission rules shared by matching and resting.
func Validate(o *domain.Order, now time.Time) error {
	switch {
	case o.ID == "":
		return domain.Validationf("missing order id")
	case o.MarketID == "":
		return domain.Validationf("missing market id")
	case o.Owner == "":
		return domain.Validationf("missing owner account")
	case !o.Outcome.Valid():
		return domain.Validationf("unknown outcome %d", int(o.Outcome))
	case o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell:
		return domain.Validationf("unknown side %q", o.Side)
	case o.Size <= 0:
		return domain.Validationf("size must be positive, got %d", o.Size)
	case o.FilledAmount < 0 || o.FilledAmount >= o.Size:
		return domain.Validationf("filled amount %d out of range for size %d", o.FilledAmount, o.Size)
	case o.Expired(now):
		return domain.Validationf("expires_at %s already passed", o.ExpiresAt.UTC().Format(time.RFC3339))
	}
	switch o.Type {
	case domain.OrderTypeLimit:
		if o.Price < 0 || o.Price > domain.MaxPrice {
			return domain.Validationf("price %d outside [0, %d]", o.Price, domain.MaxPrice)
		}
	case domain.OrderTypeMarket:
	default:
		return domain.Validationf("unknown order type %q", o.Type)
	}
	return nil
}

// Insert places a live limit order on its side. No matching happens here.
func (b *Book) Insert(o *domain.Order, now time.Time) error {
	if err := Validate(o, now); err != nil {
		return err
	}
	if o.Type != domain.OrderTypeLimit {
		return domain.Validationf("%s orders never rest", o.Type)
	}
	if o.IsTerminal() {
		return domain.Validationf("order %s is %s", o.ID, o.Status)
	}
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("orderbook: insert %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	s := b.sideOf(o.Side)
	l, e := s.push(o)
	b.index[o.ID] = &entry{order: o, side: s, level: l, elem: e}
	b.version++
	return nil
}

// Get returns a resting order.
func (b *Book) Get(id string) (*domain.Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Remove takes an order off the book. It is idempotent and reports whether
// the order was resting.
func (b *Book) Remove(id string) (*domain.Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return nil, false
	}
	e.side.unlink(e.level, e.elem)
	delete(b.index, id)
	b.version++
	return e.order, true
}

// Best returns the top-ranked resting order on a side, or nil.
func (b *Book) Best(s domain.OrderSide) *domain.Order {
	l := b.sideOf(s).best()
	if l == nil {
		return nil
	}
	return l.orders.Front().Value.(*domain.Order)
}

// BestPrice returns the best price on a side.
func (b *Book) BestPrice(s domain.OrderSide) (int64, bool) {
	l := b.sideOf(s).best()
	if l == nil {
		return 0, false
	}
	return l.price, true
}

// Fill applies an execution to a resting order and drops it from the book
// once it is fully filled.
func (b *Book) Fill(id string, qty int64, now time.Time) (*domain.Order, error) {
	e, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("orderbook: fill %s: %w", id, domain.ErrNotFound)
	}
	e.order.Fill(qty, now)
	e.level.size -= qty
	if e.order.Remaining() == 0 {
		// Level size already reflects the fill; unlink subtracts zero.
		e.side.unlink(e.level, e.elem)
		delete(b.index, id)
	}
	b.version++
	return e.order, nil
}

// SweepExpired removes and expires every resting order whose deadline is at
// or before now, in sequence order.
func (b *Book) SweepExpired(now time.Time) []*domain.Order {
	var ids []string
	for id, e := range b.index {
		if e.order.Expired(now) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	expired := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, _ := b.Remove(id)
		o.Expire(now)
		expired = append(expired, o)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Sequence < expired[j].Sequence })
	return expired
}

// Crossed reports a best bid at or above the best ask.
func (b *Book) Crossed() (bid, ask int64, crossed bool) {
	bid, okBid := b.BestPrice(domain.OrderSideBuy)
	ask, okAsk := b.BestPrice(domain.OrderSideSell)
	return bid, ask, okBid && okAsk && bid >= ask
}

// Snapshot copies the ranked view, at most depth levels per side. A depth of
// zero or less returns every level.
func (b *Book) Snapshot(depth int, now time.Time) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		MarketID:  b.key.MarketID,
		Outcome:   b.key.Outcome,
		Bids:      b.bids.depth(depth),
		Asks:      b.asks.depth(depth),
		Sequence:  b.version,
		Timestamp: now,
	}
	if p, ok := b.BestPrice(domain.OrderSideBuy); ok {
		snap.BestBid = &p
	}
	if p, ok := b.BestPrice(domain.OrderSideSell); ok {
		snap.BestAsk = &p
	}
	return snap
}

// Orders returns resting orders on a side in rank order.
func (b *Book) Orders(s domain.OrderSide) []*domain.Order {
	var out []*domain.Order
	b.sideOf(s).levels.Ascend(func(l *level) bool {
		for e := l.orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*domain.Order))
		}
		return true
	})
	return out
}
