package orderbook

import (
	"container/list"

	"github.com/google/btree"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

const btreeDegree = 16

// level is a FIFO of resting orders at one price, oldest at the front.
type level struct {
	price  int64
	size   int64 // remaining size across the queue
	orders *list.List
}

// side keeps its levels ranked so that Min() is always the best price.
type side struct {
	kind   domain.OrderSide
	levels *btree.BTreeG[*level]
}

func newSide(kind domain.OrderSide) *side {
	less := func(a, b *level) bool { return a.price < b.price }
	if kind == domain.OrderSideBuy {
		less = func(a, b *level) bool { return a.price > b.price }
	}
	return &side{kind: kind, levels: btree.NewG(btreeDegree, less)}
}

func (s *side) best() *level {
	l, ok := s.levels.Min()
	if !ok {
		return nil
	}
	return l
}

func (s *side) levelAt(price int64, create bool) *level {
	if l, ok := s.levels.Get(&level{price: price}); ok {
		return l
	}
	if !create {
		return nil
	}
	l := &level{price: price, orders: list.New()}
	s.levels.ReplaceOrInsert(l)
	return l
}

// push inserts o by sequence. Arrivals are almost always newest, so the walk
// starts from the back.
func (s *side) push(o *domain.Order) (*level, *list.Element) {
	l := s.levelAt(o.Price, true)
	l.size += o.Remaining()
	for e := l.orders.Back(); e != nil; e = e.Prev() {
		if e.Value.(*domain.Order).Sequence < o.Sequence {
			return l, l.orders.InsertAfter(o, e)
		}
	}
	return l, l.orders.PushFront(o)
}

func (s *side) unlink(l *level, e *list.Element) {
	o := l.orders.Remove(e).(*domain.Order)
	l.size -= o.Remaining()
	if l.orders.Len() == 0 {
		s.levels.Delete(l)
	}
}

func (s *side) depth(n int) []domain.PriceLevel {
	capHint := s.levels.Len()
	if n > 0 {
		capHint = min(n, capHint)
	}
	out := make([]domain.PriceLevel, 0, capHint)
	s.levels.Ascend(func(l *level) bool {
		if n > 0 && len(out) >= n {
			return false
		}
		out = append(out, domain.PriceLevel{Price: l.price, Size: l.size, Orders: l.orders.Len()})
		return true
	})
	return out
}
