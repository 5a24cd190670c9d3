package orderbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOrder(id string, side domain.OrderSide, price, size int64, seq uint64) *domain.Order {
	return &domain.Order{
		ID:        id,
		MarketID:  "mkt-1",
		Outcome:   domain.OutcomeYes,
		Side:      side,
		Type:      domain.OrderTypeLimit,
		Price:     price,
		Size:      size,
		Status:    domain.OrderStatusPending,
		Sequence:  seq,
		Owner:     "0xowner",
		CreatedAt: t0,
	}
}

func newBook() *Book {
	return New(domain.BookKey{MarketID: "mkt-1", Outcome: domain.OutcomeYes})
}

func TestInsert_RestsOnCorrectSide(t *testing.T) {
	b := newBook()

	require.NoError(t, b.Insert(newOrder("b1", domain.OrderSideBuy, 6500, 1_000_000, 1), t0))

	assert.Equal(t, 1, b.Len())
	best := b.Best(domain.OrderSideBuy)
	require.NotNil(t, best)
	assert.Equal(t, "b1", best.ID)
	assert.Nil(t, b.Best(domain.OrderSideSell))

	snap := b.Snapshot(5, t0)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(6500), snap.Bids[0].Price)
	assert.Equal(t, int64(1_000_000), snap.Bids[0].Size)
	require.NotNil(t, snap.BestBid)
	assert.Nil(t, snap.BestAsk)
}

func TestInsert_Validation(t *testing.T) {
	past := t0.Add(-time.Second)
	cases := map[string]func(o *domain.Order){
		"price above range": func(o *domain.Order) { o.Price = 10001 },
		"negative price":    func(o *domain.Order) { o.Price = -1 },
		"zero size":         func(o *domain.Order) { o.Size = 0 },
		"expired":           func(o *domain.Order) { o.ExpiresAt = &past },
		"expires now":       func(o *domain.Order) { o.ExpiresAt = &t0 },
		"bad outcome":       func(o *domain.Order) { o.Outcome = 2 },
		"bad side":          func(o *domain.Order) { o.Side = "hold" },
		"missing owner":     func(o *domain.Order) { o.Owner = "" },
		"market order":      func(o *domain.Order) { o.Type = domain.OrderTypeMarket },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := newBook()
			o := newOrder("x", domain.OrderSideBuy, 5000, 10, 1)
			mutate(o)
			err := b.Insert(o, t0)
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, 0, b.Len())
		})
	}
}

func TestInsert_BoundaryPricesAccepted(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("b0", domain.OrderSideBuy, 0, 10, 1), t0))
	require.NoError(t, b.Insert(newOrder("s0", domain.OrderSideSell, 10000, 10, 2), t0))
	assert.Equal(t, 2, b.Len())
}

func TestInsert_Duplicate(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("b1", domain.OrderSideBuy, 5000, 10, 1), t0))
	err := b.Insert(newOrder("b1", domain.OrderSideBuy, 5000, 10, 2), t0)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestRanking_PriceThenTime(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("b1", domain.OrderSideBuy, 6400, 100, 1), t0))
	require.NoError(t, b.Insert(newOrder("b2", domain.OrderSideBuy, 6500, 100, 2), t0))
	require.NoError(t, b.Insert(newOrder("b3", domain.OrderSideBuy, 6500, 100, 3), t0))
	require.NoError(t, b.Insert(newOrder("s1", domain.OrderSideSell, 7000, 100, 4), t0))
	require.NoError(t, b.Insert(newOrder("s2", domain.OrderSideSell, 6900, 100, 5), t0))
	require.NoError(t, b.Insert(newOrder("s3", domain.OrderSideSell, 6900, 100, 6), t0))

	ids := func(os []*domain.Order) []string {
		out := make([]string, len(os))
		for i, o := range os {
			out[i] = o.ID
		}
		return out
	}
	assert.Equal(t, []string{"b2", "b3", "b1"}, ids(b.Orders(domain.OrderSideBuy)))
	assert.Equal(t, []string{"s2", "s3", "s1"}, ids(b.Orders(domain.OrderSideSell)))
}

func TestInsert_OutOfOrderSequenceKeepsTimePriority(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("late", domain.OrderSideSell, 6000, 10, 9), t0))
	require.NoError(t, b.Insert(newOrder("early", domain.OrderSideSell, 6000, 10, 3), t0))

	assert.Equal(t, "early", b.Best(domain.OrderSideSell).ID)
}

func TestRemove_Idempotent(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("b1", domain.OrderSideBuy, 6500, 100, 1), t0))

	o, ok := b.Remove("b1")
	require.True(t, ok)
	assert.Equal(t, "b1", o.ID)

	_, ok = b.Remove("b1")
	assert.False(t, ok)
	assert.Nil(t, b.Best(domain.OrderSideBuy))
	assert.Empty(t, b.Snapshot(0, t0).Bids)
}

func TestFill_PartialKeepsOrderAndUpdatesLevel(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("b1", domain.OrderSideBuy, 6500, 1_000_000, 1), t0))

	o, err := b.Fill("b1", 500_000, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, int64(500_000), o.FilledAmount)

	snap := b.Snapshot(0, t0)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(500_000), snap.Bids[0].Size)
}

func TestFill_CompleteRemovesOrder(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("s1", domain.OrderSideSell, 6500, 100, 1), t0))
	require.NoError(t, b.Insert(newOrder("s2", domain.OrderSideSell, 6500, 50, 2), t0))

	o, err := b.Fill("s1", 100, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)

	_, ok := b.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, "s2", b.Best(domain.OrderSideSell).ID)
	assert.Equal(t, int64(50), b.Snapshot(0, t0).Asks[0].Size)

	_, err = b.Fill("s1", 1, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	b := newBook()
	soon := t0.Add(time.Minute)
	later := t0.Add(time.Hour)

	o1 := newOrder("b1", domain.OrderSideBuy, 6000, 10, 1)
	o1.ExpiresAt = &soon
	o2 := newOrder("b2", domain.OrderSideBuy, 6100, 10, 2)
	o2.ExpiresAt = &later
	o3 := newOrder("s1", domain.OrderSideSell, 7000, 10, 3)
	o3.ExpiresAt = &soon
	for _, o := range []*domain.Order{o1, o2, o3} {
		require.NoError(t, b.Insert(o, t0))
	}

	assert.Empty(t, b.SweepExpired(t0))

	expired := b.SweepExpired(soon)
	require.Len(t, expired, 2)
	assert.Equal(t, "b1", expired[0].ID)
	assert.Equal(t, "s1", expired[1].ID)
	for _, o := range expired {
		assert.Equal(t, domain.OrderStatusExpired, o.Status)
	}
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, "b2", b.Best(domain.OrderSideBuy).ID)
}

func TestCrossed(t *testing.T) {
	b := newBook()
	require.NoError(t, b.Insert(newOrder("b1", domain.OrderSideBuy, 6000, 10, 1), t0))
	require.NoError(t, b.Insert(newOrder("s1", domain.OrderSideSell, 6100, 10, 2), t0))

	_, _, crossed := b.Crossed()
	assert.False(t, crossed)

	// Insert does not match, so a crossing limit order leaves the book crossed.
	require.NoError(t, b.Insert(newOrder("b2", domain.OrderSideBuy, 6100, 10, 3), t0))
	bid, ask, crossed := b.Crossed()
	assert.True(t, crossed)
	assert.Equal(t, int64(6100), bid)
	assert.Equal(t, int64(6100), ask)
}

func TestSnapshot_DepthLimit(t *testing.T) {
	b := newBook()
	for i := int64(0); i < 10; i++ {
		require.NoError(t, b.Insert(newOrder("b"+string(rune('a'+i)), domain.OrderSideBuy, 5000-i*10, 10, uint64(i+1)), t0))
	}
	snap := b.Snapshot(3, t0)
	require.Len(t, snap.Bids, 3)
	assert.Equal(t, int64(5000), snap.Bids[0].Price)
	assert.Equal(t, int64(4980), snap.Bids[2].Price)
	assert.Len(t, b.Snapshot(0, t0).Bids, 10)
	assert.Len(t, b.Snapshot(-1, t0).Bids, 10)
	assert.Empty(t, newBook().Snapshot(-5, t0).Asks)
}
