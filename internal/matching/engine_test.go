package matching

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/idmap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var yes = domain.BookKey{MarketID: "mkt-1", Outcome: domain.OutcomeYes}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *idmap.Mapper, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	var n atomic.Int64
	mapper := idmap.New(0)
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	}
	e := New(mapper, slog.New(slog.NewTextHandler(io.Discard, nil)), append(base, opts...)...)
	return e, mapper, clock
}

func limit(id string, side domain.OrderSide, price, size int64) domain.Order {
	return domain.Order{
		ID:         id,
		ExternalID: "ext-" + id,
		MarketID:   yes.MarketID,
		Outcome:    yes.Outcome,
		Side:       side,
		Type:       domain.OrderTypeLimit,
		Price:      price,
		Size:       size,
		Owner:      "acct-" + id,
	}
}

func market(id string, side domain.OrderSide, size int64) domain.Order {
	o := limit(id, side, 0, size)
	o.Type = domain.OrderTypeMarket
	return o
}

func TestScenario_RestThenCrossThenCancel(t *testing.T) {
	e, mapper, _ := newEngine(t)

	// 1. Bid rests on an empty book.
	res, err := e.Submit(limit("bid", domain.OrderSideBuy, 6500, 1_000_000))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, domain.OrderStatusPending, res.Order.Status)
	snap, ok := e.Snapshot(yes, 0)
	require.True(t, ok)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(6500), snap.Bids[0].Price)

	// 2. Crossing sell fills at the maker's price.
	res, err = e.Submit(limit("ask", domain.OrderSideSell, 6400, 500_000))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, int64(6500), tr.Price)
	assert.Equal(t, int64(500_000), tr.Size)
	assert.Equal(t, "bid", tr.MakerOrderID)
	assert.Equal(t, "ask", tr.TakerOrderID)
	assert.Equal(t, domain.SettlementPending, tr.SettlementStatus)
	assert.Equal(t, domain.OrderStatusFilled, res.Order.Status)
	require.Len(t, res.Makers, 1)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, res.Makers[0].Status)
	assert.Equal(t, int64(500_000), res.Makers[0].FilledAmount)

	snap, _ = e.Snapshot(yes, 0)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(500_000), snap.Bids[0].Size)
	assert.Empty(t, snap.Asks)

	// 4. Cancel the remainder, then cancel again.
	cres, err := e.Cancel("bid", "acct-bid")
	require.NoError(t, err)
	assert.False(t, cres.AlreadyResolved)
	require.NotNil(t, cres.Order)
	assert.Equal(t, domain.OrderStatusCancelled, cres.Order.Status)

	snap, _ = e.Snapshot(yes, 0)
	assert.Empty(t, snap.Bids)

	cres, err = e.Cancel("bid", "acct-bid")
	require.NoError(t, err)
	assert.True(t, cres.AlreadyResolved)

	// Bindings survive until the trade settles.
	_, _, err = mapper.Resolve("bid", "ask")
	require.NoError(t, err)
}

func TestScenario_MarketOrderOnEmptyBookCancels(t *testing.T) {
	e, mapper, _ := newEngine(t)

	res, err := e.Submit(market("mkt", domain.OrderSideSell, 2_000_000))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, domain.OrderStatusCancelled, res.Order.Status)

	snap, _ := e.Snapshot(yes, 0)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
	assert.Equal(t, 0, mapper.Len())
}

func TestMarketOrder_PartialFillRemainderCancelled(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Submit(limit("b1", domain.OrderSideBuy, 3000, 100))
	require.NoError(t, err)
	_, err = e.Submit(limit("b2", domain.OrderSideBuy, 2000, 50))
	require.NoError(t, err)

	res, err := e.Submit(market("m", domain.OrderSideSell, 400))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, int64(3000), res.Trades[0].Price)
	assert.Equal(t, int64(2000), res.Trades[1].Price)
	assert.Equal(t, int64(150), res.Order.FilledAmount)
	assert.Equal(t, domain.OrderStatusCancelled, res.Order.Status)

	snap, _ := e.Snapshot(yes, 0)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks, "market remainder must not rest")
}

func TestPriceTimePriority_EqualPriceOldestFirst(t *testing.T) {
	e, _, clock := newEngine(t)
	_, err := e.Submit(limit("s-old", domain.OrderSideSell, 5000, 100))
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = e.Submit(limit("s-new", domain.OrderSideSell, 5000, 100))
	require.NoError(t, err)

	res, err := e.Submit(limit("buy", domain.OrderSideBuy, 5000, 150))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "s-old", res.Trades[0].MakerOrderID)
	assert.Equal(t, int64(100), res.Trades[0].Size)
	assert.Equal(t, "s-new", res.Trades[1].MakerOrderID)
	assert.Equal(t, int64(50), res.Trades[1].Size)
}

func TestPriceImprovementGoesToTaker(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Submit(limit("s1", domain.OrderSideSell, 4000, 10))
	require.NoError(t, err)
	_, err = e.Submit(limit("s2", domain.OrderSideSell, 4500, 10))
	require.NoError(t, err)

	res, err := e.Submit(limit("b", domain.OrderSideBuy, 6000, 30))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, int64(4000), res.Trades[0].Price)
	assert.Equal(t, int64(4500), res.Trades[1].Price)

	// Remainder rests at the taker's own price.
	assert.Equal(t, domain.OrderStatusPartiallyFilled, res.Order.Status)
	snap, _ := e.Snapshot(yes, 0)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(6000), snap.Bids[0].Price)
	assert.Equal(t, int64(10), snap.Bids[0].Size)
}

func TestNonCrossingLimitRests(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Submit(limit("s", domain.OrderSideSell, 6000, 10))
	require.NoError(t, err)
	res, err := e.Submit(limit("b", domain.OrderSideBuy, 5999, 10))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	snap, _ := e.Snapshot(yes, 0)
	require.NotNil(t, snap.BestBid)
	require.NotNil(t, snap.BestAsk)
	assert.Less(t, *snap.BestBid, *snap.BestAsk)
}

func TestSubmit_ValidationError(t *testing.T) {
	e, mapper, _ := newEngine(t)
	_, err := e.Submit(limit("bad", domain.OrderSideBuy, 10_001, 10))
	require.ErrorIs(t, err, domain.ErrValidation)

	past := t0.Add(-time.Minute)
	o := limit("late", domain.OrderSideBuy, 5000, 10)
	o.ExpiresAt = &past
	_, err = e.Submit(o)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Submit(limit("zero", domain.OrderSideBuy, 5000, 0))
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, mapper.Len())
}

func TestSubmit_LazyExpirySweep(t *testing.T) {
	e, _, clock := newEngine(t)
	deadline := t0.Add(time.Minute)
	o := limit("s", domain.OrderSideSell, 5000, 10)
	o.ExpiresAt = &deadline
	_, err := e.Submit(o)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	res, err := e.Submit(limit("b", domain.OrderSideBuy, 5000, 10))
	require.NoError(t, err)
	assert.Empty(t, res.Trades, "expired maker must not fill")
	require.Len(t, res.Expired, 1)
	assert.Equal(t, domain.OrderStatusExpired, res.Expired[0].Status)
}

func TestSweepExpired_AllBooks(t *testing.T) {
	e, mapper, clock := newEngine(t)
	deadline := t0.Add(time.Second)
	for i, key := range []domain.BookKey{yes, {MarketID: "mkt-2", Outcome: domain.OutcomeNo}} {
		o := limit(fmt.Sprintf("o%d", i), domain.OrderSideBuy, 1000, 10)
		o.MarketID, o.Outcome = key.MarketID, key.Outcome
		o.ExpiresAt = &deadline
		_, err := e.Submit(o)
		require.NoError(t, err)
	}
	assert.Empty(t, e.SweepExpired())

	clock.Advance(time.Second)
	expired := e.SweepExpired()
	assert.Len(t, expired, 2)
	assert.Equal(t, 0, mapper.Len())
}

func TestCancel_WrongOwner(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Submit(limit("b", domain.OrderSideBuy, 5000, 10))
	require.NoError(t, err)

	_, err = e.Cancel("b", "someone-else")
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	snap, _ := e.Snapshot(yes, 0)
	assert.Len(t, snap.Bids, 1)
}

func TestCancel_UnknownIsAlreadyResolved(t *testing.T) {
	e, _, _ := newEngine(t)
	res, err := e.Cancel("nope", "x")
	require.NoError(t, err)
	assert.True(t, res.AlreadyResolved)
}

func TestCancel_FilledOrderAlreadyResolved(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Submit(limit("s", domain.OrderSideSell, 5000, 10))
	require.NoError(t, err)
	_, err = e.Submit(limit("b", domain.OrderSideBuy, 5000, 10))
	require.NoError(t, err)

	res, err := e.Cancel("s", "acct-s")
	require.NoError(t, err)
	assert.True(t, res.AlreadyResolved)
}

func TestRestore_CrossedBookHalts(t *testing.T) {
	var halted []domain.BookKey
	e, _, _ := newEngine(t, WithHaltHandler(func(k domain.BookKey, _ *domain.InvariantViolation, _ domain.BookSnapshot) {
		halted = append(halted, k)
	}))

	bid := limit("b", domain.OrderSideBuy, 6000, 10)
	bid.Sequence = 1
	ask := limit("s", domain.OrderSideSell, 5000, 10)
	ask.Sequence = 2
	_, err := e.Restore([]domain.Order{bid, ask})
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, []domain.BookKey{yes}, halted)

	var v *domain.InvariantViolation
	require.ErrorAs(t, e.Halted(yes), &v)
	assert.Equal(t, int64(6000), v.BestBid)
	assert.Equal(t, int64(5000), v.BestAsk)

	snap, _ := e.Snapshot(yes, 0)
	assert.True(t, snap.Halted)

	_, err = e.Submit(limit("x", domain.OrderSideBuy, 100, 1))
	assert.ErrorIs(t, err, domain.ErrBookHalted)

	// Other books keep matching.
	other := limit("y", domain.OrderSideBuy, 100, 1)
	other.Outcome = domain.OutcomeNo
	_, err = e.Submit(other)
	assert.NoError(t, err)

	// Resume refuses while still crossed; the operator pulls an order first.
	require.ErrorIs(t, e.Resume(yes), domain.ErrInvariantViolation)
	_, err = e.Cancel("s", "")
	require.NoError(t, err)
	require.NoError(t, e.Resume(yes))
	assert.NoError(t, e.Halted(yes))

	_, err = e.Submit(limit("z", domain.OrderSideSell, 7000, 1))
	assert.NoError(t, err)
}

func TestRestore_ExpiresStaleAndContinuesSequence(t *testing.T) {
	e, mapper, _ := newEngine(t)
	past := t0.Add(-time.Hour)

	live := limit("live", domain.OrderSideBuy, 4000, 10)
	live.Sequence = 41
	live.FilledAmount = 4
	live.Status = domain.OrderStatusPartiallyFilled
	stale := limit("stale", domain.OrderSideBuy, 4100, 10)
	stale.Sequence = 42
	stale.ExpiresAt = &past
	done := limit("done", domain.OrderSideBuy, 4200, 10)
	done.Status = domain.OrderStatusFilled

	res, err := e.Restore([]domain.Order{stale, live, done})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, "stale", res.Expired[0].ID)
	assert.Equal(t, 1, mapper.Len())

	snap, _ := e.Snapshot(yes, 0)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(6), snap.Bids[0].Size)

	sub, err := e.Submit(limit("next", domain.OrderSideBuy, 4000, 1))
	require.NoError(t, err)
	assert.Greater(t, sub.Order.Sequence, uint64(42))
}

func TestRestore_CountsOnlyRestedOrders(t *testing.T) {
	e, mapper, _ := newEngine(t)

	good := limit("good", domain.OrderSideBuy, 4000, 10)
	good.Sequence = 1
	bad := limit("bad", domain.OrderSideSell, domain.MaxPrice+1, 10)
	bad.Sequence = 2

	res, err := e.Restore([]domain.Order{good, bad})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, res.Restored)
	assert.Empty(t, res.Expired)
	assert.Equal(t, 1, mapper.Len())
	_, bound := mapper.Lookup("bad")
	assert.False(t, bound)
}

func TestSnapshot_DepthAndUnknownBook(t *testing.T) {
	e, _, _ := newEngine(t)
	for i := int64(0); i < 5; i++ {
		_, err := e.Submit(limit(fmt.Sprintf("b%d", i), domain.OrderSideBuy, 1000+i, 1))
		require.NoError(t, err)
	}
	snap, ok := e.Snapshot(yes, 2)
	require.True(t, ok)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, int64(1004), snap.Bids[0].Price)

	full, _ := e.Snapshot(yes, 0)
	assert.Len(t, full.Bids, 5, "depth-limited read must not truncate the stored view")

	_, ok = e.Snapshot(domain.BookKey{MarketID: "none"}, 5)
	assert.False(t, ok)
}

func TestConcurrentBooksAndCancelRace(t *testing.T) {
	e, _, _ := newEngine(t)
	var wg sync.WaitGroup
	for b := 0; b < 8; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				side := domain.OrderSideBuy
				if i%2 == 1 {
					side = domain.OrderSideSell
				}
				o := limit(fmt.Sprintf("o-%d-%d", b, i), side, int64(4000+i%7*100), 10)
				o.MarketID = fmt.Sprintf("mkt-%d", b%4)
				res, err := e.Submit(o)
				assert.NoError(t, err)
				if res.Order.Status == domain.OrderStatusPending {
					_, err = e.Cancel(res.Order.ID, res.Order.Owner)
					assert.NoError(t, err)
				}
			}
		}(b)
	}
	wg.Wait()

	for _, key := range e.Books() {
		assert.NoError(t, e.Halted(key))
		snap, _ := e.Snapshot(key, 0)
		if snap.BestBid != nil && snap.BestAsk != nil {
			assert.Less(t, *snap.BestBid, *snap.BestAsk)
		}
	}
}
