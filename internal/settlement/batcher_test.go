package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/idmap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSettler struct {
	mu       sync.Mutex
	calls    [][]domain.SettlementInstruction
	err      error
	tradeErr map[string]error
	settled  map[string]bool
}

func (f *fakeSettler) SettleBatch(_ context.Context, batch []domain.SettlementInstruction) ([]domain.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, batch)
	if f.err != nil {
		return nil, f.err
	}
	if f.settled == nil {
		f.settled = make(map[string]bool)
	}
	out := make([]domain.SettlementResult, 0, len(batch))
	for _, in := range batch {
		if err := f.tradeErr[in.TradeID]; err != nil {
			out = append(out, domain.SettlementResult{TradeID: in.TradeID, Err: err})
			continue
		}
		f.settled[in.TradeID] = true
		out = append(out, domain.SettlementResult{TradeID: in.TradeID, TxHash: "0xtx"})
	}
	return out, nil
}

func (f *fakeSettler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingObserver struct {
	mu      sync.Mutex
	settled []string
	failed  []string
	batches int
}

func (r *recordingObserver) BatchCompleted(int, time.Duration, error) {
	r.mu.Lock()
	r.batches++
	r.mu.Unlock()
}
func (r *recordingObserver) TradeRetrying(domain.Trade) {}
func (r *recordingObserver) TradeSettled(t domain.Trade) {
	r.mu.Lock()
	r.settled = append(r.settled, t.ID)
	r.mu.Unlock()
}
func (r *recordingObserver) TradeFailed(t domain.Trade) {
	r.mu.Lock()
	r.failed = append(r.failed, t.ID)
	r.mu.Unlock()
}

type fixture struct {
	b       *Batcher
	settler *fakeSettler
	mapper  *idmap.Mapper
	clock   *fakeClock
	obs     *recordingObserver
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		settler: &fakeSettler{},
		mapper:  idmap.New(0),
		clock:   &fakeClock{now: t0},
		obs:     &recordingObserver{},
	}
	b, err := New(cfg, f.settler, f.mapper, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(f.clock.Now), WithObserver(f.obs))
	require.NoError(t, err)
	f.b = b
	return f
}

// trade binds both orders and pins them the way the matching engine does.
func (f *fixture) trade(t *testing.T, id string) domain.Trade {
	t.Helper()
	maker, taker := id+"-maker", id+"-taker"
	require.NoError(t, f.mapper.Bind(maker, "ext-"+maker))
	require.NoError(t, f.mapper.Bind(taker, "ext-"+taker))
	f.mapper.Retain(maker)
	f.mapper.Retain(taker)
	return domain.Trade{
		ID:               id,
		MakerOrderID:     maker,
		TakerOrderID:     taker,
		MarketID:         "mkt-1",
		Price:            6500,
		Size:             100,
		MakerAccount:     "0xmaker",
		TakerAccount:     "0xtaker",
		TakerSide:        domain.OrderSideSell,
		ExecutedAt:       t0,
		SettlementStatus: domain.SettlementPending,
	}
}

func testConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		MaxBatchSize: 50,
		MaxAttempts:  3,
		MaxDeferrals: 3,
		BaseBackoff:  time.Second,
		MaxBackoff:   10 * time.Second,
		CallTimeout:  time.Second,
	}
}

func TestFlush_OneCallForAllEnqueued(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.Enqueue(f.trade(t, "t1"), f.trade(t, "t2"), f.trade(t, "t3"))

	rep, err := f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Submitted)
	assert.Equal(t, 3, rep.Settled)

	require.Equal(t, 1, f.settler.Calls())
	batch := f.settler.calls[0]
	require.Len(t, batch, 3)
	assert.Equal(t, "t1", batch[0].TradeID)
	assert.Equal(t, "ext-t1-maker", batch[0].MakerExternalID)
	assert.Equal(t, "ext-t1-taker", batch[0].TakerExternalID)
	assert.Equal(t, domain.SettlementDirect, batch[0].Kind)
	assert.Equal(t, "0xmaker", batch[0].Buyer, "taker sold, so the maker bought")

	assert.Equal(t, 0, f.b.Outstanding())
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, f.obs.settled)
	// Pins dropped; the orders were never released so bindings remain.
	assert.Equal(t, 6, f.mapper.Len())
}

func TestObserve_LateObserverSeesOutcomes(t *testing.T) {
	f := newFixture(t, testConfig())
	late := &recordingObserver{}
	f.b.Observe(late)

	f.b.Enqueue(f.trade(t, "t1"))
	_, err := f.b.Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, late.settled)
	assert.Equal(t, 1, late.batches)
	assert.Equal(t, []string{"t1"}, f.obs.settled)
}

func TestFlush_TransportFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t, testConfig())
	f.settler.err = errors.New("rpc unavailable")
	f.b.Enqueue(f.trade(t, "t1"), f.trade(t, "t2"), f.trade(t, "t3"))

	_, err := f.b.Flush(context.Background())
	require.ErrorIs(t, err, domain.ErrSettlementTransport)
	for _, id := range []string{"t1", "t2", "t3"} {
		tr, ok := f.b.Get(id)
		require.True(t, ok)
		assert.Equal(t, domain.SettlementBatched, tr.SettlementStatus)
		assert.Equal(t, 1, tr.AttemptCount)
		require.NotNil(t, tr.NextAttemptAt)
		assert.Equal(t, t0.Add(time.Second), *tr.NextAttemptAt)
	}

	// Backoff not elapsed: nothing is claimed.
	rep, err := f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Submitted)
	assert.Equal(t, 1, f.settler.Calls())

	f.clock.Advance(time.Second)
	_, err = f.b.Flush(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, f.settler.Calls())
	tr, _ := f.b.Get("t1")
	assert.Equal(t, 2, tr.AttemptCount)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), *tr.NextAttemptAt, "delay grows with attempts")

	f.clock.Advance(2 * time.Second)
	rep, err = f.b.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, rep.Failed)
	assert.Equal(t, 3, f.settler.Calls())
	assert.Equal(t, 0, f.b.Outstanding())
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, f.obs.failed)

	// Failed trades are never retried automatically.
	f.clock.Advance(time.Hour)
	_, err = f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.settler.Calls())
}

func TestFlush_PerTradeFailureOnlyAffectsThatTrade(t *testing.T) {
	f := newFixture(t, testConfig())
	f.settler.tradeErr = map[string]error{"t2": errors.New("insufficient balance")}
	f.b.Enqueue(f.trade(t, "t1"), f.trade(t, "t2"))

	rep, err := f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Settled)
	assert.Equal(t, 1, rep.Retrying)

	_, ok := f.b.Get("t1")
	assert.False(t, ok)
	tr, ok := f.b.Get("t2")
	require.True(t, ok)
	assert.Equal(t, "insufficient balance", tr.LastError)
	assert.Equal(t, 1, tr.AttemptCount)
}

func TestEnqueue_SettledTradeIsNoop(t *testing.T) {
	f := newFixture(t, testConfig())
	tr := f.trade(t, "t1")
	f.b.Enqueue(tr)
	_, err := f.b.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.settler.Calls())

	assert.Zero(t, f.b.Enqueue(tr), "re-delivery of a settled trade")
	_, err = f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.settler.Calls())

	settled := tr
	settled.ID = "t9"
	settled.SettlementStatus = domain.SettlementSettled
	assert.Zero(t, f.b.Enqueue(settled))
	assert.Equal(t, 0, f.b.Outstanding())
}

func TestEnqueue_DuplicateWhilePending(t *testing.T) {
	f := newFixture(t, testConfig())
	tr := f.trade(t, "t1")
	assert.Equal(t, 1, f.b.Enqueue(tr))
	assert.Equal(t, 0, f.b.Enqueue(tr))
	assert.Equal(t, 1, f.b.Outstanding())
}

func TestFlush_MappingMissDefersWithoutAttempt(t *testing.T) {
	f := newFixture(t, testConfig())
	orphan := domain.Trade{ID: "orphan", MakerOrderID: "gone", TakerOrderID: "also-gone", MarketID: "mkt-1", Size: 1}
	f.b.Enqueue(orphan, f.trade(t, "ok"))

	rep, err := f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deferred)
	assert.Equal(t, 1, rep.Settled)
	require.Len(t, f.settler.calls[0], 1, "deferred trade is not sent")

	tr, ok := f.b.Get("orphan")
	require.True(t, ok)
	assert.Equal(t, domain.SettlementBatched, tr.SettlementStatus)
	assert.Equal(t, 0, tr.AttemptCount)
	assert.Equal(t, 1, tr.Deferrals)
	assert.Contains(t, tr.LastError, "gone")

	// Counterpart gets bound out of band; the trade settles on the next pass.
	require.NoError(t, f.mapper.Bind("gone", "ext-gone"))
	require.NoError(t, f.mapper.Bind("also-gone", "ext-also"))
	f.clock.Advance(time.Second)
	rep, err = f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Settled)
}

func TestFlush_MappingMissEventuallyFails(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.Enqueue(domain.Trade{ID: "orphan", MakerOrderID: "a", TakerOrderID: "b", MarketID: "mkt-1", Size: 1})

	for i := 0; i < 3; i++ {
		_, err := f.b.Flush(context.Background())
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	_, ok := f.b.Get("orphan")
	assert.False(t, ok)
	assert.Equal(t, []string{"orphan"}, f.obs.failed)
	assert.Zero(t, f.settler.Calls())
}

func TestFlush_RespectsMaxBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	f := newFixture(t, cfg)
	for i := 0; i < 5; i++ {
		f.b.Enqueue(f.trade(t, fmt.Sprintf("t%d", i)))
	}
	for i := 0; i < 3; i++ {
		_, err := f.b.Flush(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.settler.Calls())
	assert.Len(t, f.settler.calls[0], 2)
	assert.Len(t, f.settler.calls[2], 1)
	assert.Equal(t, "t0", f.settler.calls[0][0].TradeID)
}

func TestEnqueue_RestoredBatchedKeepsHistory(t *testing.T) {
	f := newFixture(t, testConfig())
	tr := f.trade(t, "t1")
	tr.SettlementStatus = domain.SettlementBatched
	tr.AttemptCount = 2
	next := t0.Add(time.Minute)
	tr.NextAttemptAt = &next
	f.b.Enqueue(tr)

	_, err := f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.settler.Calls(), "backoff survives a restart")

	f.settler.err = errors.New("down")
	f.clock.Advance(time.Minute)
	_, err = f.b.Flush(context.Background())
	require.Error(t, err)
	_, ok := f.b.Get("t1")
	assert.False(t, ok, "third attempt exhausts the limit")
	assert.Equal(t, []string{"t1"}, f.obs.failed)
}

type kindFunc func(domain.Trade) domain.SettlementKind

func (k kindFunc) Classify(_ context.Context, t domain.Trade) (domain.SettlementKind, error) {
	return k(t), nil
}

func TestFlush_ClassifierSetsKind(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.classifier = kindFunc(func(t domain.Trade) domain.SettlementKind {
		if t.ID == "mint" {
			return domain.SettlementMint
		}
		return domain.SettlementDirect
	})
	f.b.Enqueue(f.trade(t, "mint"), f.trade(t, "plain"))
	_, err := f.b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementMint, f.settler.calls[0][0].Kind)
	assert.Equal(t, domain.SettlementDirect, f.settler.calls[0][1].Kind)
}

func TestRun_FlushesWhenBatchFills(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Hour
	cfg.MaxBatchSize = 3
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.b.Run(ctx) }()

	f.b.Enqueue(f.trade(t, "t1"), f.trade(t, "t2"), f.trade(t, "t3"))
	require.Eventually(t, func() bool { return f.settler.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	f.settler.mu.Lock()
	defer f.settler.mu.Unlock()
	assert.Len(t, f.settler.calls[0], 3)
}

func TestRun_RetryBacklogDoesNotTriggerEarlyFlush(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Hour
	cfg.MaxBatchSize = 3
	cfg.MaxAttempts = 10
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	f := newFixture(t, cfg)
	f.settler.err = errors.New("rpc down")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.b.Run(ctx) }()

	f.b.Enqueue(f.trade(t, "t1"), f.trade(t, "t2"), f.trade(t, "t3"))
	require.Eventually(t, func() bool {
		tr, ok := f.b.Get("t3")
		return ok && tr.AttemptCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.settler.Calls())

	f.b.Enqueue(f.trade(t, "t4"))
	f.b.Enqueue(f.trade(t, "t5"))
	assert.Never(t, func() bool { return f.settler.Calls() > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	f.b.Enqueue(f.trade(t, "t6"))
	require.Eventually(t, func() bool { return f.settler.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)

	f.settler.mu.Lock()
	defer f.settler.mu.Unlock()
	var ids []string
	for _, in := range f.settler.calls[1] {
		ids = append(ids, in.TradeID)
	}
	assert.Equal(t, []string{"t4", "t5", "t6"}, ids)
}

func TestRun_FlushesOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 20 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.b.Run(ctx) }()

	f.b.Enqueue(f.trade(t, "t1"))
	require.Eventually(t, func() bool { return f.b.Outstanding() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.settler.Calls())
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestRun_FollowerDoesNotFlush(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	f.b.lock = heldLock{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	f.b.Enqueue(f.trade(t, "t1"))
	require.NoError(t, f.b.Run(ctx))
	assert.Zero(t, f.settler.Calls())
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(time.Second, 10*time.Second, 1))
	assert.Equal(t, 2*time.Second, retryDelay(time.Second, 10*time.Second, 2))
	assert.Equal(t, 4*time.Second, retryDelay(time.Second, 10*time.Second, 3))
	assert.Equal(t, 10*time.Second, retryDelay(time.Second, 10*time.Second, 8))
}
