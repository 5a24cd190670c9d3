package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// newTestClient connects to POLYMATCH_TEST_REDIS_ADDR; tests skip without it.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("POLYMATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYMATCH_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeySchema(t *testing.T) {
	k := domain.BookKey{MarketID: "election", Outcome: domain.OutcomeNo}
	assert.Equal(t, "book:election/no:snap", bookSnapKey(k))
	assert.Equal(t, "book:election/no:bbo", bookBBOKey(k))
	assert.Equal(t, "lock:settle", lockKey("settle"))
	assert.Equal(t, "ratelimit:alice", rateLimitKey("alice"))
	assert.Equal(t, "polymatch:book:election/no", busChannel("book:election/no"))
	assert.True(t, hasPattern("book:*"))
	assert.False(t, hasPattern("trades"))
}

func TestLockManagerExclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)
	name := "test:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, name, 5*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, name, 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestLockManagerRenewsWhileHeld(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)
	name := "test:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, name, 200*time.Millisecond)
	require.NoError(t, err)
	defer unlock()

	time.Sleep(500 * time.Millisecond)
	_, err = lm.Acquire(ctx, name, 200*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "renewal keeps the key past its first ttl")
}

func TestLockManagerRejectsTinyTTL(t *testing.T) {
	lm := &LockManager{}
	_, err := lm.Acquire(context.Background(), "x", time.Millisecond)
	assert.Error(t, err)
}

func TestRateLimiterWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, key, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBookCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	bc := NewBookCache(c, time.Minute)

	bid := int64(4900)
	snap := domain.BookSnapshot{
		MarketID: "m-" + uuid.NewString(),
		Outcome:  domain.OutcomeYes,
		Bids:     []domain.PriceLevel{{Price: 4900, Size: 10, Orders: 2}},
		BestBid:  &bid,
		Sequence: 7,
	}
	require.NoError(t, bc.SetSnapshot(ctx, snap))

	got, err := bc.GetSnapshot(ctx, snap.Key())
	require.NoError(t, err)
	assert.Equal(t, snap.Bids, got.Bids)
	assert.Equal(t, uint64(7), got.Sequence)

	b, a, err := bc.GetBBO(ctx, snap.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(4900), b)
	assert.Zero(t, a)

	_, err = bc.GetSnapshot(ctx, domain.BookKey{MarketID: "absent-" + uuid.NewString()})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusDelivers(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := NewSignalBus(c)
	ch := "test." + uuid.NewString()

	msgs, err := sb.Subscribe(ctx, ch)
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, ch, []byte("hello")))

	select {
	case m := <-msgs:
		assert.Equal(t, "hello", string(m))
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
}
