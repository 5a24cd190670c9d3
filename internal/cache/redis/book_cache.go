package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// BookCache implements domain.BookCache. Each book keeps its latest depth
// snapshot as JSON plus a small BBO hash for cheap quoting.
//
// Key schema:
//
//	book:{market}:{outcome}:snap - JSON snapshot
//	book:{market}:{outcome}:bbo  - hash with "bid", "ask", "seq"
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. Entries expire after ttl so a dead
// instance cannot leave stale quotes behind; zero keeps them forever.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookSnapKey(k domain.BookKey) string { return "book:" + k.String() + ":snap" }
func bookBBOKey(k domain.BookKey) string  { return "book:" + k.String() + ":bbo" }

// SetSnapshot replaces the cached view of one book.
func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	k := snap.Key()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", k, err)
	}

	bbo := map[string]any{"seq": snap.Sequence}
	if snap.BestBid != nil {
		bbo["bid"] = *snap.BestBid
	}
	if snap.BestAsk != nil {
		bbo["ask"] = *snap.BestAsk
	}

	pipe := bc.rdb.TxPipeline()
	pipe.Set(ctx, bookSnapKey(k), data, bc.ttl)
	pipe.Del(ctx, bookBBOKey(k))
	pipe.HSet(ctx, bookBBOKey(k), bbo)
	if bc.ttl > 0 {
		pipe.Expire(ctx, bookBBOKey(k), bc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", k, err)
	}
	return nil
}

// GetSnapshot returns domain.ErrNotFound when the book was never cached.
func (bc *BookCache) GetSnapshot(ctx context.Context, k domain.BookKey) (domain.BookSnapshot, error) {
	data, err := bc.rdb.Get(ctx, bookSnapKey(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", k, err)
	}
	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: decode snapshot %s: %w", k, err)
	}
	return snap, nil
}

// GetBBO returns the best bid and ask. A side with no resting orders reads
// as zero.
func (bc *BookCache) GetBBO(ctx context.Context, k domain.BookKey) (bestBid, bestAsk int64, err error) {
	vals, err := bc.rdb.HGetAll(ctx, bookBBOKey(k)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", k, err)
	}
	if len(vals) == 0 {
		return 0, 0, domain.ErrNotFound
	}
	if v, ok := vals["bid"]; ok {
		bestBid, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["ask"]; ok {
		bestAsk, _ = strconv.ParseInt(v, 10, 64)
	}
	return bestBid, bestAsk, nil
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
