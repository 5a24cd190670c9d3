package domain

import (
	"context"
	"time"
)

// BookCache stores the latest book view for external quoting.
type BookCache interface {
	SetSnapshot(ctx context.Context, snap BookSnapshot) error
	GetSnapshot(ctx context.Context, key BookKey) (BookSnapshot, error)
	GetBBO(ctx context.Context, key BookKey) (bestBid, bestAsk int64, err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fanout of order, trade and book events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// EventPublisher delivers durable events to downstream consumers.
type EventPublisher interface {
	PublishTrades(ctx context.Context, trades []Trade) error
	Close() error
}
