// Package settlement batches matched trades onto the external ledger and
// drives each trade's retry state machine:
//
//	Pending -> Batched -> Settled
//	           Batched -> Batched (retry, after backoff)
//	           Batched -> Failed  (attempts or deferrals exhausted)
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// Config tunes batching and retry.
type Config struct {
	Interval     time.Duration
	MaxBatchSize int
	MaxAttempts  int
	MaxDeferrals int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	CallTimeout  time.Duration
	// DoneCacheSize bounds the set of terminal trade ids remembered for
	// idempotent re-delivery.
	DoneCacheSize int
	LeaderKey     string
	LeaderTTL     time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		MaxBatchSize:  100,
		MaxAttempts:   5,
		MaxDeferrals:  10,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    time.Minute,
		CallTimeout:   30 * time.Second,
		DoneCacheSize: 100_000,
		LeaderKey:     "polymatch:settlement:leader",
		LeaderTTL:     time.Minute,
	}
}

// IDResolver translates internal order ids and releases the pins taken for
// trades awaiting settlement.
type IDResolver interface {
	Resolve(makerID, takerID string) (maker, taker string, err error)
	Done(internalID string)
}

// Observer receives settlement outcomes. Implementations must not block.
type Observer interface {
	BatchCompleted(size int, took time.Duration, err error)
	TradeRetrying(t domain.Trade)
	TradeSettled(t domain.Trade)
	TradeFailed(t domain.Trade)
}

// FlushReport summarizes one flush.
type FlushReport struct {
	Submitted int
	Settled   int
	Retrying  int
	Deferred  int
	Failed    int
}

// Option configures a Batcher.
type Option func(*Batcher)

func WithStore(s domain.TradeStore) Option { return func(b *Batcher) { b.store = s } }

func WithClassifier(c domain.KindClassifier) Option { return func(b *Batcher) { b.classifier = c } }

func WithObserver(o Observer) Option { return func(b *Batcher) { b.observers = append(b.observers, o) } }

func WithClock(now func() time.Time) Option { return func(b *Batcher) { b.now = now } }

// WithLeaderLock makes Run flush only while holding a distributed lock, so a
// single process settles at a time.
func WithLeaderLock(l domain.LockManager) Option { return func(b *Batcher) { b.lock = l } }

// Batcher accumulates trades and settles them in batches.
type Batcher struct {
	cfg        Config
	settler    domain.Settler
	resolver   IDResolver
	store      domain.TradeStore
	classifier domain.KindClassifier
	lock       domain.LockManager
	observers  []Observer
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	trades  map[string]*domain.Trade
	queue   []string            // enqueue order
	claimed map[string]struct{} // in the flush under way
	done    *lru.Cache[string, domain.SettlementStatus]
	kick    chan struct{}

	flushMu sync.Mutex
}

// New creates a Batcher. Zero config fields fall back to DefaultConfig.
func New(cfg Config, settler domain.Settler, resolver IDResolver, logger *slog.Logger, opts ...Option) (*Batcher, error) {
	cfg = withDefaults(cfg)
	done, err := lru.New[string, domain.SettlementStatus](cfg.DoneCacheSize)
	if err != nil {
		return nil, fmt.Errorf("settlement: done cache: %w", err)
	}
	b := &Batcher{
		cfg:      cfg,
		settler:  settler,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "settlement")),
		now:      time.Now,
		trades:   make(map[string]*domain.Trade),
		claimed:  make(map[string]struct{}),
		done:     done,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = d.MaxBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = d.MaxDeferrals
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = d.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}
	if cfg.DoneCacheSize <= 0 {
		cfg.DoneCacheSize = d.DoneCacheSize
	}
	if cfg.LeaderKey == "" {
		cfg.LeaderKey = d.LeaderKey
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = d.LeaderTTL
	}
	return cfg
}

// Enqueue adds trades to the open batch. It never blocks on I/O. Trades that
// are already tracked or already terminal are ignored, keyed by trade id.
// Batched trades (reloaded after a restart) keep their attempt history.
func (b *Batcher) Enqueue(trades ...domain.Trade) int {
	b.mu.Lock()
	added := 0
	for _, t := range trades {
		if _, ok := b.trades[t.ID]; ok || b.done.Contains(t.ID) {
			continue
		}
		if t.SettlementStatus.Terminal() {
			b.done.Add(t.ID, t.SettlementStatus)
			continue
		}
		if t.SettlementStatus == "" {
			t.SettlementStatus = domain.SettlementPending
		}
		cp := t
		b.trades[t.ID] = &cp
		b.queue = append(b.queue, t.ID)
		added++
	}
	full := b.readyLocked(b.now()) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return added
}

// readyLocked counts, up to MaxBatchSize, the trades the next flush would
// claim. Retries still backing off and trades already in flight do not count.
func (b *Batcher) readyLocked(now time.Time) int {
	n := 0
	for _, id := range b.queue {
		if n >= b.cfg.MaxBatchSize {
			break
		}
		t, ok := b.trades[id]
		if !ok {
			continue
		}
		if _, busy := b.claimed[id]; busy || !eligible(t, now) {
			continue
		}
		n++
	}
	return n
}

func eligible(t *domain.Trade, now time.Time) bool {
	return t.SettlementStatus != domain.SettlementBatched || t.NextAttemptAt == nil || !t.NextAttemptAt.After(now)
}

// Get returns a tracked trade's current settlement state.
func (b *Batcher) Get(id string) (domain.Trade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trades[id]
	if !ok {
		return domain.Trade{}, false
	}
	return *t, true
}

// Outstanding returns the number of non-terminal trades.
func (b *Batcher) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.trades)
}

// Observe registers o for services built on top of the batcher itself. Call
// it before Run.
func (b *Batcher) Observe(o Observer) {
	b.observers = append(b.observers, o)
}

// Run flushes on every interval tick, or early when the batch fills up.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	b.logger.Info("settlement batcher started",
		slog.Duration("interval", b.cfg.Interval),
		slog.Int("max_batch", b.cfg.MaxBatchSize),
		slog.Int("max_attempts", b.cfg.MaxAttempts),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-b.kick:
			ticker.Reset(b.cfg.Interval)
		}
		b.tick(ctx)
	}
}

func (b *Batcher) tick(ctx context.Context) {
	if b.lock != nil {
		unlock, err := b.lock.Acquire(ctx, b.cfg.LeaderKey, b.cfg.LeaderTTL)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				b.logger.Warn("leader lock failed", slog.String("error", err.Error()))
			}
			return
		}
		defer unlock()
	}
	if _, err := b.Flush(ctx); err != nil {
		b.logger.Warn("flush failed", slog.String("error", err.Error()))
	}
}

// Flush settles every Pending trade and every Batched trade whose backoff has
// elapsed, up to MaxBatchSize, in one external call. The returned error is
// the transport error of that call, if any; per-trade state is already
// updated when Flush returns.
func (b *Batcher) Flush(ctx context.Context) (FlushReport, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	now := b.now()
	batch := b.claim(now)
	if len(batch) == 0 {
		return FlushReport{}, nil
	}
	b.persist(ctx, batch)

	var (
		report  FlushReport
		instrs  []domain.SettlementInstruction
		pending []*domain.Trade
	)
	for i := range batch {
		t := &batch[i]
		maker, taker, err := b.resolver.Resolve(t.MakerOrderID, t.TakerOrderID)
		if err != nil {
			b.deferTrade(t, err, now)
			if t.SettlementStatus == domain.SettlementFailed {
				report.Failed++
			} else {
				report.Deferred++
			}
			continue
		}
		if b.classifier != nil {
			kind, err := b.classifier.Classify(ctx, *t)
			if err != nil {
				b.logger.Warn("classify trade failed, settling direct",
					slog.String("trade_id", t.ID), slog.String("error", err.Error()))
				kind = domain.SettlementDirect
			}
			t.Kind = kind
		}
		if t.Kind == "" {
			t.Kind = domain.SettlementDirect
		}
		instrs = append(instrs, domain.SettlementInstruction{
			TradeID:         t.ID,
			MakerExternalID: maker,
			TakerExternalID: taker,
			MarketID:        t.MarketID,
			Outcome:         t.Outcome,
			Price:           t.Price,
			Size:            t.Size,
			Kind:            t.Kind,
			Buyer:           t.Buyer(),
			Seller:          t.Seller(),
		})
		pending = append(pending, t)
	}

	var callErr error
	if len(instrs) > 0 {
		report.Submitted = len(instrs)
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		start := time.Now()
		results, err := b.settler.SettleBatch(callCtx, instrs)
		cancel()
		took := time.Since(start)

		if err != nil {
			callErr = fmt.Errorf("settlement: batch of %d: %w: %w", len(instrs), domain.ErrSettlementTransport, err)
			for _, t := range pending {
				b.attemptFailed(t, callErr, now)
			}
		} else {
			byID := make(map[string]domain.SettlementResult, len(results))
			for _, r := range results {
				byID[r.TradeID] = r
			}
			for _, t := range pending {
				r, ok := byID[t.ID]
				switch {
				case !ok:
					b.attemptFailed(t, errors.New("no result returned for trade"), now)
				case r.Err != nil:
					b.attemptFailed(t, r.Err, now)
				default:
					settledAt := now
					t.SettlementStatus = domain.SettlementSettled
					t.SettledAt = &settledAt
					t.TxHash = r.TxHash
					t.NextAttemptAt = nil
					t.LastError = ""
				}
			}
		}
		for _, o := range b.observers {
			o.BatchCompleted(len(instrs), took, callErr)
		}
		for _, t := range pending {
			switch t.SettlementStatus {
			case domain.SettlementSettled:
				report.Settled++
			case domain.SettlementFailed:
				report.Failed++
			default:
				report.Retrying++
			}
		}
	}

	b.commit(ctx, batch)
	b.logger.Info("settlement flush",
		slog.Int("claimed", len(batch)),
		slog.Int("submitted", report.Submitted),
		slog.Int("settled", report.Settled),
		slog.Int("retrying", report.Retrying),
		slog.Int("deferred", report.Deferred),
		slog.Int("failed", report.Failed),
	)
	return report, callErr
}

// claim moves eligible trades to Batched and returns copies of them.
func (b *Batcher) claim(now time.Time) []domain.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	var batch []domain.Trade
	kept := b.queue[:0]
	for _, id := range b.queue {
		t, ok := b.trades[id]
		if !ok {
			continue
		}
		kept = append(kept, id)
		if len(batch) >= b.cfg.MaxBatchSize {
			continue
		}
		if !eligible(t, now) {
			continue
		}
		t.SettlementStatus = domain.SettlementBatched
		b.claimed[id] = struct{}{}
		batch = append(batch, *t)
	}
	b.queue = kept
	return batch
}

func (b *Batcher) attemptFailed(t *domain.Trade, cause error, now time.Time) {
	t.AttemptCount++
	if t.AttemptCount >= b.cfg.MaxAttempts {
		t.SettlementStatus = domain.SettlementFailed
		t.LastError = fmt.Sprintf("%s after %d attempts: %s", domain.ErrSettlementTerminal, t.AttemptCount, cause)
		t.NextAttemptAt = nil
		return
	}
	next := now.Add(retryDelay(b.cfg.BaseBackoff, b.cfg.MaxBackoff, t.AttemptCount))
	t.LastError = cause.Error()
	t.NextAttemptAt = &next
}

// deferTrade keeps a trade whose counterpart ids are not bound yet. Deferrals do
// not consume settlement attempts.
func (b *Batcher) deferTrade(t *domain.Trade, cause error, now time.Time) {
	t.Deferrals++
	if t.Deferrals >= b.cfg.MaxDeferrals {
		t.SettlementStatus = domain.SettlementFailed
		t.LastError = fmt.Sprintf("%s after %d deferrals: %s", domain.ErrSettlementTerminal, t.Deferrals, cause)
		t.NextAttemptAt = nil
		return
	}
	next := now.Add(retryDelay(b.cfg.BaseBackoff, b.cfg.MaxBackoff, t.Deferrals))
	t.LastError = cause.Error()
	t.NextAttemptAt = &next
}

// commit writes flushed state back, retiring terminal trades.
func (b *Batcher) commit(ctx context.Context, batch []domain.Trade) {
	b.mu.Lock()
	for i := range batch {
		t := batch[i]
		delete(b.claimed, t.ID)
		if t.SettlementStatus.Terminal() {
			delete(b.trades, t.ID)
			b.done.Add(t.ID, t.SettlementStatus)
			continue
		}
		if cur, ok := b.trades[t.ID]; ok {
			*cur = t
		}
	}
	b.mu.Unlock()

	b.persist(ctx, batch)

	for _, t := range batch {
		switch t.SettlementStatus {
		case domain.SettlementSettled:
			b.release(t)
			for _, o := range b.observers {
				o.TradeSettled(t)
			}
		case domain.SettlementFailed:
			b.release(t)
			b.logger.Error("trade settlement failed, manual reconciliation required",
				slog.String("trade_id", t.ID),
				slog.String("book", t.Key().String()),
				slog.Int("attempts", t.AttemptCount),
				slog.Int("deferrals", t.Deferrals),
				slog.String("error", t.LastError),
			)
			for _, o := range b.observers {
				o.TradeFailed(t)
			}
		default:
			for _, o := range b.observers {
				o.TradeRetrying(t)
			}
		}
	}
}

func (b *Batcher) release(t domain.Trade) {
	b.resolver.Done(t.MakerOrderID)
	b.resolver.Done(t.TakerOrderID)
}

func (b *Batcher) persist(ctx context.Context, trades []domain.Trade) {
	if b.store == nil || len(trades) == 0 {
		return
	}
	if err := b.store.SaveBatch(ctx, trades); err != nil {
		b.logger.Warn("persist settlement state failed",
			slog.Int("trades", len(trades)), slog.String("error", err.Error()))
	}
}
