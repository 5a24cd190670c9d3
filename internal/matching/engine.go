// Package matching runs price-time priority matching over per market+outcome
// books. Each book has its own lock; independent books match in parallel.
package matching

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/idmap"
	"github.com/alanyoungcy/polymatch/internal/orderbook"
)

// SubmitResult carries copies of every order a submission touched.
type SubmitResult struct {
	Order   domain.Order
	Trades  []domain.Trade
	Makers  []domain.Order // resting orders filled by this submission
	Expired []domain.Order // swept before matching
}

// CancelResult reports a cancel. AlreadyResolved means the order was not
// resting: it was filled, cancelled, expired or never existed.
type CancelResult struct {
	OrderID         string
	Order           *domain.Order
	AlreadyResolved bool
}

type bookWorker struct {
	mu     sync.Mutex
	book   *orderbook.Book
	halted *domain.InvariantViolation
	snap   atomic.Pointer[domain.BookSnapshot]
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides uuid generation for orders and trades.
func WithIDGenerator(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// WithHaltHandler registers a callback invoked when a book halts. It runs
// with the book lock held and must not call back into the engine.
func WithHaltHandler(fn func(domain.BookKey, *domain.InvariantViolation, domain.BookSnapshot)) Option {
	return func(e *Engine) { e.onHalt = fn }
}

// Engine owns all books and is the only writer to them.
type Engine struct {
	mapper *idmap.Mapper
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
	onHalt func(domain.BookKey, *domain.InvariantViolation, domain.BookSnapshot)
	seq    atomic.Uint64

	mu    sync.RWMutex
	books map[domain.BookKey]*bookWorker

	locMu  sync.RWMutex
	locate map[string]domain.BookKey // resting order id -> book
}

// New creates an engine that binds external ids in mapper.
func New(mapper *idmap.Mapper, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		mapper: mapper,
		logger: logger.With(slog.String("component", "matching")),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		books:  make(map[domain.BookKey]*bookWorker),
		locate: make(map[string]domain.BookKey),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) worker(key domain.BookKey, create bool) *bookWorker {
	e.mu.RLock()
	w, ok := e.books[key]
	e.mu.RUnlock()
	if ok || !create {
		return w
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok = e.books[key]; ok {
		return w
	}
	w = &bookWorker{book: orderbook.New(key)}
	snap := w.book.Snapshot(0, e.now())
	w.snap.Store(&snap)
	e.books[key] = w
	return w
}

// Submit validates, matches and, for limit orders, rests the remainder. On an
// invariant violation the result still carries the trades that executed
// before the book halted.
func (e *Engine) Submit(in domain.Order) (SubmitResult, error) {
	now := e.now()
	o := in
	if o.ID == "" {
		o.ID = e.newID()
	}
	if o.ExternalID == "" {
		o.ExternalID = o.ID
	}
	o.FilledAmount = 0
	o.Status = domain.OrderStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	if err := orderbook.Validate(&o, now); err != nil {
		return SubmitResult{Order: o}, fmt.Errorf("matching: submit: %w", err)
	}

	w := e.worker(o.Key(), true)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halted != nil {
		return SubmitResult{Order: o}, fmt.Errorf("matching: submit to %s: %w", o.Key(), domain.ErrBookHalted)
	}
	// Sequence is taken under the book lock so arrival order matches rank.
	o.Sequence = e.seq.Add(1)

	var res SubmitResult
	for _, x := range w.book.SweepExpired(now) {
		e.retire(x.ID)
		res.Expired = append(res.Expired, *x)
	}

	if err := e.mapper.Bind(o.ID, o.ExternalID); err != nil {
		e.publish(w, now)
		res.Order = o
		return res, fmt.Errorf("matching: submit: %w", err)
	}

	res.Trades, res.Makers = e.match(w.book, &o, now)

	switch o.Type {
	case domain.OrderTypeMarket:
		// Immediate-or-cancel: the unfilled remainder never rests.
		if o.Remaining() > 0 {
			o.Cancel(now)
		}
	case domain.OrderTypeLimit:
		if o.Remaining() > 0 {
			// Rest a heap copy; the book owns it from here on.
			resting := o
			if err := w.book.Insert(&resting, now); err != nil {
				e.mapper.Release(o.ID)
				e.publish(w, now)
				res.Order = o
				return res, fmt.Errorf("matching: rest %s: %w", o.ID, err)
			}
			e.track(o.ID, o.Key())
		}
	}
	if o.IsTerminal() {
		e.mapper.Release(o.ID)
	}
	res.Order = o

	err := e.checkCrossed(w, o.ID, now)
	e.publish(w, now)
	if err != nil {
		return res, err
	}

	if len(res.Trades) > 0 {
		e.logger.Debug("order matched",
			slog.String("order_id", o.ID),
			slog.String("book", o.Key().String()),
			slog.Int("trades", len(res.Trades)),
			slog.Int64("filled", o.FilledAmount),
			slog.String("status", string(o.Status)),
		)
	}
	return res, nil
}

// match is the single matching routine for every order type. The book lock
// must be held.
func (e *Engine) match(book *orderbook.Book, taker *domain.Order, now time.Time) ([]domain.Trade, []domain.Order) {
	var (
		trades []domain.Trade
		makers []domain.Order
	)
	opposite := taker.Side.Opposite()
	for taker.Remaining() > 0 {
		maker := book.Best(opposite)
		if maker == nil || !taker.Crosses(maker) {
			break
		}
		qty := min(taker.Remaining(), maker.Remaining())
		trade := domain.Trade{
			ID:               e.newID(),
			MakerOrderID:     maker.ID,
			TakerOrderID:     taker.ID,
			MarketID:         taker.MarketID,
			Outcome:          taker.Outcome,
			Price:            maker.Price,
			Size:             qty,
			MakerAccount:     maker.Owner,
			TakerAccount:     taker.Owner,
			TakerSide:        taker.Side,
			ExecutedAt:       now,
			SettlementStatus: domain.SettlementPending,
			Kind:             domain.SettlementDirect,
		}
		taker.Fill(qty, now)
		if _, err := book.Fill(maker.ID, qty, now); err != nil {
			// Best returned it under the same lock.
			panic(err)
		}
		e.mapper.Retain(maker.ID)
		e.mapper.Retain(taker.ID)
		if maker.IsTerminal() {
			e.retire(maker.ID)
		}
		trades = append(trades, trade)
		makers = append(makers, *maker)
	}
	return trades, makers
}

// checkCrossed halts the book if matching left it crossed. The book lock must
// be held.
func (e *Engine) checkCrossed(w *bookWorker, orderID string, now time.Time) error {
	bid, ask, crossed := w.book.Crossed()
	if !crossed {
		return nil
	}
	v := &domain.InvariantViolation{Book: w.book.Key(), BestBid: bid, BestAsk: ask, OrderID: orderID}
	w.halted = v
	full := w.book.Snapshot(0, now)
	full.Halted = true
	e.logger.Error("book halted: crossed after matching",
		slog.String("book", v.Book.String()),
		slog.String("order_id", orderID),
		slog.Int64("best_bid", bid),
		slog.Int64("best_ask", ask),
		slog.Any("bids", full.Bids),
		slog.Any("asks", full.Asks),
		slog.Any("resting", w.book.Orders(domain.OrderSideBuy)),
		slog.Any("resting_asks", w.book.Orders(domain.OrderSideSell)),
	)
	if e.onHalt != nil {
		e.onHalt(v.Book, v, full)
	}
	return fmt.Errorf("matching: %w", v)
}

func (e *Engine) publish(w *bookWorker, now time.Time) {
	snap := w.book.Snapshot(0, now)
	snap.Halted = w.halted != nil
	w.snap.Store(&snap)
}

func (e *Engine) track(id string, key domain.BookKey) {
	e.locMu.Lock()
	e.locate[id] = key
	e.locMu.Unlock()
}

// retire forgets a resting order that reached a terminal status.
func (e *Engine) retire(id string) {
	e.locMu.Lock()
	delete(e.locate, id)
	e.locMu.Unlock()
	e.mapper.Release(id)
}

// Cancel removes a resting order. Losing a race with a fill is not an error.
// Cancels are accepted on a halted book so liquidity can be withdrawn.
func (e *Engine) Cancel(orderID, owner string) (CancelResult, error) {
	res := CancelResult{OrderID: orderID}
	e.locMu.RLock()
	key, ok := e.locate[orderID]
	e.locMu.RUnlock()
	if !ok {
		res.AlreadyResolved = true
		return res, nil
	}

	w := e.worker(key, false)
	if w == nil {
		res.AlreadyResolved = true
		return res, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	o, ok := w.book.Get(orderID)
	if !ok {
		res.AlreadyResolved = true
		return res, nil
	}
	if owner != "" && o.Owner != owner {
		return res, fmt.Errorf("matching: cancel %s: %w", orderID, domain.ErrNotOwner)
	}
	now := e.now()
	w.book.Remove(orderID)
	o.Cancel(now)
	e.retire(orderID)
	e.publish(w, now)

	cp := *o
	res.Order = &cp
	return res, nil
}

// SweepExpired expires resting orders across every book.
func (e *Engine) SweepExpired() []domain.Order {
	now := e.now()
	var out []domain.Order
	for _, w := range e.workers() {
		w.mu.Lock()
		swept := w.book.SweepExpired(now)
		for _, o := range swept {
			e.retire(o.ID)
			out = append(out, *o)
		}
		if len(swept) > 0 {
			e.publish(w, now)
		}
		w.mu.Unlock()
	}
	return out
}

func (e *Engine) workers() []*bookWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*bookWorker, 0, len(e.books))
	for _, w := range e.books {
		out = append(out, w)
	}
	return out
}

// Snapshot returns the latest published view of a book without taking the
// book lock. Depth of zero or less returns every level.
func (e *Engine) Snapshot(key domain.BookKey, depth int) (domain.BookSnapshot, bool) {
	w := e.worker(key, false)
	if w == nil {
		return domain.BookSnapshot{MarketID: key.MarketID, Outcome: key.Outcome, Timestamp: e.now()}, false
	}
	snap := *w.snap.Load()
	if depth > 0 {
		snap.Bids = snap.Bids[:min(depth, len(snap.Bids))]
		snap.Asks = snap.Asks[:min(depth, len(snap.Asks))]
	}
	return snap, true
}

// Books lists every book the engine has seen.
func (e *Engine) Books() []domain.BookKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]domain.BookKey, 0, len(e.books))
	for k := range e.books {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Halted returns the violation that halted a book, or nil.
func (e *Engine) Halted(key domain.BookKey) error {
	w := e.worker(key, false)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.halted == nil {
		return nil
	}
	return w.halted
}

// Resume clears a halt once an operator has uncrossed the book.
func (e *Engine) Resume(key domain.BookKey) error {
	w := e.worker(key, false)
	if w == nil {
		return fmt.Errorf("matching: resume %s: %w", key, domain.ErrNotFound)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if bid, ask, crossed := w.book.Crossed(); crossed {
		return fmt.Errorf("matching: resume %s: %w", key,
			&domain.InvariantViolation{Book: key, BestBid: bid, BestAsk: ask})
	}
	w.halted = nil
	e.publish(w, e.now())
	e.logger.Info("book resumed", slog.String("book", key.String()))
	return nil
}

// RestoreResult reports what Restore did with the persisted orders.
type RestoreResult struct {
	// Restored counts orders put back on a book.
	Restored int
	// Expired holds orders whose deadline passed while the process was down.
	Expired []domain.Order
}

// Restore rests previously persisted open orders without matching them, in
// sequence order. Orders whose deadline passed while the process was down are
// expired and returned. A restored book that comes back crossed is halted.
func (e *Engine) Restore(orders []domain.Order) (RestoreResult, error) {
	now := e.now()
	sorted := make([]domain.Order, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var (
		res     RestoreResult
		errs    []error
		touched = make(map[domain.BookKey]string)
	)
	for i := range sorted {
		o := sorted[i]
		if o.IsTerminal() || o.Type != domain.OrderTypeLimit {
			continue
		}
		if o.Sequence > e.seq.Load() {
			e.seq.Store(o.Sequence)
		}
		if o.Expired(now) {
			o.Expire(now)
			res.Expired = append(res.Expired, o)
			continue
		}
		if o.ExternalID == "" {
			o.ExternalID = o.ID
		}
		if err := e.mapper.Bind(o.ID, o.ExternalID); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		w := e.worker(o.Key(), true)
		w.mu.Lock()
		err := w.book.Insert(&o, now)
		w.mu.Unlock()
		if err != nil {
			e.mapper.Release(o.ID)
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		e.track(o.ID, o.Key())
		touched[o.Key()] = o.ID
		res.Restored++
	}

	for key, last := range touched {
		w := e.worker(key, false)
		w.mu.Lock()
		if err := e.checkCrossed(w, last, now); err != nil {
			errs = append(errs, err)
		}
		e.publish(w, now)
		w.mu.Unlock()
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("matching: restore: %w", errors.Join(errs...))
	}
	return res, nil
}
