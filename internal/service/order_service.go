package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/matching"
)

// Matcher is the slice of the matching engine the service drives.
type Matcher interface {
	Submit(o domain.Order) (matching.SubmitResult, error)
	Cancel(orderID, owner string) (matching.CancelResult, error)
	SweepExpired() []domain.Order
	Snapshot(key domain.BookKey, depth int) (domain.BookSnapshot, bool)
	Books() []domain.BookKey
	Halted(key domain.BookKey) error
	Resume(key domain.BookKey) error
	Restore(orders []domain.Order) (matching.RestoreResult, error)
}

// TradeQueue accepts trades for settlement. Implemented by the settlement
// batcher.
type TradeQueue interface {
	Enqueue(trades ...domain.Trade) int
	Get(id string) (domain.Trade, bool)
}

// Recorder receives matching metrics.
type Recorder interface {
	OrderSubmitted(o domain.Order, trades []domain.Trade, took time.Duration)
	OrderRejected(reason string)
}

// SubmitRequest is an order as presented by a submitter.
type SubmitRequest struct {
	MarketID        string
	Outcome         domain.Outcome
	Side            domain.OrderSide
	Type            domain.OrderType
	Price           int64
	Size            int64
	ExpiresAt       *time.Time
	Owner           string
	ExternalOrderID string
}

// SubmitResponse reports the submitted order after matching.
type SubmitResponse struct {
	Order  domain.Order
	Trades []domain.Trade
}

// CancelResponse reports a cancel request.
type CancelResponse struct {
	OrderID         string
	Status          domain.OrderStatus
	AlreadyResolved bool
}

// OrderService handles the order lifecycle from submission to resting,
// filled, cancelled or expired, and hands matched trades to settlement.
type OrderService struct {
	engine Matcher
	queue  TradeQueue
	orders domain.OrderStore
	trades domain.TradeStore
	audit  domain.AuditStore
	out    fanout

	limiter   domain.RateLimiter
	rateLimit int
	rateWin   time.Duration

	recorder      Recorder
	alerts        *Alerts
	snapshotDepth int
	now           func() time.Time
	logger        *slog.Logger
}

// NewOrderService creates an OrderService with its required dependencies.
// Optional collaborators are attached with the With methods.
func NewOrderService(
	engine Matcher,
	queue TradeQueue,
	orders domain.OrderStore,
	trades domain.TradeStore,
	logger *slog.Logger,
) *OrderService {
	logger = logger.With(slog.String("component", "order_service"))
	return &OrderService{
		engine: engine,
		queue:  queue,
		orders: orders,
		trades: trades,
		out:    fanout{logger: logger},
		now:    time.Now,
		logger: logger,
	}
}

// WithAudit records order activity in the audit log.
func (s *OrderService) WithAudit(audit domain.AuditStore) *OrderService {
	s.audit = audit
	return s
}

// WithRateLimit caps submissions per owner to limit per window. A limit of
// zero disables the check.
func (s *OrderService) WithRateLimit(limiter domain.RateLimiter, limit int, window time.Duration) *OrderService {
	s.limiter = limiter
	s.rateLimit = limit
	s.rateWin = window
	return s
}

// WithSignalBus publishes order, trade and book events.
func (s *OrderService) WithSignalBus(bus domain.SignalBus) *OrderService {
	s.out.bus = bus
	return s
}

// WithEventPublisher streams executed trades downstream.
func (s *OrderService) WithEventPublisher(p domain.EventPublisher) *OrderService {
	s.out.stream = p
	return s
}

// WithBookCache mirrors book snapshots to a shared cache.
func (s *OrderService) WithBookCache(c domain.BookCache) *OrderService {
	s.out.books = c
	return s
}

func (s *OrderService) WithRecorder(r Recorder) *OrderService {
	s.recorder = r
	return s
}

// WithAlerts reports operator resumes.
func (s *OrderService) WithAlerts(a *Alerts) *OrderService {
	s.alerts = a
	return s
}

// WithSnapshotDepth limits the levels published per side. Zero publishes
// every level.
func (s *OrderService) WithSnapshotDepth(depth int) *OrderService {
	s.snapshotDepth = depth
	return s
}

// Submit matches an order and persists everything it touched. When the
// book halts during matching the trades that executed are still persisted
// and settled, and the invariant error is returned alongside them.
func (s *OrderService) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if err := s.allow(ctx, req.Owner); err != nil {
		s.reject(err)
		return SubmitResponse{}, err
	}

	start := s.now()
	res, err := s.engine.Submit(domain.Order{
		ExternalID: req.ExternalOrderID,
		MarketID:   req.MarketID,
		Outcome:    req.Outcome,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Size:       req.Size,
		Owner:      req.Owner,
		ExpiresAt:  req.ExpiresAt,
	})
	took := s.now().Sub(start)

	var violation *domain.InvariantViolation
	if err != nil && !errors.As(err, &violation) {
		s.reject(err)
		if len(res.Expired) > 0 {
			s.persistOrders(ctx, res.Expired)
			s.out.orders(ctx, "order_expired", res.Expired...)
			s.publishBook(ctx, res.Order.Key())
		}
		return SubmitResponse{Order: res.Order}, err
	}

	touched := make([]domain.Order, 0, 1+len(res.Makers)+len(res.Expired))
	touched = append(touched, res.Expired...)
	touched = append(touched, res.Makers...)
	touched = append(touched, res.Order)
	s.persistOrders(ctx, touched)
	if len(res.Trades) > 0 {
		if perr := s.trades.SaveBatch(ctx, res.Trades); perr != nil {
			s.logger.ErrorContext(ctx, "persist trades failed",
				slog.String("order_id", res.Order.ID),
				slog.Int("trades", len(res.Trades)),
				slog.String("error", perr.Error()),
			)
		}
		s.queue.Enqueue(res.Trades...)
	}

	s.out.orders(ctx, "order_expired", res.Expired...)
	s.out.orders(ctx, "order_filled", res.Makers...)
	s.out.orders(ctx, "order_submitted", res.Order)
	s.out.trades(ctx, res.Trades)
	s.publishBook(ctx, res.Order.Key())

	if s.recorder != nil {
		s.recorder.OrderSubmitted(res.Order, res.Trades, took)
	}
	s.logAudit(ctx, "order.submitted", map[string]any{
		"order_id":      res.Order.ID,
		"external_id":   res.Order.ExternalID,
		"owner":         res.Order.Owner,
		"book":          res.Order.Key().String(),
		"side":          string(res.Order.Side),
		"type":          string(res.Order.Type),
		"price":         res.Order.Price,
		"size":          res.Order.Size,
		"filled_amount": res.Order.FilledAmount,
		"status":        string(res.Order.Status),
		"trades":        len(res.Trades),
	})

	s.logger.InfoContext(ctx, "order submitted",
		slog.String("order_id", res.Order.ID),
		slog.String("book", res.Order.Key().String()),
		slog.String("status", string(res.Order.Status)),
		slog.Int("trades", len(res.Trades)),
	)
	return SubmitResponse{Order: res.Order, Trades: res.Trades}, err
}

func (s *OrderService) allow(ctx context.Context, owner string) error {
	if s.limiter == nil || s.rateLimit <= 0 || owner == "" {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "submit:"+owner, s.rateLimit, s.rateWin)
	if err != nil {
		// A limiter outage must not stop matching.
		s.logger.WarnContext(ctx, "rate limiter unavailable",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return fmt.Errorf("order_service: submit for %s: %w", owner, domain.ErrRateLimited)
	}
	return nil
}

func (s *OrderService) reject(err error) {
	if s.recorder != nil {
		s.recorder.OrderRejected(RejectReason(err))
	}
}

// RejectReason maps a submit error to a short metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrBookHalted):
		return "halted"
	case errors.Is(err, domain.ErrMapperFull):
		return "mapper_full"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "duplicate"
	default:
		return "internal"
	}
}

// Cancel withdraws a resting order on behalf of owner. An order that was
// already filled, cancelled or expired is reported, not treated as an error.
func (s *OrderService) Cancel(ctx context.Context, orderID, owner string) (CancelResponse, error) {
	res, err := s.engine.Cancel(orderID, owner)
	if err != nil {
		return CancelResponse{OrderID: orderID}, err
	}
	if res.AlreadyResolved {
		out := CancelResponse{OrderID: orderID, AlreadyResolved: true}
		stored, err := s.orders.Get(ctx, orderID)
		switch {
		case err == nil:
			if owner != "" && stored.Owner != owner {
				return CancelResponse{OrderID: orderID}, fmt.Errorf("order_service: cancel %s: %w", orderID, domain.ErrNotOwner)
			}
			out.Status = stored.Status
		case errors.Is(err, domain.ErrNotFound):
			return out, fmt.Errorf("order_service: cancel %s: %w", orderID, domain.ErrNotFound)
		default:
			s.logger.WarnContext(ctx, "load cancelled order failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		return out, nil
	}

	o := *res.Order
	s.persistOrders(ctx, []domain.Order{o})
	s.out.orders(ctx, "order_cancelled", o)
	s.publishBook(ctx, o.Key())
	s.logAudit(ctx, "order.cancelled", map[string]any{
		"order_id":      o.ID,
		"owner":         o.Owner,
		"book":          o.Key().String(),
		"filled_amount": o.FilledAmount,
	})
	s.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", o.ID),
		slog.String("book", o.Key().String()),
	)
	return CancelResponse{OrderID: o.ID, Status: o.Status}, nil
}

// GetOrder returns the persisted state of an order.
func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %s: %w", id, err)
	}
	return o, nil
}

// Book returns the latest snapshot of a book. An unknown book is empty.
func (s *OrderService) Book(key domain.BookKey, depth int) domain.BookSnapshot {
	snap, _ := s.engine.Snapshot(key, depth)
	return snap
}

// Books lists the known books.
func (s *OrderService) Books() []domain.BookKey { return s.engine.Books() }

// Halted returns the violation that halted a book, or nil.
func (s *OrderService) Halted(key domain.BookKey) error { return s.engine.Halted(key) }

// Resume lets a halted book accept orders again once it is uncrossed.
func (s *OrderService) Resume(ctx context.Context, key domain.BookKey) error {
	if err := s.engine.Resume(key); err != nil {
		return err
	}
	if s.alerts != nil {
		s.alerts.Resumed(ctx, key)
	}
	s.publishBook(ctx, key)
	s.logAudit(ctx, "book.resumed", map[string]any{"book": key.String()})
	return nil
}

// SweepExpired expires every resting order past its deadline and persists
// the result.
func (s *OrderService) SweepExpired(ctx context.Context) int {
	expired := s.engine.SweepExpired()
	if len(expired) == 0 {
		return 0
	}
	s.persistOrders(ctx, expired)
	s.out.orders(ctx, "order_expired", expired...)
	books := make(map[domain.BookKey]struct{})
	for _, o := range expired {
		books[o.Key()] = struct{}{}
	}
	for key := range books {
		s.publishBook(ctx, key)
	}
	s.logger.InfoContext(ctx, "expired orders swept", slog.Int("count", len(expired)))
	return len(expired)
}

// RunExpirySweeper calls SweepExpired every interval until ctx is done.
func (s *OrderService) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepExpired(ctx)
		}
	}
}

func (s *OrderService) persistOrders(ctx context.Context, orders []domain.Order) {
	if len(orders) == 0 {
		return
	}
	if err := s.orders.SaveBatch(ctx, orders); err != nil {
		s.logger.ErrorContext(ctx, "persist orders failed",
			slog.Int("orders", len(orders)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) publishBook(ctx context.Context, key domain.BookKey) {
	snap, ok := s.engine.Snapshot(key, s.snapshotDepth)
	if !ok {
		return
	}
	s.out.book(ctx, snap)
}

func (s *OrderService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
