package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// Alerter delivers operator notifications.
type Alerter interface {
	SettlementFailed(ctx context.Context, t domain.Trade) error
	BookHalted(ctx context.Context, v *domain.InvariantViolation) error
	BookResumed(ctx context.Context, key domain.BookKey) error
}

// HaltGauge tracks how many books are halted.
type HaltGauge interface {
	SetHaltedBooks(n int)
}

// Alerts turns halts and terminal settlement failures into notifications and
// audit entries. It is registered both as the engine's halt handler and as a
// settlement observer, so none of its methods block the caller.
type Alerts struct {
	alerter Alerter
	audit   domain.AuditStore
	gauge   HaltGauge
	logger  *slog.Logger

	mu     sync.Mutex
	halted map[domain.BookKey]struct{}
	wg     sync.WaitGroup
}

// NewAlerts creates an Alerts. Any collaborator may be nil.
func NewAlerts(alerter Alerter, audit domain.AuditStore, gauge HaltGauge, logger *slog.Logger) *Alerts {
	return &Alerts{
		alerter: alerter,
		audit:   audit,
		gauge:   gauge,
		logger:  logger.With(slog.String("component", "alerts")),
		halted:  make(map[domain.BookKey]struct{}),
	}
}

// OnHalt matches the engine halt handler signature.
func (a *Alerts) OnHalt(key domain.BookKey, v *domain.InvariantViolation, snap domain.BookSnapshot) {
	a.mu.Lock()
	a.halted[key] = struct{}{}
	n := len(a.halted)
	a.mu.Unlock()
	if a.gauge != nil {
		a.gauge.SetHaltedBooks(n)
	}

	detail := map[string]any{
		"book":     key.String(),
		"order_id": v.OrderID,
		"best_bid": v.BestBid,
		"best_ask": v.BestAsk,
		"bids":     snap.Bids,
		"asks":     snap.Asks,
	}
	a.async(func(ctx context.Context) {
		a.logAudit(ctx, "book.halted", detail)
		if a.alerter != nil {
			if err := a.alerter.BookHalted(ctx, v); err != nil {
				a.logger.WarnContext(ctx, "halt alert failed",
					slog.String("book", key.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

// Resumed clears a halt recorded by OnHalt.
func (a *Alerts) Resumed(ctx context.Context, key domain.BookKey) {
	a.mu.Lock()
	delete(a.halted, key)
	n := len(a.halted)
	a.mu.Unlock()
	if a.gauge != nil {
		a.gauge.SetHaltedBooks(n)
	}
	if a.alerter != nil {
		if err := a.alerter.BookResumed(ctx, key); err != nil {
			a.logger.WarnContext(ctx, "resume alert failed",
				slog.String("book", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// HaltedBooks returns the number of books currently halted.
func (a *Alerts) HaltedBooks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.halted)
}

func (a *Alerts) BatchCompleted(int, time.Duration, error) {}
func (a *Alerts) TradeRetrying(domain.Trade)               {}
func (a *Alerts) TradeSettled(domain.Trade)                {}

// TradeFailed alerts on a trade that exhausted its settlement attempts.
func (a *Alerts) TradeFailed(t domain.Trade) {
	a.async(func(ctx context.Context) {
		a.logAudit(ctx, "trade.settlement_failed", map[string]any{
			"trade_id":   t.ID,
			"book":       t.Key().String(),
			"attempts":   t.AttemptCount,
			"deferrals":  t.Deferrals,
			"last_error": t.LastError,
		})
		if a.alerter != nil {
			if err := a.alerter.SettlementFailed(ctx, t); err != nil {
				a.logger.WarnContext(ctx, "settlement alert failed",
					slog.String("trade_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

// Wait blocks until in-flight alerts are delivered.
func (a *Alerts) Wait() { a.wg.Wait() }

func (a *Alerts) async(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (a *Alerts) logAudit(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
