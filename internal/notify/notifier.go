// Package notify pushes operator alerts (failed settlements, halted books) to
// chat channels. Alerts are filtered by event type so operators receive only
// the ones they care about.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// Event types accepted by Notify.
const (
	EventSettlementFailed = "settlement_failed"
	EventBookHalted       = "book_halted"
	EventBookResumed      = "book_resumed"
)

// Sender delivers one alert to a chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to its senders. An empty event list lets every
// event through.
type Notifier struct {
	senders []Sender
	allow   map[string]struct{}
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allow := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allow[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		allow:   allow,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

func (n *Notifier) wants(event string) bool {
	if len(n.allow) == 0 {
		return true
	}
	_, ok := n.allow[event]
	return ok
}

// Notify delivers title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.wants(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// SettlementFailed alerts that a trade exhausted its settlement attempts.
func (n *Notifier) SettlementFailed(ctx context.Context, t domain.Trade) error {
	msg := fmt.Sprintf("trade %s on %s: %d @ %d after %d attempts\nbuyer %s, seller %s\nlast error: %s",
		t.ID, t.Key(), t.Size, t.Price, t.AttemptCount, t.Buyer(), t.Seller(), t.LastError)
	return n.Notify(ctx, EventSettlementFailed, "Settlement failed", msg)
}

// BookHalted alerts that a book stopped accepting orders.
func (n *Notifier) BookHalted(ctx context.Context, v *domain.InvariantViolation) error {
	msg := fmt.Sprintf("book %s crossed after order %s: best bid %d >= best ask %d",
		v.Book, v.OrderID, v.BestBid, v.BestAsk)
	return n.Notify(ctx, EventBookHalted, "Book halted", msg)
}

// BookResumed reports an operator resume.
func (n *Notifier) BookResumed(ctx context.Context, key domain.BookKey) error {
	return n.Notify(ctx, EventBookResumed, "Book resumed", "book "+key.String()+" is accepting orders again")
}

// dispatch tries every sender and joins their failures.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		err := s.Send(ctx, title, message)
		if err == nil {
			continue
		}
		n.logger.ErrorContext(ctx, "sender failed",
			slog.String("sender", s.Name()),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// postJSON posts payload and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
}
