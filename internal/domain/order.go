package domain

import (
	"fmt"
	"time"
)

// MaxPrice is 100% probability in basis points.
const MaxPrice int64 = 10000

// Outcome selects the YES or NO token of a binary market.
type Outcome int

const (
	OutcomeYes Outcome = 0
	OutcomeNo  Outcome = 1
)

func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Opposite returns the complementary outcome token.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome accepts "yes"/"no" as well as "0"/"1".
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "yes", "YES", "0":
		return OutcomeYes, nil
	case "no", "NO", "1":
		return OutcomeNo, nil
	}
	return 0, Validationf("unknown outcome %q", s)
}

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side an order of this side matches against.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType selects the matching policy.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market" // immediate-or-cancel, never rests
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a limit or market order against one market+outcome book.
type Order struct {
	ID           string
	ExternalID   string
	MarketID     string
	Outcome      Outcome
	Side         OrderSide
	Type         OrderType
	Price        int64 // basis points, ignored for market orders
	Size         int64
	FilledAmount int64
	Status       OrderStatus
	Sequence     uint64 // monotonic arrival order, breaks price ties
	Owner        string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// Key returns the book this order belongs to.
func (o *Order) Key() BookKey {
	return BookKey{MarketID: o.MarketID, Outcome: o.Outcome}
}

// Remaining is the unfilled size.
func (o *Order) Remaining() int64 { return o.Size - o.FilledAmount }

func (o *Order) IsTerminal() bool { return o.Status.Terminal() }

// Expired reports whether the order's deadline is at or before now.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Fill records an execution of qty. Filling beyond the order size is a bug in
// the caller and panics.
func (o *Order) Fill(qty int64, now time.Time) {
	if qty <= 0 || qty > o.Remaining() || o.IsTerminal() {
		panic(fmt.Sprintf("domain: illegal fill of %d on order %s (filled %d/%d, %s)",
			qty, o.ID, o.FilledAmount, o.Size, o.Status))
	}
	o.FilledAmount += qty
	if o.FilledAmount == o.Size {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = now
}

// Cancel moves a live order to Cancelled. It returns false if the order had
// already reached a terminal status.
func (o *Order) Cancel(now time.Time) bool {
	if o.IsTerminal() {
		return false
	}
	o.Status = OrderStatusCancelled
	o.UpdatedAt = now
	return true
}

// Expire moves a live order to Expired.
func (o *Order) Expire(now time.Time) bool {
	if o.IsTerminal() {
		return false
	}
	o.Status = OrderStatusExpired
	o.UpdatedAt = now
	return true
}

// Crosses reports whether this order is price-compatible with a resting
// order on the opposite side.
func (o *Order) Crosses(resting *Order) bool {
	if o.Type == OrderTypeMarket {
		return true
	}
	if o.Side == OrderSideBuy {
		return o.Price >= resting.Price
	}
	return o.Price <= resting.Price
}
