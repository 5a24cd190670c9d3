package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotOwner      = errors.New("order belongs to another account")
	ErrLockHeld      = errors.New("lock already held")

	// ErrValidation rejects a submission synchronously. Not retried.
	ErrValidation = errors.New("invalid order")
	// ErrInvariantViolation marks a book that was left crossed after matching.
	ErrInvariantViolation = errors.New("book invariant violated")
	ErrBookHalted         = errors.New("book halted")
	ErrMapperFull         = errors.New("order id mapper full")

	// ErrMappingMiss is a recoverable settlement deferral.
	ErrMappingMiss         = errors.New("external order id not found")
	ErrSettlementTransport = errors.New("settlement transport failure")
	ErrSettlementTerminal  = errors.New("settlement retries exhausted")
)

// InvariantViolation describes a crossed book detected after a matching pass.
type InvariantViolation struct {
	Book    BookKey
	BestBid int64
	BestAsk int64
	OrderID string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: crossed book %s after order %s (bid %d >= ask %d)",
		ErrInvariantViolation, e.Book, e.OrderID, e.BestBid, e.BestAsk)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }

// Validationf builds an ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
