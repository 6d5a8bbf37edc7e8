package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput marks validation failures that must never be retried
// automatically.
var ErrInvalidInput = errors.New("invalid input")

// ErrSaleWindowClosed is returned when a booking is attempted outside
// an item's sale window.
var ErrSaleWindowClosed = errors.New("sale window closed")

// ErrDuplicateWaitlistEntry is returned when a customer already has an
// active entry on an item's waitlist.
var ErrDuplicateWaitlistEntry = errors.New("already on the waitlist for this item")

// ErrSignatureInvalid is returned when a webhook payload fails
// signature or timestamp verification. Logged as a security event.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrGateway marks payment gateway failures. The booking keeps its
// current state; the operation is retryable.
var ErrGateway = errors.New("payment gateway error")

// CapacityExceededError is returned by the capacity ledger when a
// reservation cannot be satisfied. It carries the item IDs that lacked
// capacity so callers can show what sold out.
type CapacityExceededError struct {
	UnavailableItems []string
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for items: %s", strings.Join(e.UnavailableItems, ", "))
}

// IsCapacityExceeded reports whether err is a CapacityExceededError and
// returns it if so.
func IsCapacityExceeded(err error) (*CapacityExceededError, bool) {
	var ce *CapacityExceededError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
