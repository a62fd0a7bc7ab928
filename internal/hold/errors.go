// Package hold owns the lifecycle of individual reservations: the hold
// hash, the per-product indices and the status set. Transitions out of
// the active status run as server-side scripts so the registry is never
// observable in a half-indexed state.
package hold

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the hold hash is absent, either because
// it never existed or because a terminal transition already deleted it.
var ErrNotFound = errors.New("hold not found")

// ErrAlreadyUsed is returned when an operation requires an active hold
// but the hold was already consumed by a paid order.
var ErrAlreadyUsed = errors.New("hold already used")

// ExpiredError is returned when an operation requires a live hold but
// the hold has aged out.
type ExpiredError struct {
	ExpiresAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("hold expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339))
}

// NotExpiredError is returned from Expire when the expiry gate fails:
// the hold is still live and may yet convert into an order.
type NotExpiredError struct {
	ExpiresAt        time.Time
	SecondsRemaining int64
}

func (e *NotExpiredError) Error() string {
	return fmt.Sprintf("hold not expired: %ds remaining (expires %s)",
		e.SecondsRemaining, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// InvalidError reports a hold in a state the requested operation cannot
// act on, with the reason spelled out for the client.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "invalid hold: " + e.Reason }
