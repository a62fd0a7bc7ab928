// Package stock maintains the per-product fast-store counters: available,
// reserved and a monotonic version. It owns reservation accounting; hold
// records themselves belong to the hold package.
package stock

import (
	"errors"
	"fmt"
)

// ErrConcurrentModification is returned after the bounded optimistic
// retry budget is spent without a clean commit. Handlers surface it as a
// 500 only once the pessimistic fallback has also failed.
var ErrConcurrentModification = errors.New("concurrent stock modification")

// ErrUninitialized is returned when a product's counters are absent and
// lazy initialization could not complete in time.
var ErrUninitialized = errors.New("stock counters not initialized")

// InsufficientStockError reports a reservation that asked for more units
// than are available. The snapshot lets the client retry informedly.
type InsufficientStockError struct {
	Available int64
	Reserved  int64
	Version   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available=%d reserved=%d version=%d",
		e.Available, e.Reserved, e.Version)
}

// InvalidReleaseError reports an attempt to release more units than are
// currently reserved, which would corrupt the accounting.
type InvalidReleaseError struct {
	Reserved int64
	Qty      uint32
}

func (e *InvalidReleaseError) Error() string {
	return fmt.Sprintf("invalid release: reserved=%d qty=%d", e.Reserved, e.Qty)
}
