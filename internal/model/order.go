package model

import "time"

// Order states. Orders are created in pending_payment and move exactly
// once to paid or cancelled by the webhook processor; they are never
// revived. Any other value read back from the database is treated as
// corrupt by the coordinator.
const (
	OrderStatePendingPayment = "pending_payment"
	OrderStatePaid           = "paid"
	OrderStateCancelled      = "cancelled"
)

// Order is the durable ledger entry created from a validated hold.
// It references its originating hold by id only; the hold record may
// already be gone from the fast store by the time the order settles.
//
// Fields:
//  ID        – auto-increment primary key.
//  HoldID    – UUID of the originating hold.
//  State     – pending_payment | paid | cancelled.
//  CreatedAt – creation timestamp.
//  UpdatedAt – last state-transition timestamp.
type Order struct {
	ID        uint64    // orders.id
	HoldID    string    // orders.hold_id
	State     string    // orders.state
	CreatedAt time.Time // orders.created_at
	UpdatedAt time.Time // orders.updated_at
}

// Finalized reports whether the order has reached a terminal state.
func (o *Order) Finalized() bool {
	return o.State == OrderStatePaid || o.State == OrderStateCancelled
}
