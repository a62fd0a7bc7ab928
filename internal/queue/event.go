// Package queue defines message payloads exchanged over the message broker.
package queue

// CheckoutFinalizedEvent is published when a webhook drives an order to a
// terminal state. It carries enough for downstream consumers to log,
// notify or feed analytics without querying the primary database.
type CheckoutFinalizedEvent struct {
	OrderID     uint64 `json:"order_id"`
	HoldID      string `json:"hold_id"`
	ProductID   uint64 `json:"product_id"`
	Qty         uint32 `json:"qty"`
	OrderState  string `json:"order_state"`
	Outcome     string `json:"outcome"`
	FinalizedAt string `json:"finalized_at"`
}

// HoldsExpiredEvent summarizes one reaper sweep that released inventory.
type HoldsExpiredEvent struct {
	ExpiredCount int64  `json:"expired_count"`
	QtyReleased  int64  `json:"qty_released"`
	SweptAt      string `json:"swept_at"`
	Host         string `json:"host"`
}
