package model

import "time"

// Idempotency statuses recorded at first sight of a webhook key.
const (
	IdempotencyStatusPaid   = "paid"
	IdempotencyStatusFailed = "failed"
)

// IdempotencyRecord pins the outcome observed for a webhook delivery
// key. A row exists exactly once per unique key; its presence means
// "this key has been seen and acted upon" and duplicate deliveries are
// answered from it without touching stock or order state.
//
// Fields:
//  ID        – auto-increment primary key.
//  Key       – caller-chosen idempotency key (unique).
//  OrderID   – order the delivery targeted.
//  Status    – paid | failed, mapped from the webhook status.
//  CreatedAt – first-seen timestamp.
//  UpdatedAt – last write timestamp.
type IdempotencyRecord struct {
	ID        uint64    // idempotency_keys.id
	Key       string    // idempotency_keys.idem_key
	OrderID   uint64    // idempotency_keys.order_id
	Status    string    // idempotency_keys.status
	CreatedAt time.Time // idempotency_keys.created_at
	UpdatedAt time.Time // idempotency_keys.updated_at
}
