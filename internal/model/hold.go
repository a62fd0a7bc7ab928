package model

import "time"

// Hold statuses. A hold starts active and moves exactly once into one
// of the terminal statuses, after which its fast-store record is
// deleted (the durable order row keeps the hold id for audit).
const (
	HoldStatusActive        = "active"
	HoldStatusUsed          = "used"
	HoldStatusExpired       = "expired"
	HoldStatusPaymentFailed = "payment_failed"
)

// Hold is a time-limited reservation of product units. Holds live only
// in the fast store; they are ephemeral by design and age out after
// their TTL unless converted into a paid order first.
//
// Fields:
//  ID             – UUID assigned at creation.
//  ProductID      – product the units are reserved against.
//  Qty            – number of units reserved (positive).
//  Status         – active | used | expired | payment_failed.
//  CreatedAt      – when the hold was created.
//  ExpiresAt      – when the hold ages out.
//  ExpiresAtEpoch – ExpiresAt as unix seconds; score in the expiring index.
//  Version        – stock version captured at creation.
//  LastAccessedAt – stamped when an order is created from the hold (audit).
type Hold struct {
	ID             string    // hold:{id} hash key suffix
	ProductID      uint64    // product_id field
	Qty            uint32    // qty field
	Status         string    // status field
	CreatedAt      time.Time // created_at field
	ExpiresAt      time.Time // expires_at field
	ExpiresAtEpoch int64     // expires_at_epoch field
	Version        int64     // version field
	LastAccessedAt time.Time // last_accessed_at field (zero until first order)
}

// Active reports whether the hold is still in the active status.
// It does not consider the expiry timestamp; see Expired.
func (h *Hold) Active() bool { return h.Status == HoldStatusActive }

// Expired reports whether the hold's expiry timestamp has passed at
// the supplied instant. The boundary is inclusive: a hold whose
// expires_at_epoch equals now is already expired.
func (h *Hold) Expired(now time.Time) bool {
	return h.ExpiresAtEpoch <= now.Unix()
}
