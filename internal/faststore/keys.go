package faststore

import "strconv"

// Key builders for the literal wire contract. Every collaborator goes
// through these so the naming lives in exactly one place.

// HoldKey is the hash holding a single reservation's record.
func HoldKey(holdID string) string { return "hold:" + holdID }

// HoldKeyPrefix is the prefix passed to scripts that derive hold keys
// from ids server-side.
const HoldKeyPrefix = "hold:"

// AvailableKey is the per-product counter of units free to reserve.
func AvailableKey(productID uint64) string {
	return "available_stock:" + strconv.FormatUint(productID, 10)
}

// ReservedKey is the per-product counter of units held by active holds.
func ReservedKey(productID uint64) string {
	return "reserved_stock:" + strconv.FormatUint(productID, 10)
}

// VersionKey is the per-product monotonic mutation counter.
func VersionKey(productID uint64) string {
	return "stock_version:" + strconv.FormatUint(productID, 10)
}

// ActiveHoldsKey is the per-product sum of active hold quantities.
func ActiveHoldsKey(productID uint64) string {
	return "active_holds:" + strconv.FormatUint(productID, 10)
}

// ProductHoldsKey is the per-product set of live hold ids.
func ProductHoldsKey(productID uint64) string {
	return "product_holds:" + strconv.FormatUint(productID, 10)
}

// ExpiringIndexKey is the per-product sorted set of hold ids scored by
// expiry epoch seconds.
func ExpiringIndexKey(productID uint64) string {
	return "expiring_index:" + strconv.FormatUint(productID, 10)
}

// ExpiringIndexPattern matches every product's expiring index.
const ExpiringIndexPattern = "expiring_index:*"

// StatusSetKey is the set of hold ids currently in the given status.
// Only "active" is populated in practice; terminal holds are deleted.
func StatusSetKey(status string) string { return "holds_by_status:" + status }

// ExpireLockKey is the per-hold advisory lease taken by the reaper.
func ExpireLockKey(holdID string) string { return "expire_lock:" + holdID }

// StockInitKey is the short-lived guard serializing lazy counter
// initialization for a product.
func StockInitKey(productID uint64) string {
	return "stock_init:" + strconv.FormatUint(productID, 10)
}

// HeartbeatKey is the hash the reaper refreshes once per sweep.
const HeartbeatKey = "reaper:heartbeat"
