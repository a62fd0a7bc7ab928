package hold

import "github.com/redis/go-redis/v9"

// Script status codes shared by the lifecycle scripts. Each script
// returns an array whose first element is one of these codes.
const (
	scriptOK         = 0 // success; payload follows
	scriptNotFound   = 1 // hold hash absent
	scriptNotActive  = 2 // hold exists but is not active; element 2 is the status
	scriptNotExpired = 3 // expiry gate failed; element 2 is expires_at_epoch
	scriptUnderflow  = 4 // reserved counter lower than the hold qty
)

// refundHoldScript terminalizes an active hold and returns its units to
// the available pool. It backs caller-initiated release, timeout-driven
// expiry and the webhook failure refund; ARGV[3] selects whether the
// expiry gate applies.
//
// KEYS: [1] hold hash, [2] available_stock, [3] reserved_stock,
// [4] stock_version, [5] active_holds, [6] product_holds,
// [7] expiring_index, [8] holds_by_status:active
// ARGV: [1] hold id, [2] now epoch seconds, [3] require-expired flag ("1"/"0")
// Returns: {0, qty, available, reserved, version} on success, else a
// status code per the constants above.
var refundHoldScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return {1}
end
if status ~= 'active' then
    return {2, status}
end
local qty = tonumber(redis.call('HGET', KEYS[1], 'qty'))
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at_epoch'))
if ARGV[3] == '1' and exp > tonumber(ARGV[2]) then
    return {3, exp}
end
local reserved = tonumber(redis.call('GET', KEYS[3]) or '0')
if reserved < qty then
    return {4, reserved}
end
local available = redis.call('INCRBY', KEYS[2], qty)
reserved = redis.call('DECRBY', KEYS[3], qty)
local version = redis.call('INCR', KEYS[4])
redis.call('DECRBY', KEYS[5], qty)
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[6], ARGV[1])
redis.call('ZREM', KEYS[7], ARGV[1])
redis.call('SREM', KEYS[8], ARGV[1])
return {0, qty, available, reserved, version}
`)

// commitHoldScript consumes an active hold after a confirmed payment:
// the reserved units leave the system permanently and available stays
// untouched. The durable products.stock decrement happens in the same
// webhook transaction before this script runs.
//
// KEYS: [1] hold hash, [2] reserved_stock, [3] stock_version,
// [4] active_holds, [5] product_holds, [6] expiring_index,
// [7] holds_by_status:active
// ARGV: [1] hold id
// Returns: {0, qty, reserved, version} on success, else a status code.
var commitHoldScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return {1}
end
if status ~= 'active' then
    return {2, status}
end
local qty = tonumber(redis.call('HGET', KEYS[1], 'qty'))
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
if reserved < qty then
    return {4, reserved}
end
reserved = redis.call('DECRBY', KEYS[2], qty)
local version = redis.call('INCR', KEYS[3])
redis.call('DECRBY', KEYS[4], qty)
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('SREM', KEYS[7], ARGV[1])
return {0, qty, reserved, version}
`)

// bulkExpireScript expires several holds of one product in a single
// round trip, applying one aggregate counter mutation. Holds that are no
// longer active or not yet expired are skipped; the script reports how
// many it actually expired.
//
// KEYS: [1] available_stock, [2] reserved_stock, [3] stock_version,
// [4] active_holds, [5] product_holds, [6] expiring_index,
// [7] holds_by_status:active
// ARGV: [1] now epoch seconds, [2] hold key prefix, [3..] hold ids
// Returns: {expired_count, total_qty, available, reserved, version}.
var bulkExpireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local count = 0
local total = 0
for i = 3, #ARGV do
    local id = ARGV[i]
    local hk = prefix .. id
    local status = redis.call('HGET', hk, 'status')
    if status == 'active' then
        local exp = tonumber(redis.call('HGET', hk, 'expires_at_epoch'))
        if exp ~= nil and exp <= now then
            local qty = tonumber(redis.call('HGET', hk, 'qty'))
            total = total + qty
            count = count + 1
            redis.call('DEL', hk)
            redis.call('SREM', KEYS[5], id)
            redis.call('ZREM', KEYS[6], id)
            redis.call('SREM', KEYS[7], id)
        end
    end
end
if count == 0 then
    local available = tonumber(redis.call('GET', KEYS[1]) or '0')
    local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
    local version = tonumber(redis.call('GET', KEYS[3]) or '0')
    return {0, 0, available, reserved, version}
end
local available = redis.call('INCRBY', KEYS[1], total)
local reserved = redis.call('DECRBY', KEYS[2], total)
local version = redis.call('INCR', KEYS[3])
redis.call('DECRBY', KEYS[4], total)
return {count, total, available, reserved, version}
`)
