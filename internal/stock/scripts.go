package stock

import "github.com/redis/go-redis/v9"

// Script status codes for the counter scripts below.
const (
	scriptOK            = 0
	scriptUninitialized = 1
	scriptInsufficient  = 2
	scriptUnderflow     = 3
)

// reserveScript moves qty units from available to reserved in one
// server-side step. It is the pessimistic-path workhorse, run while the
// caller holds the product's durable row lock so contended reservations
// serialize instead of spinning on WATCH conflicts.
//
// KEYS: [1] available_stock, [2] reserved_stock, [3] stock_version
// ARGV: [1] qty
// Returns: {0, available, reserved, version} or {1} when uninitialized
// or {2, available, reserved, version} when stock is short.
var reserveScript = redis.NewScript(`
local a = redis.call('GET', KEYS[1])
if not a then
    return {1}
end
a = tonumber(a)
local q = tonumber(ARGV[1])
if a < q then
    local r = tonumber(redis.call('GET', KEYS[2]) or '0')
    local v = tonumber(redis.call('GET', KEYS[3]) or '0')
    return {2, a, r, v}
end
a = redis.call('DECRBY', KEYS[1], q)
local r = redis.call('INCRBY', KEYS[2], q)
local v = redis.call('INCR', KEYS[3])
return {0, a, r, v}
`)

// releaseScript is the inverse of reserveScript with an underflow guard
// on the reserved counter.
//
// KEYS: [1] available_stock, [2] reserved_stock, [3] stock_version
// ARGV: [1] qty
// Returns: {0, available, reserved, version} or {1} when uninitialized
// or {3, reserved} when reserved < qty.
var releaseScript = redis.NewScript(`
local a = redis.call('GET', KEYS[1])
if not a then
    return {1}
end
local q = tonumber(ARGV[1])
local r = tonumber(redis.call('GET', KEYS[2]) or '0')
if r < q then
    return {3, r}
end
a = redis.call('INCRBY', KEYS[1], q)
r = redis.call('DECRBY', KEYS[2], q)
local v = redis.call('INCR', KEYS[3])
return {0, a, r, v}
`)

// refreshScript rewrites the counters from authoritative inputs: the
// durable base stock and the live active-hold quantity. Used by the
// administrative recompute after a crash left the cache behind.
//
// KEYS: [1] available_stock, [2] reserved_stock, [3] stock_version,
// [4] active_holds
// ARGV: [1] durable base stock
// Returns: {0, available, reserved, version}.
var refreshScript = redis.NewScript(`
local base = tonumber(ARGV[1])
local active = tonumber(redis.call('GET', KEYS[4]) or '0')
if active < 0 then
    active = 0
    redis.call('SET', KEYS[4], 0)
end
local a = base - active
if a < 0 then
    a = 0
end
redis.call('SET', KEYS[1], a)
redis.call('SET', KEYS[2], active)
local v = redis.call('INCR', KEYS[3])
return {0, a, active, v}
`)
