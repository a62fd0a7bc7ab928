package faststore

import "github.com/redis/go-redis/v9"

// leaseReleaseScript deletes a lease key only when it still holds the
// owner's token. Self-owned release keeps a slow worker from deleting a
// lease that already expired and was re-acquired by someone else.
var leaseReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)
