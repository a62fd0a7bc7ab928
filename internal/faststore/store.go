// Package faststore is a thin capability layer over Redis. It exposes the
// counters, hashes, sets and sorted sets the checkout core needs, plus two
// atomic-composition primitives: WATCH-based optimistic transactions and
// server-side Lua scripts. The adapter performs no retries; retry policy
// belongs to callers.
package faststore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps transport-level failures talking to Redis. Handlers
// translate it into 503 responses.
var ErrUnavailable = errors.New("fast store unavailable")

// ErrConflict is returned from Txn when a watched key was mutated between
// the read and the commit. The queued writes did not take effect.
var ErrConflict = errors.New("optimistic transaction conflict")

// Store wraps a Redis client with the operations the checkout core uses.
type Store struct {
	rdb *redis.Client
}

// New returns a Store bound to the provided client. The client must be
// non-nil; connection management stays with the caller.
func New(rdb *redis.Client) *Store {
	if rdb == nil {
		panic("nil redis client passed to faststore.New")
	}
	return &Store{rdb: rdb}
}

// Client exposes the underlying go-redis client for collaborators that
// need raw access (the rate-limit middleware).
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping probes the server. Used as the availability check before order
// creation so a dead fast store fails fast instead of mid-protocol.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the string value at key. The second return is false when
// the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

// Set writes a string value with an optional TTL (0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.rdb.Set(ctx, key, value, ttl).Err())
}

// IncrBy atomically adds delta to the integer at key and returns the
// new value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	return n, wrap(err)
}

// DecrBy atomically subtracts delta from the integer at key and returns
// the new value.
func (s *Store) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.DecrBy(ctx, key, delta).Result()
	return n, wrap(err)
}

// HashGetAll returns every field of the hash at key. An absent key yields
// an empty map and no error, matching Redis semantics.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	return m, wrap(err)
}

// HashGetAllMany pipelines HGETALL for the given keys to amortize
// round-trips. Absent keys are skipped in the result map.
func (s *Store) HashGetAllMany(ctx context.Context, keys []string) (map[string]map[string]string, error) {
	if len(keys) == 0 {
		return map[string]map[string]string{}, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrap(err)
	}
	out := make(map[string]map[string]string, len(keys))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out[keys[i]] = m
	}
	return out, nil
}

// HashSetMulti writes multiple fields of the hash at key.
func (s *Store) HashSetMulti(ctx context.Context, key string, fields map[string]interface{}) error {
	return wrap(s.rdb.HSet(ctx, key, fields).Err())
}

// SetAdd adds members to the set at key.
func (s *Store) SetAdd(ctx context.Context, key string, members ...interface{}) error {
	return wrap(s.rdb.SAdd(ctx, key, members...).Err())
}

// SetRemove removes members from the set at key.
func (s *Store) SetRemove(ctx context.Context, key string, members ...interface{}) error {
	return wrap(s.rdb.SRem(ctx, key, members...).Err())
}

// SetCard returns the cardinality of the set at key.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	return n, wrap(err)
}

// SortedSetAdd inserts a member with the given score into the sorted set
// at key.
func (s *Store) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// SortedSetRangeByScore returns up to limit members of the sorted set at
// key whose scores lie in [min, max].
func (s *Store) SortedSetRangeByScore(ctx context.Context, key string, min, max int64, limit int64) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   strconv.FormatInt(min, 10),
		Max:   strconv.FormatInt(max, 10),
		Count: limit,
	}).Result()
	return members, wrap(err)
}

// KeysMatching lists keys matching the glob pattern. Candidate volume is
// bounded by the number of products in a sale, so KEYS is acceptable here.
func (s *Store) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, pattern).Result()
	return keys, wrap(err)
}

// Delete removes the given keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return wrap(s.rdb.Del(ctx, keys...).Err())
}

// Txn runs fn inside a WATCH window over the given keys. Reads performed
// through the supplied *redis.Tx are monitored; writes queued via
// tx.TxPipelined commit only if no watched key changed. A watched-key
// mutation surfaces as ErrConflict and no writes take effect.
func (s *Store) Txn(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	err := s.rdb.Watch(ctx, fn, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return wrap(err)
}

// Eval runs a prepared script as a single indivisible server-side step.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return res, nil
}

// AcquireLease attempts a set-if-absent write of token at key with the
// given TTL. It returns true when this caller now owns the lease.
func (s *Store) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	return ok, wrap(err)
}

// ReleaseLease deletes the lease at key only if it still carries the
// caller's token, so an expired-and-reacquired lease is never stomped.
func (s *Store) ReleaseLease(ctx context.Context, key, token string) error {
	_, err := s.Eval(ctx, leaseReleaseScript, []string{key}, token)
	return err
}

// wrap classifies an error from go-redis. Sentinel results handled by the
// caller (redis.Nil) never reach here. Only genuine transport and server
// failures are stamped ErrUnavailable; everything else passes through
// unchanged so callback errors surfaced by Txn keep their type and
// errors.Is/As classification at the handler boundary still works.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if !isTransport(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// isTransport reports whether err originates in the connection or the
// server rather than in caller code. Context cancellation belongs to the
// caller, not the transport.
func isTransport(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var re redis.Error
	return errors.As(err, &re)
}

// AsInt64 coerces a Lua script result element into an int64. Redis
// returns numbers as int64 but miniredis and resp3 paths can produce
// other widths or strings.
func AsInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
