package hold

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/model"
	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

const (
	// optimistic retry policy for hold creation and order validation.
	maxTxnAttempts = 3
	txnBackoffUnit = 100 * time.Millisecond
)

// Registry materializes holds in the fast store and drives their
// lifecycle. A hold is either discoverable through all of its indices
// (while active) or through none (after a terminal transition); the
// scripts guarantee there is no half-indexed state in between.
type Registry struct {
	fs     *faststore.Store
	ledger *stock.Ledger
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry builds a Registry. ttl is how long a fresh hold stays
// reservable (the spec's 120 seconds by default, via config).
func NewRegistry(fs *faststore.Store, ledger *stock.Ledger, ttl time.Duration) *Registry {
	return &Registry{fs: fs, ledger: ledger, ttl: ttl, now: time.Now}
}

// CreateResult carries the fresh hold and the post-commit stock snapshot
// returned to the client.
type CreateResult struct {
	Hold     model.Hold
	Snapshot stock.Snapshot
}

// ReleaseResult reports what a terminal transition gave back.
type ReleaseResult struct {
	Qty      uint32
	Snapshot stock.Snapshot
}

// Create reserves qty units of the product and materializes the hold in
// one optimistic transaction: the stock mutation, the hold hash and all
// index writes commit together or not at all. On conflict it retries
// with linear backoff up to the bounded budget.
func (r *Registry) Create(ctx context.Context, productID uint64, qty uint32) (*CreateResult, error) {
	if err := r.ledger.EnsureInitialized(ctx, productID); err != nil {
		return nil, err
	}
	watched := []string{
		faststore.AvailableKey(productID),
		faststore.ReservedKey(productID),
		faststore.VersionKey(productID),
		faststore.ActiveHoldsKey(productID),
		faststore.ProductHoldsKey(productID),
		faststore.ExpiringIndexKey(productID),
	}
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		res, err := r.tryCreate(ctx, productID, qty, watched)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, faststore.ErrConflict) {
			return nil, err
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*txnBackoffUnit); err != nil {
			return nil, err
		}
	}
	return nil, stock.ErrConcurrentModification
}

func (r *Registry) tryCreate(ctx context.Context, productID uint64, qty uint32, watched []string) (*CreateResult, error) {
	var out *CreateResult
	err := r.fs.Txn(ctx, func(tx *redis.Tx) error {
		cur, err := readSnapshotTx(ctx, tx, productID)
		if err != nil {
			return err
		}
		if cur.Available < int64(qty) {
			return &stock.InsufficientStockError{
				Available: cur.Available, Reserved: cur.Reserved, Version: cur.Version,
			}
		}
		now := r.now().UTC()
		h := model.Hold{
			ID:             uuid.NewString(),
			ProductID:      productID,
			Qty:            qty,
			Status:         model.HoldStatusActive,
			CreatedAt:      now,
			ExpiresAt:      now.Add(r.ttl),
			ExpiresAtEpoch: now.Add(r.ttl).Unix(),
			Version:        cur.Version + 1,
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.DecrBy(ctx, faststore.AvailableKey(productID), int64(qty))
			pipe.IncrBy(ctx, faststore.ReservedKey(productID), int64(qty))
			pipe.Incr(ctx, faststore.VersionKey(productID))
			pipe.IncrBy(ctx, faststore.ActiveHoldsKey(productID), int64(qty))
			pipe.HSet(ctx, faststore.HoldKey(h.ID), holdFields(&h))
			pipe.SAdd(ctx, faststore.ProductHoldsKey(productID), h.ID)
			pipe.ZAdd(ctx, faststore.ExpiringIndexKey(productID), redis.Z{
				Score:  float64(h.ExpiresAtEpoch),
				Member: h.ID,
			})
			pipe.SAdd(ctx, faststore.StatusSetKey(model.HoldStatusActive), h.ID)
			return nil
		})
		if err != nil {
			return err
		}
		out = &CreateResult{
			Hold: h,
			Snapshot: stock.Snapshot{
				Available: cur.Available - int64(qty),
				Reserved:  cur.Reserved + int64(qty),
				Version:   cur.Version + 1,
			},
		}
		return nil
	}, watched...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the hold record or ErrNotFound. Numeric fields are
// normalized from their string representation in the hash.
func (r *Registry) Get(ctx context.Context, holdID string) (*model.Hold, error) {
	m, err := r.fs.HashGetAll(ctx, faststore.HoldKey(holdID))
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return parseHold(holdID, m), nil
}

// GetMany pipelines lookups for the given ids and returns a map of the
// records that exist; absent ids are skipped.
func (r *Registry) GetMany(ctx context.Context, holdIDs []string) (map[string]*model.Hold, error) {
	keys := make([]string, len(holdIDs))
	for i, id := range holdIDs {
		keys[i] = faststore.HoldKey(id)
	}
	raw, err := r.fs.HashGetAllMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Hold, len(raw))
	for i, id := range holdIDs {
		if m, ok := raw[keys[i]]; ok {
			out[id] = parseHold(id, m)
		}
	}
	return out, nil
}

// Release cancels an active hold on the caller's initiative and refunds
// its units to the available pool. The whole transition is one script so
// there is no window where the counters moved but the hash still exists.
func (r *Registry) Release(ctx context.Context, holdID string) (*ReleaseResult, error) {
	return r.refund(ctx, holdID, false)
}

// Expire terminalizes a hold whose expiry timestamp has passed. The gate
// is inclusive: expires_at_epoch == now counts as expired. A live hold
// fails with NotExpiredError.
func (r *Registry) Expire(ctx context.Context, holdID string) (*ReleaseResult, error) {
	return r.refund(ctx, holdID, true)
}

func (r *Registry) refund(ctx context.Context, holdID string, requireExpired bool) (*ReleaseResult, error) {
	h, err := r.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	gate := "0"
	if requireExpired {
		gate = "1"
	}
	now := r.now().UTC()
	res, err := r.fs.Eval(ctx, refundHoldScript, []string{
		faststore.HoldKey(holdID),
		faststore.AvailableKey(h.ProductID),
		faststore.ReservedKey(h.ProductID),
		faststore.VersionKey(h.ProductID),
		faststore.ActiveHoldsKey(h.ProductID),
		faststore.ProductHoldsKey(h.ProductID),
		faststore.ExpiringIndexKey(h.ProductID),
		faststore.StatusSetKey(model.HoldStatusActive),
	}, holdID, now.Unix(), gate)
	if err != nil {
		return nil, err
	}
	parts, _ := res.([]interface{})
	if len(parts) == 0 {
		return nil, &InvalidError{Reason: "malformed script result"}
	}
	switch faststore.AsInt64(parts[0]) {
	case scriptOK:
		return &ReleaseResult{
			Qty: uint32(faststore.AsInt64(parts[1])),
			Snapshot: stock.Snapshot{
				Available: faststore.AsInt64(parts[2]),
				Reserved:  faststore.AsInt64(parts[3]),
				Version:   faststore.AsInt64(parts[4]),
			},
		}, nil
	case scriptNotFound:
		return nil, ErrNotFound
	case scriptNotActive:
		return nil, statusError(parts)
	case scriptNotExpired:
		exp := time.Unix(faststore.AsInt64(parts[1]), 0).UTC()
		return nil, &NotExpiredError{
			ExpiresAt:        exp,
			SecondsRemaining: faststore.AsInt64(parts[1]) - now.Unix(),
		}
	case scriptUnderflow:
		return nil, &InvalidError{Reason: "reserved counter below hold quantity"}
	default:
		return nil, &InvalidError{Reason: "unexpected script status"}
	}
}

// CommitForPayment consumes an active hold after a confirmed payment.
// Reserved units leave the system for good; available stays untouched.
func (r *Registry) CommitForPayment(ctx context.Context, h *model.Hold) (*ReleaseResult, error) {
	res, err := r.fs.Eval(ctx, commitHoldScript, []string{
		faststore.HoldKey(h.ID),
		faststore.ReservedKey(h.ProductID),
		faststore.VersionKey(h.ProductID),
		faststore.ActiveHoldsKey(h.ProductID),
		faststore.ProductHoldsKey(h.ProductID),
		faststore.ExpiringIndexKey(h.ProductID),
		faststore.StatusSetKey(model.HoldStatusActive),
	}, h.ID)
	if err != nil {
		return nil, err
	}
	parts, _ := res.([]interface{})
	if len(parts) == 0 {
		return nil, &InvalidError{Reason: "malformed script result"}
	}
	switch faststore.AsInt64(parts[0]) {
	case scriptOK:
		return &ReleaseResult{
			Qty: uint32(faststore.AsInt64(parts[1])),
			Snapshot: stock.Snapshot{
				Reserved: faststore.AsInt64(parts[2]),
				Version:  faststore.AsInt64(parts[3]),
			},
		}, nil
	case scriptNotFound:
		return nil, ErrNotFound
	case scriptNotActive:
		return nil, statusError(parts)
	case scriptUnderflow:
		return nil, &InvalidError{Reason: "reserved counter below hold quantity"}
	default:
		return nil, &InvalidError{Reason: "unexpected script status"}
	}
}

// BulkExpire expires several holds of one product in a single round
// trip. Holds a concurrent transition already terminalized are skipped.
func (r *Registry) BulkExpire(ctx context.Context, productID uint64, holdIDs []string) (expired int64, qty int64, err error) {
	args := make([]interface{}, 0, len(holdIDs)+2)
	args = append(args, r.now().UTC().Unix(), faststore.HoldKeyPrefix)
	for _, id := range holdIDs {
		args = append(args, id)
	}
	res, err := r.fs.Eval(ctx, bulkExpireScript, []string{
		faststore.AvailableKey(productID),
		faststore.ReservedKey(productID),
		faststore.VersionKey(productID),
		faststore.ActiveHoldsKey(productID),
		faststore.ProductHoldsKey(productID),
		faststore.ExpiringIndexKey(productID),
		faststore.StatusSetKey(model.HoldStatusActive),
	}, args...)
	if err != nil {
		return 0, 0, err
	}
	parts, _ := res.([]interface{})
	if len(parts) < 2 {
		return 0, 0, &InvalidError{Reason: "malformed script result"}
	}
	return faststore.AsInt64(parts[0]), faststore.AsInt64(parts[1]), nil
}

// FindExpired enumerates every product's expiring index, collects hold
// ids whose scores have passed, hydrates them with a pipelined lookup
// and filters out holds a concurrent transition already terminalized.
// It returns up to limit candidates.
func (r *Registry) FindExpired(ctx context.Context, limit int) ([]*model.Hold, error) {
	indexKeys, err := r.fs.KeysMatching(ctx, faststore.ExpiringIndexPattern)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	var ids []string
	for _, key := range indexKeys {
		remaining := int64(limit - len(ids))
		if remaining <= 0 {
			break
		}
		members, err := r.fs.SortedSetRangeByScore(ctx, key, 0, now.Unix(), remaining)
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := r.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Hold, 0, len(records))
	for _, id := range ids {
		h, ok := records[id]
		if !ok {
			continue
		}
		if h.Active() && h.Expired(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

// ValidateForOrder classifies a hold for order creation and stamps its
// last_accessed_at for audit. An active-but-expired hold is transitioned
// in-line (same script as Expire) before the expiry error is surfaced,
// so the reaper never has to catch up with it.
func (r *Registry) ValidateForOrder(ctx context.Context, holdID string) (*model.Hold, error) {
	key := faststore.HoldKey(holdID)
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		var (
			out        *model.Hold
			expireNow  bool
			classified error
		)
		err := r.fs.Txn(ctx, func(tx *redis.Tx) error {
			m, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(m) == 0 {
				classified = ErrNotFound
				return nil
			}
			h := parseHold(holdID, m)
			now := r.now().UTC()
			switch {
			case h.Status == model.HoldStatusUsed:
				classified = ErrAlreadyUsed
				return nil
			case h.Status == model.HoldStatusExpired:
				classified = &ExpiredError{ExpiresAt: h.ExpiresAt}
				return nil
			case h.Status == model.HoldStatusPaymentFailed:
				classified = &InvalidError{Reason: "prior payment failure"}
				return nil
			case h.Expired(now):
				expireNow = true
				classified = &ExpiredError{ExpiresAt: h.ExpiresAt}
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "last_accessed_at", now.Format(time.RFC3339))
				return nil
			})
			if err != nil {
				return err
			}
			h.LastAccessedAt = now
			out = h
			return nil
		}, key)
		if errors.Is(err, faststore.ErrConflict) {
			if err := sleepCtx(ctx, time.Duration(attempt)*txnBackoffUnit); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if expireNow {
			// Same atomic transition as timeout-driven expiry; a loss to a
			// concurrent terminalization is fine, the classification stands.
			if _, expErr := r.Expire(ctx, holdID); expErr != nil && !errors.Is(expErr, ErrNotFound) {
				var ne *NotExpiredError
				if !errors.As(expErr, &ne) {
					return nil, expErr
				}
			}
		}
		if classified != nil {
			return nil, classified
		}
		return out, nil
	}
	return nil, stock.ErrConcurrentModification
}

// ActiveHoldCount returns the number of holds currently active across
// all products. Used by the reaper's heartbeat.
func (r *Registry) ActiveHoldCount(ctx context.Context) (int64, error) {
	return r.fs.SetCard(ctx, faststore.StatusSetKey(model.HoldStatusActive))
}

// ActiveQty returns the total quantity currently held against the
// product. Zero when the counter is absent.
func (r *Registry) ActiveQty(ctx context.Context, productID uint64) (int64, error) {
	v, ok, err := r.fs.Get(ctx, faststore.ActiveHoldsKey(productID))
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// statusError maps a not-active script result onto the error taxonomy.
func statusError(parts []interface{}) error {
	status := ""
	if len(parts) > 1 {
		if s, ok := parts[1].(string); ok {
			status = s
		}
	}
	switch status {
	case model.HoldStatusUsed:
		return ErrAlreadyUsed
	case model.HoldStatusExpired:
		return &InvalidError{Reason: "hold already expired"}
	case model.HoldStatusPaymentFailed:
		return &InvalidError{Reason: "prior payment failure"}
	default:
		return &InvalidError{Reason: "hold not active"}
	}
}

// holdFields flattens a hold into its hash representation.
func holdFields(h *model.Hold) map[string]interface{} {
	return map[string]interface{}{
		"product_id":       strconv.FormatUint(h.ProductID, 10),
		"qty":              strconv.FormatUint(uint64(h.Qty), 10),
		"status":           h.Status,
		"created_at":       h.CreatedAt.Format(time.RFC3339),
		"expires_at":       h.ExpiresAt.Format(time.RFC3339),
		"expires_at_epoch": strconv.FormatInt(h.ExpiresAtEpoch, 10),
		"version":          strconv.FormatInt(h.Version, 10),
	}
}

// parseHold normalizes the hash representation back into a Hold.
func parseHold(id string, m map[string]string) *model.Hold {
	h := &model.Hold{ID: id, Status: m["status"]}
	h.ProductID, _ = strconv.ParseUint(m["product_id"], 10, 64)
	if q, err := strconv.ParseUint(m["qty"], 10, 32); err == nil {
		h.Qty = uint32(q)
	}
	h.ExpiresAtEpoch, _ = strconv.ParseInt(m["expires_at_epoch"], 10, 64)
	h.Version, _ = strconv.ParseInt(m["version"], 10, 64)
	if t, err := time.Parse(time.RFC3339, m["created_at"]); err == nil {
		h.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["expires_at"]); err == nil {
		h.ExpiresAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["last_accessed_at"]); err == nil {
		h.LastAccessedAt = t
	}
	return h
}

// readSnapshotTx reads the product counters through a WATCH-bound tx so
// the availability check participates in the optimistic window.
func readSnapshotTx(ctx context.Context, tx *redis.Tx, productID uint64) (stock.Snapshot, error) {
	var snap stock.Snapshot
	vals, err := tx.MGet(ctx,
		faststore.AvailableKey(productID),
		faststore.ReservedKey(productID),
		faststore.VersionKey(productID),
	).Result()
	if err != nil {
		return snap, err
	}
	if len(vals) != 3 || vals[2] == nil {
		return snap, stock.ErrUninitialized
	}
	snap.Available = parseCounter(vals[0])
	snap.Reserved = parseCounter(vals[1])
	snap.Version = parseCounter(vals[2])
	return snap, nil
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
