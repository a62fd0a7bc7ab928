// Package reaper sweeps expired holds and drives them through the
// expired terminal transition, refunding their reserved units. Multiple
// reaper instances may run at once (and do across restarts); per-hold
// leases keep them from stomping each other, and the expiry scripts are
// gated so a lost race is always a harmless skip.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/model"
)

const (
	// leaseTTL bounds how long a crashed worker can block a hold. Kept
	// well under the 60 s scheduling cadence so leases never survive
	// into the next sweep.
	leaseTTL = 5 * time.Second

	// verboseErrorLimit caps how many per-hold failures are logged in
	// full; the rest are only counted.
	verboseErrorLimit = 5
)

// Summary is what one sweep accomplished. Per-hold failures never fail
// the sweep; they are accumulated here.
type Summary struct {
	Scanned     int   // candidates returned by the registry
	Expired     int   // holds actually transitioned
	Skipped     int   // lease lost or terminalized by a concurrent actor
	QtyReleased int64 // units returned to the available pool
	Errors      int   // per-hold failures (logged, not fatal)
}

// Reaper owns the sweep loop. It is constructed per process and safe to
// run repeatedly.
type Reaper struct {
	fs        *faststore.Store
	holds     *hold.Registry
	batchSize int
	budget    time.Duration
	log       *zap.Logger
	publish   func(ctx context.Context, expired, qty int64) // optional sweep event hook
	now       func() time.Time
	hostname  string
	pid       int
}

// New builds a Reaper. publish may be nil when no broker is wired.
func New(fs *faststore.Store, holds *hold.Registry, batchSize int, budget time.Duration, log *zap.Logger, publish func(ctx context.Context, expired, qty int64)) *Reaper {
	host, _ := os.Hostname()
	return &Reaper{
		fs:        fs,
		holds:     holds,
		batchSize: batchSize,
		budget:    budget,
		log:       log,
		publish:   publish,
		now:       time.Now,
		hostname:  host,
		pid:       os.Getpid(),
	}
}

// Run performs one sweep: fetch expired candidates, expire them under
// per-hold leases, repeat until the batch comes back empty or the
// runtime budget is spent. Only framework-level failures (the fast
// store being unreachable) return an error.
func (r *Reaper) Run(ctx context.Context) (*Summary, error) {
	deadline := r.now().Add(r.budget)
	sum := &Summary{}
	verbose := 0

	for {
		if r.now().After(deadline) {
			r.log.Info("runtime budget exhausted, exiting sweep cleanly")
			break
		}
		candidates, err := r.holds.FindExpired(ctx, r.batchSize)
		if err != nil {
			return sum, fmt.Errorf("find expired holds: %w", err)
		}
		if len(candidates) == 0 {
			break
		}
		sum.Scanned += len(candidates)

		progressed := false
		for productID, group := range groupByProduct(candidates) {
			if r.now().After(deadline) {
				break
			}
			expired, qty := r.expireGroup(ctx, productID, group, sum, &verbose)
			if expired > 0 {
				progressed = true
				sum.Expired += int(expired)
				sum.QtyReleased += qty
			}
		}
		// No progress means every candidate is leased by another worker
		// or already terminalized; looping again would spin.
		if !progressed {
			break
		}
	}

	r.heartbeat(ctx, sum)
	if r.publish != nil && sum.Expired > 0 {
		r.publish(ctx, int64(sum.Expired), sum.QtyReleased)
	}
	r.log.Info("sweep finished",
		zap.Int("scanned", sum.Scanned),
		zap.Int("expired", sum.Expired),
		zap.Int("skipped", sum.Skipped),
		zap.Int64("qty_released", sum.QtyReleased),
		zap.Int("errors", sum.Errors))
	return sum, nil
}

// expireGroup expires the product's candidates: the bulk script when
// two or more candidates share the product (one round trip, one
// aggregate counter mutation), the per-hold path for singletons.
func (r *Reaper) expireGroup(ctx context.Context, productID uint64, group []*model.Hold, sum *Summary, verbose *int) (int64, int64) {
	if len(group) >= 2 {
		leased := make([]string, 0, len(group))
		tokens := make(map[string]string, len(group))
		for _, h := range group {
			token, ok, err := r.acquireLease(ctx, h.ID)
			if err != nil {
				r.recordError(sum, verbose, h.ID, err)
				continue
			}
			if !ok {
				sum.Skipped++
				continue
			}
			leased = append(leased, h.ID)
			tokens[h.ID] = token
		}
		defer func() {
			for id, token := range tokens {
				_ = r.fs.ReleaseLease(ctx, faststore.ExpireLockKey(id), token)
			}
		}()
		if len(leased) == 0 {
			return 0, 0
		}
		expired, qty, err := r.holds.BulkExpire(ctx, productID, leased)
		if err != nil {
			r.recordError(sum, verbose, leased[0], fmt.Errorf("bulk expire product %d: %w", productID, err))
			return 0, 0
		}
		sum.Skipped += len(leased) - int(expired)
		return expired, qty
	}

	h := group[0]
	ok, err := r.expireOne(ctx, h)
	if err != nil {
		r.recordError(sum, verbose, h.ID, err)
		return 0, 0
	}
	if !ok {
		sum.Skipped++
		return 0, 0
	}
	return 1, int64(h.Qty)
}

// expireOne takes the per-hold lease, re-validates and expires a single
// hold. The lease is always released on exit.
func (r *Reaper) expireOne(ctx context.Context, h *model.Hold) (bool, error) {
	token, ok, err := r.acquireLease(ctx, h.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		// Another worker owns it; their script is gated just like ours.
		return false, nil
	}
	defer func() { _ = r.fs.ReleaseLease(ctx, faststore.ExpireLockKey(h.ID), token) }()

	cur, err := r.holds.Get(ctx, h.ID)
	if errors.Is(err, hold.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cur.Active() || !cur.Expired(r.now().UTC()) {
		return false, nil
	}
	_, err = r.holds.Expire(ctx, h.ID)
	if errors.Is(err, hold.ErrNotFound) {
		return false, nil
	}
	var notExpired *hold.NotExpiredError
	if errors.As(err, &notExpired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reaper) acquireLease(ctx context.Context, holdID string) (string, bool, error) {
	token := fmt.Sprintf("%s:%d:%d", r.hostname, r.pid, r.now().UnixNano())
	ok, err := r.fs.AcquireLease(ctx, faststore.ExpireLockKey(holdID), token, leaseTTL)
	return token, ok, err
}

func (r *Reaper) recordError(sum *Summary, verbose *int, holdID string, err error) {
	sum.Errors++
	if *verbose < verboseErrorLimit {
		*verbose++
		r.log.Error("failed to expire hold", zap.String("hold_id", holdID), zap.Error(err))
	}
}

// heartbeat refreshes the liveness record operators watch for a stuck
// reaper: sweep timestamp, worker identity, total active holds and the
// sweep counters.
func (r *Reaper) heartbeat(ctx context.Context, sum *Summary) {
	active, err := r.holds.ActiveHoldCount(ctx)
	if err != nil {
		r.log.Warn("heartbeat: active hold count failed", zap.Error(err))
		active = -1
	}
	fields := map[string]interface{}{
		"swept_at":     r.now().UTC().Format(time.RFC3339),
		"host":         r.hostname,
		"pid":          strconv.Itoa(r.pid),
		"active_holds": strconv.FormatInt(active, 10),
		"scanned":      strconv.Itoa(sum.Scanned),
		"expired":      strconv.Itoa(sum.Expired),
		"qty_released": strconv.FormatInt(sum.QtyReleased, 10),
		"errors":       strconv.Itoa(sum.Errors),
	}
	if err := r.fs.HashSetMulti(ctx, faststore.HeartbeatKey, fields); err != nil {
		r.log.Warn("heartbeat write failed", zap.Error(err))
	}
}

// groupByProduct buckets candidates so shared products can take the
// bulk path.
func groupByProduct(holds []*model.Hold) map[uint64][]*model.Hold {
	groups := make(map[uint64][]*model.Hold)
	for _, h := range holds {
		groups[h.ProductID] = append(groups[h.ProductID], h)
	}
	return groups
}
