package stock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
)

const (
	// initLease is how long the initialization guard is held. Bounded so
	// a crashed initializer cannot block a product forever.
	initLease = 5 * time.Second

	// initPollAttempts and initPollDelay bound how long other callers wait
	// for the guard holder before taking the pessimistic path.
	initPollAttempts = 10
	initPollDelay    = 50 * time.Millisecond

	// optimistic retry policy for reserve/release.
	maxTxnAttempts = 3
	txnBackoffUnit = 100 * time.Millisecond
)

// Snapshot is the externally visible state of a product's counters.
// Version strictly increases with every mutation and doubles as an
// optimistic-concurrency signal for clients.
type Snapshot struct {
	Available int64 `json:"available_stock"`
	Reserved  int64 `json:"reserved_stock"`
	Version   int64 `json:"version"`
}

// ProductSource supplies the durable side of the ledger: the base stock
// read during lazy initialization and the row-level lock used by the
// pessimistic path.
type ProductSource interface {
	// Stock returns the product's current durable stock.
	Stock(ctx context.Context, productID uint64) (uint32, error)
	// WithStockLock runs fn while holding an exclusive lock on the
	// product row; fn receives the locked stock value.
	WithStockLock(ctx context.Context, productID uint64, fn func(stock uint32) error) error
}

// Ledger owns the per-product counters in the fast store. All mutations
// either go through an optimistic transaction or a server-side script, so
// the invariants (non-negative counters, strictly increasing version)
// hold at every observable moment.
type Ledger struct {
	fs       *faststore.Store
	products ProductSource
}

// NewLedger builds a Ledger over the fast store and the durable product
// source.
func NewLedger(fs *faststore.Store, products ProductSource) *Ledger {
	return &Ledger{fs: fs, products: products}
}

// EnsureInitialized lazily seeds the counters for a product on first
// contact. Exactly one caller wins the init guard and copies base stock
// from the durable store; the rest poll with bounded backoff and finally
// fall back to initializing under the durable row lock.
func (l *Ledger) EnsureInitialized(ctx context.Context, productID uint64) error {
	ok, err := l.initialized(ctx, productID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	guard := faststore.StockInitKey(productID)
	won, err := l.fs.AcquireLease(ctx, guard, "1", initLease)
	if err != nil {
		return err
	}
	if won {
		defer func() { _ = l.fs.ReleaseLease(ctx, guard, "1") }()
		return l.seed(ctx, productID)
	}

	// Someone else holds the guard; poll for them to finish.
	for attempt := 0; attempt < initPollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(initPollDelay)
		ok, err := l.initialized(ctx, productID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	// Initialization still pending: serialize on the durable row instead.
	return l.products.WithStockLock(ctx, productID, func(uint32) error {
		ok, err := l.initialized(ctx, productID)
		if err != nil || ok {
			return err
		}
		return l.seed(ctx, productID)
	})
}

// initialized reports whether the version counter exists; it is written
// last during seeding so its presence implies a complete counter set.
func (l *Ledger) initialized(ctx context.Context, productID uint64) (bool, error) {
	_, ok, err := l.fs.Get(ctx, faststore.VersionKey(productID))
	return ok, err
}

// seed copies base stock into the counters. Writes go through a single
// pipeline-free txn so a concurrent seeder cannot interleave.
func (l *Ledger) seed(ctx context.Context, productID uint64) error {
	base, err := l.products.Stock(ctx, productID)
	if err != nil {
		return err
	}
	return l.fs.Txn(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, faststore.AvailableKey(productID), int64(base), 0)
			pipe.Set(ctx, faststore.ReservedKey(productID), 0, 0)
			pipe.Set(ctx, faststore.VersionKey(productID), 1, 0)
			return nil
		})
		return err
	}, faststore.VersionKey(productID))
}

// Snapshot reads the current counters, initializing them first if needed.
func (l *Ledger) Snapshot(ctx context.Context, productID uint64) (Snapshot, error) {
	if err := l.EnsureInitialized(ctx, productID); err != nil {
		return Snapshot{}, err
	}
	return l.read(ctx, productID)
}

func (l *Ledger) read(ctx context.Context, productID uint64) (Snapshot, error) {
	var snap Snapshot
	a, _, err := l.fs.Get(ctx, faststore.AvailableKey(productID))
	if err != nil {
		return snap, err
	}
	r, _, err := l.fs.Get(ctx, faststore.ReservedKey(productID))
	if err != nil {
		return snap, err
	}
	v, ok, err := l.fs.Get(ctx, faststore.VersionKey(productID))
	if err != nil {
		return snap, err
	}
	if !ok {
		return snap, ErrUninitialized
	}
	snap.Available, _ = strconv.ParseInt(a, 10, 64)
	snap.Reserved, _ = strconv.ParseInt(r, 10, 64)
	snap.Version, _ = strconv.ParseInt(v, 10, 64)
	return snap, nil
}

// Reserve moves qty units from available to reserved. It attempts the
// optimistic transaction up to maxTxnAttempts with linear backoff; when
// the budget is spent it serializes under the durable row lock instead
// of failing the sale.
func (l *Ledger) Reserve(ctx context.Context, productID uint64, qty uint32) (Snapshot, error) {
	if err := l.EnsureInitialized(ctx, productID); err != nil {
		return Snapshot{}, err
	}
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		snap, err := l.tryReserve(ctx, productID, qty)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, faststore.ErrConflict) {
			return Snapshot{}, err
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*txnBackoffUnit); err != nil {
			return Snapshot{}, err
		}
	}
	return l.pessimisticReserve(ctx, productID, qty)
}

func (l *Ledger) tryReserve(ctx context.Context, productID uint64, qty uint32) (Snapshot, error) {
	var snap Snapshot
	err := l.fs.Txn(ctx, func(tx *redis.Tx) error {
		cur, err := readSnapshotTx(ctx, tx, productID)
		if err != nil {
			return err
		}
		if cur.Available < int64(qty) {
			return &InsufficientStockError{Available: cur.Available, Reserved: cur.Reserved, Version: cur.Version}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.DecrBy(ctx, faststore.AvailableKey(productID), int64(qty))
			pipe.IncrBy(ctx, faststore.ReservedKey(productID), int64(qty))
			pipe.Incr(ctx, faststore.VersionKey(productID))
			return nil
		})
		if err != nil {
			return err
		}
		snap = Snapshot{
			Available: cur.Available - int64(qty),
			Reserved:  cur.Reserved + int64(qty),
			Version:   cur.Version + 1,
		}
		return nil
	}, faststore.AvailableKey(productID), faststore.ReservedKey(productID), faststore.VersionKey(productID))
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// pessimisticReserve serializes contended reservations behind the
// product's durable row lock and applies the mutation as a single
// server-side script, so the counters stay consistent even while
// optimistic writers keep colliding.
func (l *Ledger) pessimisticReserve(ctx context.Context, productID uint64, qty uint32) (Snapshot, error) {
	var snap Snapshot
	err := l.products.WithStockLock(ctx, productID, func(uint32) error {
		res, err := l.fs.Eval(ctx, reserveScript, []string{
			faststore.AvailableKey(productID),
			faststore.ReservedKey(productID),
			faststore.VersionKey(productID),
		}, qty)
		if err != nil {
			return err
		}
		parts, _ := res.([]interface{})
		if len(parts) == 0 {
			return ErrConcurrentModification
		}
		switch faststore.AsInt64(parts[0]) {
		case scriptOK:
			snap = Snapshot{
				Available: faststore.AsInt64(parts[1]),
				Reserved:  faststore.AsInt64(parts[2]),
				Version:   faststore.AsInt64(parts[3]),
			}
			return nil
		case scriptInsufficient:
			return &InsufficientStockError{
				Available: faststore.AsInt64(parts[1]),
				Reserved:  faststore.AsInt64(parts[2]),
				Version:   faststore.AsInt64(parts[3]),
			}
		case scriptUninitialized:
			return ErrUninitialized
		default:
			return ErrConcurrentModification
		}
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Release returns qty units from reserved to available. Symmetric to
// Reserve, with an underflow guard: releasing more than is reserved is
// an accounting bug and aborts the operation.
func (l *Ledger) Release(ctx context.Context, productID uint64, qty uint32) (Snapshot, error) {
	if err := l.EnsureInitialized(ctx, productID); err != nil {
		return Snapshot{}, err
	}
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		snap, err := l.tryRelease(ctx, productID, qty)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, faststore.ErrConflict) {
			return Snapshot{}, err
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*txnBackoffUnit); err != nil {
			return Snapshot{}, err
		}
	}
	return l.pessimisticRelease(ctx, productID, qty)
}

func (l *Ledger) tryRelease(ctx context.Context, productID uint64, qty uint32) (Snapshot, error) {
	var snap Snapshot
	err := l.fs.Txn(ctx, func(tx *redis.Tx) error {
		cur, err := readSnapshotTx(ctx, tx, productID)
		if err != nil {
			return err
		}
		if cur.Reserved < int64(qty) {
			return &InvalidReleaseError{Reserved: cur.Reserved, Qty: qty}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.IncrBy(ctx, faststore.AvailableKey(productID), int64(qty))
			pipe.DecrBy(ctx, faststore.ReservedKey(productID), int64(qty))
			pipe.Incr(ctx, faststore.VersionKey(productID))
			return nil
		})
		if err != nil {
			return err
		}
		snap = Snapshot{
			Available: cur.Available + int64(qty),
			Reserved:  cur.Reserved - int64(qty),
			Version:   cur.Version + 1,
		}
		return nil
	}, faststore.AvailableKey(productID), faststore.ReservedKey(productID), faststore.VersionKey(productID))
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (l *Ledger) pessimisticRelease(ctx context.Context, productID uint64, qty uint32) (Snapshot, error) {
	var snap Snapshot
	err := l.products.WithStockLock(ctx, productID, func(uint32) error {
		res, err := l.fs.Eval(ctx, releaseScript, []string{
			faststore.AvailableKey(productID),
			faststore.ReservedKey(productID),
			faststore.VersionKey(productID),
		}, qty)
		if err != nil {
			return err
		}
		parts, _ := res.([]interface{})
		if len(parts) == 0 {
			return ErrConcurrentModification
		}
		switch faststore.AsInt64(parts[0]) {
		case scriptOK:
			snap = Snapshot{
				Available: faststore.AsInt64(parts[1]),
				Reserved:  faststore.AsInt64(parts[2]),
				Version:   faststore.AsInt64(parts[3]),
			}
			return nil
		case scriptUnderflow:
			return &InvalidReleaseError{Reserved: faststore.AsInt64(parts[1]), Qty: qty}
		case scriptUninitialized:
			return ErrUninitialized
		default:
			return ErrConcurrentModification
		}
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Refresh recomputes the counters from authoritative inputs: durable base
// stock and the live active-hold quantity. Used by the administrative
// refresh-stock operation after a crash left the cache diverged.
func (l *Ledger) Refresh(ctx context.Context, productID uint64) (Snapshot, error) {
	base, err := l.products.Stock(ctx, productID)
	if err != nil {
		return Snapshot{}, err
	}
	res, err := l.fs.Eval(ctx, refreshScript, []string{
		faststore.AvailableKey(productID),
		faststore.ReservedKey(productID),
		faststore.VersionKey(productID),
		faststore.ActiveHoldsKey(productID),
	}, base)
	if err != nil {
		return Snapshot{}, err
	}
	parts, _ := res.([]interface{})
	if len(parts) < 4 {
		return Snapshot{}, ErrConcurrentModification
	}
	return Snapshot{
		Available: faststore.AsInt64(parts[1]),
		Reserved:  faststore.AsInt64(parts[2]),
		Version:   faststore.AsInt64(parts[3]),
	}, nil
}

// readSnapshotTx reads the three counters through a WATCH-bound tx so the
// read participates in the optimistic window.
func readSnapshotTx(ctx context.Context, tx *redis.Tx, productID uint64) (Snapshot, error) {
	var snap Snapshot
	vals, err := tx.MGet(ctx,
		faststore.AvailableKey(productID),
		faststore.ReservedKey(productID),
		faststore.VersionKey(productID),
	).Result()
	if err != nil {
		return snap, err
	}
	if len(vals) != 3 || vals[2] == nil {
		return snap, ErrUninitialized
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
