package hold

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/model"
	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

const testTTL = 120 * time.Second

var baseTime = time.Unix(1_700_000_000, 0).UTC()

type fakeProducts struct {
	mu    sync.Mutex
	stock map[uint64]uint32
}

func (f *fakeProducts) Stock(_ context.Context, id uint64) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[id], nil
}

func (f *fakeProducts) WithStockLock(_ context.Context, id uint64, fn func(stock uint32) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f.stock[id])
}

func newTestRegistry(t *testing.T, base uint32) (*Registry, *faststore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fs := faststore.New(rdb)
	ledger := stock.NewLedger(fs, &fakeProducts{stock: map[uint64]uint32{1: base}})
	reg := NewRegistry(fs, ledger, testTTL)
	reg.now = func() time.Time { return baseTime }
	return reg, fs
}

func snapshot(t *testing.T, fs *faststore.Store, productID uint64) stock.Snapshot {
	t.Helper()
	ctx := context.Background()
	var snap stock.Snapshot
	for i, key := range []string{
		faststore.AvailableKey(productID),
		faststore.ReservedKey(productID),
		faststore.VersionKey(productID),
	} {
		v, _, err := fs.Get(ctx, key)
		require.NoError(t, err)
		switch i {
		case 0:
			snap.Available = faststore.AsInt64(v)
		case 1:
			snap.Reserved = faststore.AsInt64(v)
		case 2:
			snap.Version = faststore.AsInt64(v)
		}
	}
	return snap
}

func TestCreateReservesAndIndexes(t *testing.T) {
	reg, fs := newTestRegistry(t, 10)
	ctx := context.Background()

	res, err := reg.Create(ctx, 1, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Hold.ID)
	assert.Equal(t, model.HoldStatusActive, res.Hold.Status)
	assert.Equal(t, baseTime.Add(testTTL).Unix(), res.Hold.ExpiresAtEpoch)
	assert.Equal(t, int64(7), res.Snapshot.Available)
	assert.Equal(t, int64(3), res.Snapshot.Reserved)
	assert.Equal(t, int64(2), res.Snapshot.Version)

	got, err := reg.Get(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ProductID)
	assert.Equal(t, uint32(3), got.Qty)

	activeQty, err := reg.ActiveQty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), activeQty)

	count, err := reg.ActiveHoldCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	snap := snapshot(t, fs, 1)
	assert.Equal(t, int64(7), snap.Available)
	assert.Equal(t, int64(3), snap.Reserved)
}

func TestCreateInsufficientStock(t *testing.T) {
	reg, fs := newTestRegistry(t, 2)
	ctx := context.Background()

	_, err := reg.Create(ctx, 1, 5)
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Available)

	snap := snapshot(t, fs, 1)
	assert.Equal(t, int64(2), snap.Available)
	assert.Equal(t, int64(0), snap.Reserved)
}

func TestUniqueHoldIDs(t *testing.T) {
	reg, _ := newTestRegistry(t, 100)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		res, err := reg.Create(ctx, 1, 1)
		require.NoError(t, err)
		_, dup := seen[res.Hold.ID]
		require.False(t, dup, "hold id %s issued twice", res.Hold.ID)
		seen[res.Hold.ID] = struct{}{}
	}
}

func TestReleaseRefundsAndDeletes(t *testing.T) {
	reg, fs := newTestRegistry(t, 10)
	ctx := context.Background()

	res, err := reg.Create(ctx, 1, 4)
	require.NoError(t, err)

	rel, err := reg.Release(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), rel.Qty)
	assert.Equal(t, int64(10), rel.Snapshot.Available)
	assert.Equal(t, int64(0), rel.Snapshot.Reserved)
	assert.Equal(t, int64(3), rel.Snapshot.Version)

	// Terminal transitions delete the record and every index entry.
	_, err = reg.Get(ctx, res.Hold.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Release(ctx, res.Hold.ID)
	require.ErrorIs(t, err, ErrNotFound)

	activeQty, err := reg.ActiveQty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), activeQty)

	snap := snapshot(t, fs, 1)
	assert.Equal(t, int64(10), snap.Available)
	assert.Equal(t, int64(0), snap.Reserved)
}

func TestExpireGateIsInclusive(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)
	ctx := context.Background()

	res, err := reg.Create(ctx, 1, 2)
	require.NoError(t, err)

	// Still one second short of expiry.
	reg.now = func() time.Time { return baseTime.Add(testTTL - time.Second) }
	_, err = reg.Expire(ctx, res.Hold.ID)
	var notExpired *NotExpiredError
	require.ErrorAs(t, err, &notExpired)
	assert.Equal(t, int64(1), notExpired.SecondsRemaining)

	// Exactly at the boundary counts as expired.
	reg.now = func() time.Time { return baseTime.Add(testTTL) }
	rel, err := reg.Expire(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rel.Qty)
	assert.Equal(t, int64(10), rel.Snapshot.Available)
}

func TestCommitForPaymentConsumesReserved(t *testing.T) {
	reg, fs := newTestRegistry(t, 10)
	ctx := context.Background()

	res, err := reg.Create(ctx, 1, 3)
	require.NoError(t, err)

	rel, err := reg.CommitForPayment(ctx, &res.Hold)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rel.Qty)
	assert.Equal(t, int64(0), rel.Snapshot.Reserved)

	// Available is untouched: the units left the system, they were not
	// returned to the pool.
	snap := snapshot(t, fs, 1)
	assert.Equal(t, int64(7), snap.Available)
	assert.Equal(t, int64(0), snap.Reserved)

	_, err = reg.Get(ctx, res.Hold.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindExpired(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)
	ctx := context.Background()

	a, err := reg.Create(ctx, 1, 1)
	require.NoError(t, err)
	b, err := reg.Create(ctx, 1, 2)
	require.NoError(t, err)

	// Nothing expired yet.
	found, err := reg.FindExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, found)

	reg.now = func() time.Time { return baseTime.Add(testTTL + time.Second) }
	found, err = reg.FindExpired(ctx, 100)
	require.NoError(t, err)
	require.Len(t, found, 2)
	ids := map[string]bool{found[0].ID: true, found[1].ID: true}
	assert.True(t, ids[a.Hold.ID])
	assert.True(t, ids[b.Hold.ID])

	// The limit caps the batch.
	found, err = reg.FindExpired(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestValidateForOrderStampsAccess(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)
	ctx := context.Background()

	res, err := reg.Create(ctx, 1, 1)
	require.NoError(t, err)

	h, err := reg.ValidateForOrder(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.True(t, h.LastAccessedAt.Equal(baseTime))

	got, err := reg.Get(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(baseTime))
}

func TestValidateForOrderExpiresStaleHold(t *testing.T) {
	reg, fs := newTestRegistry(t, 10)
	ctx := context.Background()

	res, err := reg.Create(ctx, 1, 2)
	require.NoError(t, err)

	reg.now = func() time.Time { return baseTime.Add(testTTL + time.Minute) }
	_, err = reg.ValidateForOrder(ctx, res.Hold.ID)
	var expired *ExpiredError
	require.ErrorAs(t, err, &expired)

	// The stale hold was expired in-line and its units refunded.
	_, err = reg.Get(ctx, res.Hold.ID)
	require.ErrorIs(t, err, ErrNotFound)
	snap := snapshot(t, fs, 1)
	assert.Equal(t, int64(10), snap.Available)
	assert.Equal(t, int64(0), snap.Reserved)
}

func TestValidateForOrderMissing(t *testing.T) {
	reg, _ := newTestRegistry(t, 10)
	_, err := reg.ValidateForOrder(context.Background(), "no-such-hold")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBulkExpire(t *testing.T) {
	reg, fs := newTestRegistry(t, 10)
	ctx := context.Background()

	a, err := reg.Create(ctx, 1, 1)
	require.NoError(t, err)
	b, err := reg.Create(ctx, 1, 2)
	require.NoError(t, err)
	live, err := reg.Create(ctx, 1, 3)
	require.NoError(t, err)

	// Only a and b are past expiry; the live hold must be skipped.
	reg.now = func() time.Time { return baseTime.Add(testTTL + time.Second) }
	_, err = fs.Eval(ctx, redis.NewScript(`return redis.call('HSET', KEYS[1], 'expires_at_epoch', ARGV[1])`),
		[]string{faststore.HoldKey(live.Hold.ID)}, baseTime.Add(time.Hour).Unix())
	require.NoError(t, err)

	expired, qty, err := reg.BulkExpire(ctx, 1, []string{a.Hold.ID, b.Hold.ID, live.Hold.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)
	assert.Equal(t, int64(3), qty)

	snap := snapshot(t, fs, 1)
	assert.Equal(t, int64(7), snap.Available)
	assert.Equal(t, int64(3), snap.Reserved)

	_, err = reg.Get(ctx, live.Hold.ID)
	require.NoError(t, err)
}
