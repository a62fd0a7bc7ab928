package stock

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
)

// fakeProducts is an in-memory ProductSource. WithStockLock serializes
// on a mutex the way the real row lock serializes on MySQL.
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

func newTestLedger(t *testing.T, base uint32) (*Ledger, *faststore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fs := faststore.New(rdb)
	return NewLedger(fs, &fakeProducts{stock: map[uint64]uint32{1: base}}), fs
}

func TestEnsureInitializedSeedsFromDurableStock(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	snap, err := ledger.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Available)
	assert.Equal(t, int64(0), snap.Reserved)
	assert.Equal(t, int64(1), snap.Version)

	// A second call must not reseed.
	_, err = ledger.Reserve(ctx, 1, 4)
	require.NoError(t, err)
	snap, err = ledger.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.Available)
}

func TestReserveAndReleaseRoundTrip(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	snap, err := ledger.Reserve(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Available)
	assert.Equal(t, int64(3), snap.Reserved)
	assert.Equal(t, int64(2), snap.Version)

	snap, err = ledger.Release(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Available)
	assert.Equal(t, int64(0), snap.Reserved)
	assert.Equal(t, int64(3), snap.Version, "every mutation bumps the version")
}

func TestReserveInsufficientStock(t *testing.T) {
	ledger, _ := newTestLedger(t, 2)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, 1, 3)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Available)
	assert.Equal(t, int64(0), insufficient.Reserved)

	// Nothing moved.
	snap, err := ledger.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Available)
	assert.Equal(t, int64(1), snap.Version)
}

func TestReleaseUnderflowRejected(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, 1, 2)
	require.NoError(t, err)

	_, err = ledger.Release(ctx, 1, 3)
	var invalid *InvalidReleaseError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, int64(2), invalid.Reserved)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	const base = 5
	const workers = 20
	ledger, _ := newTestLedger(t, base)
	ctx := context.Background()
	require.NoError(t, ledger.EnsureInitialized(ctx, 1))

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, 1, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var insufficient *InsufficientStockError
		require.ErrorAs(t, err, &insufficient)
	}
	assert.Equal(t, base, successes, "winners must match base stock exactly")

	snap, err := ledger.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Available)
	assert.Equal(t, int64(base), snap.Reserved)
}

func TestRefreshRecomputesFromActiveHolds(t *testing.T) {
	ledger, fs := newTestLedger(t, 10)
	ctx := context.Background()
	require.NoError(t, ledger.EnsureInitialized(ctx, 1))

	// Simulate divergence: counters drifted while 2 units are genuinely held.
	require.NoError(t, fs.Set(ctx, faststore.AvailableKey(1), "99", 0))
	require.NoError(t, fs.Set(ctx, faststore.ReservedKey(1), "7", 0))
	_, err := fs.IncrBy(ctx, faststore.ActiveHoldsKey(1), 2)
	require.NoError(t, err)

	snap, err := ledger.Refresh(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), snap.Available)
	assert.Equal(t, int64(2), snap.Reserved)
	assert.Equal(t, int64(2), snap.Version)
}
