package order

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/model"
	"github.com/iliyamo/flash-sale-checkout/internal/repository"
	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

// memStore is an in-memory stand-in for the MySQL checkout store. It
// serializes transactions on one mutex; rollback fidelity is not needed
// by these tests because every asserted path commits.
type memStore struct {
	mu       sync.Mutex
	orders   map[uint64]*model.Order
	nextID   uint64
	idem     map[string]*model.IdempotencyRecord
	products map[uint64]uint32
}

func newMemStore(products map[uint64]uint32) *memStore {
	return &memStore{
		orders:   make(map[uint64]*model.Order),
		idem:     make(map[string]*model.IdempotencyRecord),
		products: products,
	}
}

func (s *memStore) WithinTx(_ context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

type memTx struct{ s *memStore }

func (t *memTx) LockOrder(_ context.Context, orderID uint64) (*model.Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) InsertOrder(_ context.Context, holdID string) (*model.Order, error) {
	t.s.nextID++
	o := &model.Order{ID: t.s.nextID, HoldID: holdID, State: model.OrderStatePendingPayment}
	t.s.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (t *memTx) UpdateOrderState(_ context.Context, orderID uint64, state string) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.State = state
	return nil
}

func (t *memTx) IdempotencyForUpdate(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	rec, ok := t.s.idem[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (t *memTx) InsertIdempotency(_ context.Context, key string, orderID uint64, status string) error {
	if _, ok := t.s.idem[key]; ok {
		return fmt.Errorf("duplicate idempotency key %s", key)
	}
	t.s.idem[key] = &model.IdempotencyRecord{Key: key, OrderID: orderID, Status: status}
	return nil
}

func (t *memTx) UpsertIdempotency(_ context.Context, key string, orderID uint64, status string) error {
	if _, ok := t.s.idem[key]; ok {
		return nil
	}
	t.s.idem[key] = &model.IdempotencyRecord{Key: key, OrderID: orderID, Status: status}
	return nil
}

func (t *memTx) DecrementStockGuarded(_ context.Context, productID uint64, qty uint32) (bool, error) {
	cur, ok := t.s.products[productID]
	if !ok || cur < qty {
		return false, nil
	}
	t.s.products[productID] = cur - qty
	return true, nil
}

func (t *memTx) ProductStock(_ context.Context, productID uint64) (uint32, error) {
	cur, ok := t.s.products[productID]
	if !ok {
		return 0, repository.ErrProductNotFound
	}
	return cur, nil
}

type fakeProducts struct{ store *memStore }

func (f *fakeProducts) Stock(ctx context.Context, id uint64) (uint32, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	cur, ok := f.store.products[id]
	if !ok {
		return 0, repository.ErrProductNotFound
	}
	return cur, nil
}

func (f *fakeProducts) WithStockLock(ctx context.Context, id uint64, fn func(stock uint32) error) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return fn(f.store.products[id])
}

type fixture struct {
	store *memStore
	fs    *faststore.Store
	holds *hold.Registry
	coord *Coordinator
}

func newFixture(t *testing.T, baseStock uint32) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fs := faststore.New(rdb)
	store := newMemStore(map[uint64]uint32{1: baseStock})
	ledger := stock.NewLedger(fs, &fakeProducts{store: store})
	holds := hold.NewRegistry(fs, ledger, 2*time.Minute)
	return &fixture{
		store: store,
		fs:    fs,
		holds: holds,
		coord: NewCoordinator(store, holds, fs, zap.NewNop()),
	}
}

func (f *fixture) counters(t *testing.T) (available, reserved int64) {
	t.Helper()
	ctx := context.Background()
	a, _, err := f.fs.Get(ctx, faststore.AvailableKey(1))
	require.NoError(t, err)
	r, _, err := f.fs.Get(ctx, faststore.ReservedKey(1))
	require.NoError(t, err)
	return faststore.AsInt64(a), faststore.AsInt64(r)
}

func TestCreateFromHold(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	hr, err := f.holds.Create(ctx, 1, 2)
	require.NoError(t, err)

	res, err := f.coord.CreateFromHold(ctx, hr.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatePendingPayment, res.Order.State)
	assert.Equal(t, hr.Hold.ID, res.Order.HoldID)
	assert.Equal(t, uint64(1), res.Hold.ProductID)
	assert.Equal(t, uint32(2), res.Hold.Qty)

	// Order creation must not consume the hold; the webhook does that.
	got, err := f.holds.Get(ctx, hr.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusActive, got.Status)
}

func TestCreateFromHoldNotFound(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.coord.CreateFromHold(context.Background(), "no-such-hold")
	require.ErrorIs(t, err, hold.ErrNotFound)
}

func TestWebhookSuccess(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	hr, err := f.holds.Create(ctx, 1, 3)
	require.NoError(t, err)
	ord, err := f.coord.CreateFromHold(ctx, hr.Hold.ID)
	require.NoError(t, err)

	res, err := f.coord.ApplyWebhook(ctx, WebhookRequest{
		IdempotencyKey: "key-1", OrderID: ord.Order.ID, Status: WebhookStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.OrderStatePaid, res.OrderState)

	// Durable stock consumed exactly once.
	assert.Equal(t, uint32(7), f.store.products[1])
	assert.Equal(t, model.OrderStatePaid, f.store.orders[ord.Order.ID].State)
	assert.Equal(t, model.IdempotencyStatusPaid, f.store.idem["key-1"].Status)

	// Hold consumed: reserved drops, available stays down.
	available, reserved := f.counters(t)
	assert.Equal(t, int64(7), available)
	assert.Equal(t, int64(0), reserved)
	_, err = f.holds.Get(ctx, hr.Hold.ID)
	require.ErrorIs(t, err, hold.ErrNotFound)
}

func TestWebhookSuccessIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	hr, err := f.holds.Create(ctx, 1, 2)
	require.NoError(t, err)
	ord, err := f.coord.CreateFromHold(ctx, hr.Hold.ID)
	require.NoError(t, err)

	req := WebhookRequest{IdempotencyKey: "key-1", OrderID: ord.Order.ID, Status: WebhookStatusSuccess}
	first, err := f.coord.ApplyWebhook(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	for i := 0; i < 2; i++ {
		res, err := f.coord.ApplyWebhook(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyFinalized, res.Outcome)
		assert.Equal(t, model.OrderStatePaid, res.OrderState)
	}

	// A replay under a fresh key is still a safe no-op once finalized.
	res, err := f.coord.ApplyWebhook(ctx, WebhookRequest{
		IdempotencyKey: "key-2", OrderID: ord.Order.ID, Status: WebhookStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyFinalized, res.Outcome)

	assert.Equal(t, uint32(8), f.store.products[1], "stock decremented exactly once")
}

func TestWebhookDuplicateKeyOnPendingOrder(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	hr, err := f.holds.Create(ctx, 1, 1)
	require.NoError(t, err)
	ord, err := f.coord.CreateFromHold(ctx, hr.Hold.ID)
	require.NoError(t, err)

	// The key was claimed by a crashed delivery that never finished.
	f.store.idem["key-1"] = &model.IdempotencyRecord{
		Key: "key-1", OrderID: ord.Order.ID, Status: model.IdempotencyStatusPaid,
	}

	res, err := f.coord.ApplyWebhook(ctx, WebhookRequest{
		IdempotencyKey: "key-1", OrderID: ord.Order.ID, Status: WebhookStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, model.IdempotencyStatusPaid, res.RecordedStatus,
		"duplicate answer carries the recorded outcome")
	assert.Equal(t, uint32(10), f.store.products[1], "duplicate must not touch stock")
}

func TestWebhookFailureRefunds(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	hr, err := f.holds.Create(ctx, 1, 4)
	require.NoError(t, err)
	ord, err := f.coord.CreateFromHold(ctx, hr.Hold.ID)
	require.NoError(t, err)

	res, err := f.coord.ApplyWebhook(ctx, WebhookRequest{
		IdempotencyKey: "key-1", OrderID: ord.Order.ID, Status: WebhookStatusFailure,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.OrderStateCancelled, res.OrderState)

	// Units back in the pool; durable stock untouched.
	available, reserved := f.counters(t)
	assert.Equal(t, int64(10), available)
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, uint32(10), f.store.products[1])
	assert.Equal(t, model.IdempotencyStatusFailed, f.store.idem["key-1"].Status)
}

func TestWebhookSuccessAfterHoldGone(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	hr, err := f.holds.Create(ctx, 1, 2)
	require.NoError(t, err)
	ord, err := f.coord.CreateFromHold(ctx, hr.Hold.ID)
	require.NoError(t, err)

	// The hold is reaped (or released) before the payment settles.
	_, err = f.holds.Release(ctx, hr.Hold.ID)
	require.NoError(t, err)

	res, err := f.coord.ApplyWebhook(ctx, WebhookRequest{
		IdempotencyKey: "key-1", OrderID: ord.Order.ID, Status: WebhookStatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHoldExpired, res.Outcome)
	assert.Equal(t, model.OrderStateCancelled, res.OrderState)
	assert.Equal(t, uint32(10), f.store.products[1], "no stock consumed for a dead hold")
}

func TestWebhookInvalidStatus(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.coord.ApplyWebhook(context.Background(), WebhookRequest{
		IdempotencyKey: "key-1", OrderID: 1, Status: "settled",
	})
	require.ErrorIs(t, err, ErrInvalidWebhookStatus)
}

func TestWebhookOrderNotFound(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.coord.ApplyWebhook(context.Background(), WebhookRequest{
		IdempotencyKey: "key-1", OrderID: 42, Status: WebhookStatusSuccess,
	})
	require.ErrorIs(t, err, repository.ErrOrderNotFound)
}
