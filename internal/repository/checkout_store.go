package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/flash-sale-checkout/internal/model"
)

// Tx is the set of durable operations the payment coordinator performs
// inside one transaction. The MySQL implementation lives below; tests
// substitute an in-memory one.
type Tx interface {
	// LockOrder fetches the order row under an exclusive lock held until
	// the transaction ends. Returns ErrOrderNotFound when absent and
	// ErrUnknownOrderState when the state column is outside the enum.
	LockOrder(ctx context.Context, orderID uint64) (*model.Order, error)
	// InsertOrder creates a fresh pending_payment order for the hold.
	InsertOrder(ctx context.Context, holdID string) (*model.Order, error)
	// UpdateOrderState transitions the order. States only move forward;
	// the coordinator enforces that before calling.
	UpdateOrderState(ctx context.Context, orderID uint64, state string) error
	// IdempotencyForUpdate fetches the record for key under a write lock,
	// or nil when the key has never been seen.
	IdempotencyForUpdate(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	// InsertIdempotency claims the key. The unique constraint makes the
	// claim race-safe across concurrent deliveries.
	InsertIdempotency(ctx context.Context, key string, orderID uint64, status string) error
	// UpsertIdempotency records the key, tolerating an existing row.
	// Used by the finalization short-circuit where the key may be new or
	// a replay.
	UpsertIdempotency(ctx context.Context, key string, orderID uint64, status string) error
	// DecrementStockGuarded subtracts qty from products.stock with a
	// stock >= qty guard. Returns false when the guard rejected the
	// update (zero affected rows).
	DecrementStockGuarded(ctx context.Context, productID uint64, qty uint32) (bool, error)
	// ProductStock reads the product's stock inside the transaction,
	// used to distinguish insufficient stock from concurrent mutation
	// after a guarded decrement failed.
	ProductStock(ctx context.Context, productID uint64) (uint32, error)
}

// Store runs a function inside a durable transaction. Implementations
// commit when fn returns nil and roll back otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// CheckoutStore is the MySQL implementation of Store.
type CheckoutStore struct {
	db *sql.DB
}

// NewCheckoutStore returns a CheckoutStore bound to the provided database.
func NewCheckoutStore(db *sql.DB) *CheckoutStore { return &CheckoutStore{db: db} }

// WithinTx begins a transaction, runs fn against it and commits iff fn
// succeeds. The deferred-rollback guard covers panics and early returns.
func (s *CheckoutStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&checkoutTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type checkoutTx struct {
	tx *sql.Tx
}

func (t *checkoutTx) LockOrder(ctx context.Context, orderID uint64) (*model.Order, error) {
	const q = `SELECT id, hold_id, state, created_at, updated_at FROM orders WHERE id = ? FOR UPDATE`
	var o model.Order
	err := t.tx.QueryRowContext(ctx, q, orderID).Scan(
		&o.ID, &o.HoldID, &o.State, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	switch o.State {
	case model.OrderStatePendingPayment, model.OrderStatePaid, model.OrderStateCancelled:
	default:
		return nil, ErrUnknownOrderState
	}
	return &o, nil
}

func (t *checkoutTx) InsertOrder(ctx context.Context, holdID string) (*model.Order, error) {
	const q = `INSERT INTO orders (hold_id, state, created_at, updated_at)
	           VALUES (?, ?, UTC_TIMESTAMP(), UTC_TIMESTAMP())`
	res, err := t.tx.ExecContext(ctx, q, holdID, model.OrderStatePendingPayment)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Order{
		ID:     uint64(id),
		HoldID: holdID,
		State:  model.OrderStatePendingPayment,
	}, nil
}

func (t *checkoutTx) UpdateOrderState(ctx context.Context, orderID uint64, state string) error {
	const q = `UPDATE orders SET state = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`
	_, err := t.tx.ExecContext(ctx, q, state, orderID)
	return err
}

func (t *checkoutTx) IdempotencyForUpdate(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	const q = `SELECT id, idem_key, order_id, status, created_at, updated_at
	           FROM idempotency_keys WHERE idem_key = ? FOR UPDATE`
	var rec model.IdempotencyRecord
	err := t.tx.QueryRowContext(ctx, q, key).Scan(
		&rec.ID, &rec.Key, &rec.OrderID, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *checkoutTx) InsertIdempotency(ctx context.Context, key string, orderID uint64, status string) error {
	const q = `INSERT INTO idempotency_keys (idem_key, order_id, status, created_at, updated_at)
	           VALUES (?, ?, ?, UTC_TIMESTAMP(), UTC_TIMESTAMP())`
	_, err := t.tx.ExecContext(ctx, q, key, orderID, status)
	return err
}

func (t *checkoutTx) UpsertIdempotency(ctx context.Context, key string, orderID uint64, status string) error {
	const q = `INSERT INTO idempotency_keys (idem_key, order_id, status, created_at, updated_at)
	           VALUES (?, ?, ?, UTC_TIMESTAMP(), UTC_TIMESTAMP())
	           ON DUPLICATE KEY UPDATE updated_at = UTC_TIMESTAMP()`
	_, err := t.tx.ExecContext(ctx, q, key, orderID, status)
	return err
}

func (t *checkoutTx) DecrementStockGuarded(ctx context.Context, productID uint64, qty uint32) (bool, error) {
	const q = `UPDATE products SET stock = stock - ?, updated_at = UTC_TIMESTAMP()
	           WHERE id = ? AND stock >= ?`
	res, err := t.tx.ExecContext(ctx, q, qty, productID, qty)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *checkoutTx) ProductStock(ctx context.Context, productID uint64) (uint32, error) {
	const q = `SELECT stock FROM products WHERE id = ?`
	var stock uint32
	err := t.tx.QueryRowContext(ctx, q, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, err
	}
	return stock, nil
}
