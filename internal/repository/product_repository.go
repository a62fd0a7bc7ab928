package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/flash-sale-checkout/internal/model"
)

// ProductRepo provides read access to the products table and the
// row-level lock the stock ledger's pessimistic path serializes on.
// The core never mutates products.stock outside the webhook
// transaction's guarded decrement.
type ProductRepo struct {
	db *sql.DB
}

// NewProductRepo returns a new ProductRepo bound to the provided database.
func NewProductRepo(db *sql.DB) *ProductRepo { return &ProductRepo{db: db} }

// GetByID fetches a product row. Returns ErrProductNotFound when the id
// has no row.
func (r *ProductRepo) GetByID(ctx context.Context, id uint64) (*model.Product, error) {
	const q = `SELECT id, name, price, stock, created_at, updated_at FROM products WHERE id = ?`
	var p model.Product
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Stock returns the product's current durable stock. Used by the stock
// ledger when seeding the fast-store counters.
func (r *ProductRepo) Stock(ctx context.Context, id uint64) (uint32, error) {
	const q = `SELECT stock FROM products WHERE id = ?`
	var stock uint32
	err := r.db.QueryRowContext(ctx, q, id).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, err
	}
	return stock, nil
}

// WithStockLock runs fn while holding an exclusive row lock on the
// product. fn receives the locked stock value; the lock is released when
// the transaction commits or rolls back.
func (r *ProductRepo) WithStockLock(ctx context.Context, id uint64, fn func(stock uint32) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	const q = `SELECT stock FROM products WHERE id = ? FOR UPDATE`
	var stock uint32
	if err := tx.QueryRowContext(ctx, q, id).Scan(&stock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProductNotFound
		}
		return err
	}
	if err := fn(stock); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
