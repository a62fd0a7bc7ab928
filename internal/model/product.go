package model

import "time"

// Product is the durable catalogue entry a flash sale runs against.
// The stock column is the base inventory: it is only ever decremented
// when a payment is confirmed, never by holds.
//
// Fields:
//  ID        – primary key identifier.
//  Name      – display name of the product.
//  PriceCents – unit price in cents.
//  Stock     – remaining base stock (unsigned, guarded >= 0 in SQL).
//  CreatedAt – creation timestamp.
//  UpdatedAt – last update timestamp.
type Product struct {
	ID         uint64    // products.id
	Name       string    // products.name
	PriceCents uint32    // products.price
	Stock      uint32    // products.stock
	CreatedAt  time.Time // products.created_at
	UpdatedAt  time.Time // products.updated_at
}
