// Package repository provides data access to the durable MySQL store:
// the product catalogue, the order ledger and the idempotency log. It
// also defines the transaction contract the payment coordinator runs
// against, so tests can substitute an in-memory implementation.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrProductNotFound is returned when a product id has no row. Handlers
// translate it into an HTTP 404 response.
var ErrProductNotFound = errors.New("product not found")

// ErrOrderNotFound is returned when an order id has no row. Handlers
// translate it into an HTTP 404 response.
var ErrOrderNotFound = errors.New("order not found")

// ErrUnknownOrderState is returned when an order row carries a state
// outside the canonical enum. Legacy seeders wrote other values; the
// coordinator refuses to act on them.
var ErrUnknownOrderState = errors.New("unknown order state")

// IsDeadlock reports whether err is a deadlock-class MySQL error worth
// retrying the enclosing transaction for: 1213 (deadlock found) or 1205
// (lock wait timeout exceeded).
func IsDeadlock(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == 1213 || me.Number == 1205
}
