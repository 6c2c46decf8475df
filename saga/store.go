package saga

import (
	"context"
	"time"
)

// OrderStore is the persistence boundary. Each call is atomic for a single
// order. Implementations return copies so callers never share state.
type OrderStore interface {
	Create(ctx context.Context, order *Order) error
	// Get returns ErrNotFound when the order does not exist.
	Get(ctx context.Context, id string) (*Order, error)
	// UpdateStatus moves an order from one status to another and fails
	// with ErrConflict if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (*Order, error)
	// List returns one page of orders, newest first, and the total count.
	List(ctx context.Context, q ListQuery) ([]*Order, int, error)
}
