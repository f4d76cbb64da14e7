package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound = errors.New("product not found")

	// ErrInsufficientStock is a business outcome, not a failure: the
	// engine answers it with inventory.rejected.
	ErrInsufficientStock = errors.New("insufficient stock")

	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationReleased marks a reservation that was already
	// consumed, cancelled or expired.
	ErrReservationReleased = errors.New("reservation already released")

	// ErrStockMismatch means a guarded UPDATE touched zero rows: the
	// counters disagree with the reservation ledger. Never retried.
	ErrStockMismatch = errors.New("stock counters out of sync")

	// ErrActiveReservations guards product deletion.
	ErrActiveReservations = errors.New("product has active reservations")
)

// ReserveResult is the outcome of a Reserve transaction.
type ReserveResult struct {
	Reservation Reservation

	// AlreadyReserved is set when the order_id idempotency gate hit:
	// Reservation echoes the existing row and nothing was mutated.
	AlreadyReserved bool

	// Expired lists reservations swept opportunistically inside the
	// same transaction; the caller emits one expiry event per entry.
	Expired []Reservation
}

// InventoryStore is the transactional contract of saga storage.
// Every method is one transaction: product row locked first, derived
// counters written under the same lock, committed before the caller
// publishes anything.
type InventoryStore interface {
	// Reserve holds qty units of a product for an order. The
	// reservation expires at now+ttl unless finalized or released.
	Reserve(ctx context.Context, supplierID, productID, orderID, userID uuid.UUID, qty int, ttl time.Duration) (*ReserveResult, error)

	// Release returns held stock to the pool. Missing or already
	// released reservations are an idempotent no-op (nil, nil).
	Release(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error)

	// Finalize converts the hold into a permanent deduction of both
	// reserved and quantity.
	Finalize(ctx context.Context, orderID uuid.UUID, qty int) (*Reservation, error)

	// ExpireDue releases every reservation whose expires_at has
	// passed and returns them.
	ExpireDue(ctx context.Context) ([]Reservation, error)

	CreateProduct(ctx context.Context, p Product) (*Product, bool, error)
	UpdateProduct(ctx context.Context, supplierID uuid.UUID, upd ProductUpdate) (*Product, error)
	DeleteProduct(ctx context.Context, supplierID, productID uuid.UUID) error
	GetProduct(ctx context.Context, supplierID, productID uuid.UUID) (*Product, error)

	Close() error
}
