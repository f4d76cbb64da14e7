package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderExists   = errors.New("order already exists")
)

// OrdersStore persists orders and applies state machine transitions
// atomically. Transition loads the row under lock, runs Next, and
// writes the target state in the same transaction, so concurrent
// events serialize per order.
type OrdersStore interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, orderID uuid.UUID) (*Order, error)

	// Transition applies trigger to the order. applied is false when
	// the trigger was absorbed; the returned order carries the state
	// after the call either way.
	Transition(ctx context.Context, orderID uuid.UUID, trigger string) (*Order, bool, error)

	// AttachReservation records which reservation backs the order.
	// Safe to repeat.
	AttachReservation(ctx context.Context, orderID, reservationID uuid.UUID, expiresAt time.Time) error

	// ExpirePending fails every pending order whose expires_at has
	// passed and returns the orders that moved.
	ExpirePending(ctx context.Context) ([]Order, error)

	Close() error
}
