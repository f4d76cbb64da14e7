package main

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	// StatusPending is the initial state: order accepted, stock not
	// yet confirmed.
	StatusPending OrderStatus = "pending"

	// StatusConfirmed means inventory holds a reservation for it.
	StatusConfirmed OrderStatus = "confirmed"

	// StatusShipped means payment went through and stock was deducted.
	StatusShipped OrderStatus = "shipped"

	// Terminal states. Once reached, no event moves the order again.
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether the status absorbs all further triggers.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Order is one buyer order moving through the fulfillment saga.
type Order struct {
	OrderID       uuid.UUID   `json:"order_id"`
	ProductID     uuid.UUID   `json:"product_id"`
	SupplierID    uuid.UUID   `json:"supplier_id"`
	UserID        uuid.UUID   `json:"user_id"`
	Qty           int         `json:"qty"`
	Status        OrderStatus `json:"status"`
	ReservationID uuid.UUID   `json:"reservation_id,omitempty"`
	ExpiresAt     time.Time   `json:"expires_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
