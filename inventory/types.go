package main

import (
	"time"

	"github.com/google/uuid"
)

// Product is the authoritative stock record for one supplier's product.
// available_for_sale = Quantity - Reserved.
type Product struct {
	SupplierID        uuid.UUID `json:"supplier_id"`
	ProductID         uuid.UUID `json:"product_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Category          string    `json:"category"`
	Price             float64   `json:"price"`
	Unit              string    `json:"unit"`
	Quantity          int       `json:"quantity"`
	Reserved          int       `json:"reserved"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Available         bool      `json:"available"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LowStock reports whether remaining physical stock is at or below the
// product's threshold.
func (p *Product) LowStock() bool {
	return p.Quantity <= p.LowStockThreshold
}

// Reservation is a hold on product stock for a single order. A
// reservation is active while Released is false; Release, Finalize and
// Expire each flip it exactly once, and there is no path back.
type Reservation struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	OrderID       uuid.UUID `json:"order_id"`
	ProductID     uuid.UUID `json:"product_id"`
	UserID        uuid.UUID `json:"user_id"`
	Qty           int       `json:"qty"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	Released      bool      `json:"released"`
}

// ProductUpdate is a partial update applied to a product row. Nil
// fields are left unchanged; QuantityChange takes precedence over
// Quantity when both are set.
type ProductUpdate struct {
	ProductID         uuid.UUID
	Name              *string
	Description       *string
	Category          *string
	Price             *float64
	Unit              *string
	Quantity          *int
	QuantityChange    *int
	Available         *bool
	LowStockThreshold *int
}
