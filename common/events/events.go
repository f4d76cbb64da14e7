// Package events defines the routing keys and payload types carried on
// the marketplace.events topic exchange. Every message is a tagged
// envelope; Decode dispatches on the tag so that a malformed payload
// fails at parse level instead of deep inside a handler.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event routing keys. Both services bind by pattern, so the namespaces
// stay disjoint: the order service owns order.*, the inventory service
// owns inventory.*.
const (
	OrderCreatedEvent   = "order.created"
	OrderCancelledEvent = "order.cancelled"
	OrderFailedEvent    = "order.failed"
	OrderDeliveredEvent = "order.delivered"

	InventoryReservedEvent           = "inventory.reserved"
	InventoryRejectedEvent           = "inventory.rejected"
	InventoryReleasedEvent           = "inventory.released"
	InventoryReservationExpiredEvent = "inventory.reservation_expired"
	InventoryFinalizedEvent          = "inventory.finalized"
	InventoryUpdatedEvent            = "inventory.updated"
	InventoryLowStockEvent           = "inventory.lowstock"

	PaymentSuccessEvent = "payment.success"

	ProductCreatedEvent = "product.created"
	ProductUpdatedEvent = "product.updated"
	ProductDeletedEvent = "product.deleted"
	ProductViewedEvent  = "product.viewed"
	UserCreatedEvent    = "user.created"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownEvent = errors.New("unknown event type")
)

// Envelope is the wire format of every message on the bus.
type Envelope struct {
	EventType      string          `json:"event_type"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	ID             uuid.UUID       `json:"id,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// Payload is implemented by every concrete event type.
type Payload interface {
	Topic() string
	Validate() error
}

// OrderCreated starts the reservation saga.
type OrderCreated struct {
	OrderID    uuid.UUID       `json:"order_id"`
	ProductID  uuid.UUID       `json:"product_id"`
	SupplierID uuid.UUID       `json:"supplier_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Qty        int             `json:"qty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Items      json.RawMessage `json:"items,omitempty"`
}

func (e *OrderCreated) Topic() string { return OrderCreatedEvent }

func (e *OrderCreated) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil || e.SupplierID == uuid.Nil || e.UserID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, OrderCreatedEvent)
	}
	if e.Qty <= 0 {
		return fmt.Errorf("%w: %s qty must be positive", ErrMalformed, OrderCreatedEvent)
	}
	return nil
}

type OrderCancelled struct {
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	UserID    uuid.UUID `json:"user_id"`
	Qty       int       `json:"qty"`
}

func (e *OrderCancelled) Topic() string { return OrderCancelledEvent }

func (e *OrderCancelled) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, OrderCancelledEvent)
	}
	return nil
}

type OrderFailed struct {
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	UserID    uuid.UUID `json:"user_id"`
}

func (e *OrderFailed) Topic() string { return OrderFailedEvent }

func (e *OrderFailed) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, OrderFailedEvent)
	}
	return nil
}

// OrderDelivered is emitted by the external logistics service.
type OrderDelivered struct {
	OrderID uuid.UUID `json:"order_id"`
}

func (e *OrderDelivered) Topic() string { return OrderDeliveredEvent }

func (e *OrderDelivered) Validate() error {
	if e.OrderID == uuid.Nil {
		return fmt.Errorf("%w: %s missing order_id", ErrMalformed, OrderDeliveredEvent)
	}
	return nil
}

type InventoryReserved struct {
	OrderID       uuid.UUID `json:"order_id"`
	ProductID     uuid.UUID `json:"product_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Qty           int       `json:"qty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (e *InventoryReserved) Topic() string { return InventoryReservedEvent }

func (e *InventoryReserved) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil || e.ReservationID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, InventoryReservedEvent)
	}
	return nil
}

type InventoryRejected struct {
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	UserID    uuid.UUID `json:"user_id"`
	Qty       int       `json:"qty"`
}

func (e *InventoryRejected) Topic() string { return InventoryRejectedEvent }

func (e *InventoryRejected) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, InventoryRejectedEvent)
	}
	return nil
}

type InventoryReleased struct {
	OrderID       uuid.UUID `json:"order_id"`
	ProductID     uuid.UUID `json:"product_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Qty           int       `json:"qty"`
}

func (e *InventoryReleased) Topic() string { return InventoryReleasedEvent }

func (e *InventoryReleased) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, InventoryReleasedEvent)
	}
	return nil
}

type InventoryReservationExpired struct {
	OrderID       uuid.UUID `json:"order_id"`
	ProductID     uuid.UUID `json:"product_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	UserID        uuid.UUID `json:"user_id"`
	Qty           int       `json:"qty"`
}

func (e *InventoryReservationExpired) Topic() string { return InventoryReservationExpiredEvent }

func (e *InventoryReservationExpired) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, InventoryReservationExpiredEvent)
	}
	return nil
}

type InventoryFinalized struct {
	OrderID       uuid.UUID `json:"order_id"`
	ProductID     uuid.UUID `json:"product_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Qty           int       `json:"qty"`
}

func (e *InventoryFinalized) Topic() string { return InventoryFinalizedEvent }

func (e *InventoryFinalized) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, InventoryFinalizedEvent)
	}
	return nil
}

// PaymentSuccess is emitted by the external payment service.
type PaymentSuccess struct {
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	Qty       int       `json:"qty"`
}

func (e *PaymentSuccess) Topic() string { return PaymentSuccessEvent }

func (e *PaymentSuccess) Validate() error {
	if e.OrderID == uuid.Nil || e.ProductID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, PaymentSuccessEvent)
	}
	return nil
}

// ProductCreated announces a new catalog product to the inventory service.
type ProductCreated struct {
	ProductID         uuid.UUID `json:"product_id"`
	SupplierID        uuid.UUID `json:"supplier_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Category          string    `json:"category"`
	Price             float64   `json:"price"`
	Unit              string    `json:"unit"`
	Quantity          int       `json:"quantity"`
	LowStockThreshold int       `json:"low_stock_threshold"`
}

func (e *ProductCreated) Topic() string { return ProductCreatedEvent }

func (e *ProductCreated) Validate() error {
	if e.ProductID == uuid.Nil || e.SupplierID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, ProductCreatedEvent)
	}
	if e.Quantity < 0 {
		return fmt.Errorf("%w: %s negative quantity", ErrMalformed, ProductCreatedEvent)
	}
	return nil
}

// ProductUpdated carries a partial catalog update; nil fields are left
// untouched by the inventory service.
type ProductUpdated struct {
	ProductID         uuid.UUID `json:"product_id"`
	SupplierID        uuid.UUID `json:"supplier_id"`
	Name              *string   `json:"name,omitempty"`
	Description       *string   `json:"description,omitempty"`
	Category          *string   `json:"category,omitempty"`
	Price             *float64  `json:"price,omitempty"`
	Unit              *string   `json:"unit,omitempty"`
	Quantity          *int      `json:"quantity,omitempty"`
	QuantityChange    *int      `json:"quantity_change,omitempty"`
	Available         *bool     `json:"available,omitempty"`
	LowStockThreshold *int      `json:"low_stock_threshold,omitempty"`
}

func (e *ProductUpdated) Topic() string { return ProductUpdatedEvent }

func (e *ProductUpdated) Validate() error {
	if e.ProductID == uuid.Nil || e.SupplierID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, ProductUpdatedEvent)
	}
	return nil
}

type ProductDeleted struct {
	ProductID  uuid.UUID `json:"product_id"`
	SupplierID uuid.UUID `json:"supplier_id"`
}

func (e *ProductDeleted) Topic() string { return ProductDeletedEvent }

func (e *ProductDeleted) Validate() error {
	if e.ProductID == uuid.Nil || e.SupplierID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, ProductDeletedEvent)
	}
	return nil
}

// StockUpdate fans out on inventory.updated whenever a product's
// counters or metadata change outside the saga.
type StockUpdate struct {
	ProductID   uuid.UUID `json:"product_id"`
	SupplierID  uuid.UUID `json:"supplier_id"`
	NewQuantity int       `json:"new_quantity"`
	Change      *int      `json:"change,omitempty"`
	LowStock    bool      `json:"low_stock"`
}

func (e *StockUpdate) Topic() string { return InventoryUpdatedEvent }

func (e *StockUpdate) Validate() error {
	if e.ProductID == uuid.Nil || e.SupplierID == uuid.Nil {
		return fmt.Errorf("%w: %s missing identifier", ErrMalformed, InventoryUpdatedEvent)
	}
	return nil
}

// LowStockAlert mirrors StockUpdate on inventory.lowstock when the
// remaining quantity crosses the product's threshold.
type LowStockAlert StockUpdate

func (e *LowStockAlert) Topic() string { return InventoryLowStockEvent }

func (e *LowStockAlert) Validate() error {
	return (*StockUpdate)(e).Validate()
}

// Marshal wraps a payload into an envelope and serializes it.
func Marshal(p Payload, at time.Time) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Topic(), err)
	}
	env := Envelope{
		EventType:      p.Topic(),
		EventTimestamp: at.UTC(),
		ID:             uuid.New(),
		Data:           data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", p.Topic(), err)
	}
	return body, nil
}

// Decode parses an envelope and its typed payload. Unknown event types
// return the envelope together with ErrUnknownEvent so catch-all
// consumers can still persist the raw message.
func Decode(body []byte) (Payload, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.EventType == "" {
		return nil, nil, fmt.Errorf("%w: missing event_type", ErrMalformed)
	}

	p := newPayload(env.EventType)
	if p == nil {
		return nil, &env, fmt.Errorf("%w: %s", ErrUnknownEvent, env.EventType)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, &env, fmt.Errorf("%w: %s data: %v", ErrMalformed, env.EventType, err)
	}
	if err := p.Validate(); err != nil {
		return nil, &env, err
	}
	return p, &env, nil
}

func newPayload(eventType string) Payload {
	switch eventType {
	case OrderCreatedEvent:
		return &OrderCreated{}
	case OrderCancelledEvent:
		return &OrderCancelled{}
	case OrderFailedEvent:
		return &OrderFailed{}
	case OrderDeliveredEvent:
		return &OrderDelivered{}
	case InventoryReservedEvent:
		return &InventoryReserved{}
	case InventoryRejectedEvent:
		return &InventoryRejected{}
	case InventoryReleasedEvent:
		return &InventoryReleased{}
	case InventoryReservationExpiredEvent:
		return &InventoryReservationExpired{}
	case InventoryFinalizedEvent:
		return &InventoryFinalized{}
	case InventoryUpdatedEvent:
		return &StockUpdate{}
	case InventoryLowStockEvent:
		return &LowStockAlert{}
	case PaymentSuccessEvent:
		return &PaymentSuccess{}
	case ProductCreatedEvent:
		return &ProductCreated{}
	case ProductUpdatedEvent:
		return &ProductUpdated{}
	case ProductDeletedEvent:
		return &ProductDeleted{}
	default:
		return nil
	}
}
