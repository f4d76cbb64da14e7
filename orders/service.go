package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/clock"
	"github.com/timour/marketplace-fulfillment/common/events"
)

// ErrNotCancellable is returned when an order is past the point where
// cancellation makes sense.
var ErrNotCancellable = errors.New("order can no longer be cancelled")

// CreateOrderRequest is the payload of POST /orders.
type CreateOrderRequest struct {
	ProductID  uuid.UUID `json:"product_id"`
	SupplierID uuid.UUID `json:"supplier_id"`
	UserID     uuid.UUID `json:"user_id"`
	Qty        int       `json:"qty"`
}

func (r *CreateOrderRequest) Validate() error {
	if r.ProductID == uuid.Nil || r.SupplierID == uuid.Nil || r.UserID == uuid.Nil {
		return errors.New("product_id, supplier_id and user_id are required")
	}
	if r.Qty <= 0 {
		return errors.New("qty must be positive")
	}
	return nil
}

// Service owns order writes: creation, cancellation, and the state
// transitions driven by inventory events.
type Service struct {
	store     OrdersStore
	publisher broker.EventPublisher
	logger    *zap.Logger
	clock     clock.Clock
	orderTTL  time.Duration
}

func NewService(store OrdersStore, publisher broker.EventPublisher, logger *zap.Logger, clk clock.Clock, orderTTL time.Duration) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		clock:     clk,
		orderTTL:  orderTTL,
	}
}

// CreateOrder persists a pending order and announces it. The write
// commits before the publish; if the publish fails the order stays
// pending and the expirer eventually fails it.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	order := Order{
		OrderID:    uuid.New(),
		ProductID:  req.ProductID,
		SupplierID: req.SupplierID,
		UserID:     req.UserID,
		Qty:        req.Qty,
		Status:     StatusPending,
		ExpiresAt:  now.Add(s.orderTTL),
		CreatedAt:  now,
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, &events.OrderCreated{
		OrderID:    order.OrderID,
		ProductID:  order.ProductID,
		SupplierID: order.SupplierID,
		UserID:     order.UserID,
		Qty:        order.Qty,
		ExpiresAt:  order.ExpiresAt,
	}); err != nil {
		// The row is committed; returning it with the error lets the
		// API surface a server fault instead of a client one.
		return &order, fmt.Errorf("order %s stored but not announced: %w", order.OrderID, err)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.OrderID.String()),
		zap.String("product_id", order.ProductID.String()),
		zap.Int("qty", order.Qty),
	)
	return &order, nil
}

// CancelOrder moves an order to cancelled and tells inventory to give
// the stock back.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	order, applied, err := s.store.Transition(ctx, orderID, TriggerCancelRequested)
	if err != nil {
		return nil, err
	}
	if !applied {
		if order.Status == StatusCancelled {
			// Repeat cancel; nothing left to do.
			return order, nil
		}
		// The state machine absorbs the request; the API still tells
		// the caller the order is past cancelling.
		return order, fmt.Errorf("%w: status %s", ErrNotCancellable, order.Status)
	}

	if err := s.publisher.Publish(ctx, &events.OrderCancelled{
		OrderID:   order.OrderID,
		ProductID: order.ProductID,
		UserID:    order.UserID,
		Qty:       order.Qty,
	}); err != nil {
		// The order is cancelled locally either way; the reservation
		// expirer is the backstop for the lost compensation.
		s.logger.Error("failed to publish cancellation",
			zap.String("order_id", order.OrderID.String()),
			zap.Error(err),
		)
		return order, nil
	}

	s.logger.Info("order cancelled", zap.String("order_id", order.OrderID.String()))
	return order, nil
}

// GetOrder fetches one order.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// Apply runs a bus trigger through the state machine and logs applied
// transitions. Used by the consumer.
func (s *Service) Apply(ctx context.Context, orderID uuid.UUID, trigger string) (*Order, bool, error) {
	order, applied, err := s.store.Transition(ctx, orderID, trigger)
	if err != nil {
		return order, applied, err
	}
	if applied {
		s.logger.Info("order transitioned",
			zap.String("order_id", orderID.String()),
			zap.String("trigger", trigger),
			zap.String("status", string(order.Status)),
		)
	}
	return order, applied, nil
}

// ExpireOverdue fails pending orders whose deadline passed and emits
// order.failed for each so inventory releases any stray holds.
func (s *Service) ExpireOverdue(ctx context.Context) error {
	expired, err := s.store.ExpirePending(ctx)
	if err != nil {
		return err
	}
	for _, o := range expired {
		s.logger.Info("order expired",
			zap.String("order_id", o.OrderID.String()),
			zap.Time("expires_at", o.ExpiresAt),
		)
		if err := s.publisher.Publish(ctx, &events.OrderFailed{
			OrderID:   o.OrderID,
			ProductID: o.ProductID,
			UserID:    o.UserID,
		}); err != nil {
			s.logger.Error("failed to publish order failure",
				zap.String("order_id", o.OrderID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}
