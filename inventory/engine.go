package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/events"
	"github.com/timour/marketplace-fulfillment/common/metrics"
)

// ReservationEngine runs the inventory side of the order saga. Every
// handler commits its transaction first and publishes afterwards, so a
// crash between the two only ever causes a redelivery, never a lost
// write. Redeliveries are absorbed by the order_id idempotency gate.
type ReservationEngine struct {
	store     InventoryStore
	publisher broker.EventPublisher
	saga      *metrics.SagaMetrics
	logger    *zap.Logger
	ttl       time.Duration
}

func NewReservationEngine(store InventoryStore, publisher broker.EventPublisher, saga *metrics.SagaMetrics, logger *zap.Logger, ttl time.Duration) *ReservationEngine {
	return &ReservationEngine{
		store:     store,
		publisher: publisher,
		saga:      saga,
		logger:    logger,
		ttl:       ttl,
	}
}

// HandleOrderCreated reserves stock for a new order and answers with
// inventory.reserved or inventory.rejected.
func (e *ReservationEngine) HandleOrderCreated(ctx context.Context, ev *events.OrderCreated) broker.Verdict {
	result, err := e.store.Reserve(ctx, ev.SupplierID, ev.ProductID, ev.OrderID, ev.UserID, ev.Qty, e.ttl)

	switch {
	case err == nil:
		// fallthrough below

	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrProductNotFound):
		// Business rejection, not a failure: the order cannot be
		// served, and retrying will not change that.
		e.logger.Info("order rejected",
			zap.String("order_id", ev.OrderID.String()),
			zap.String("product_id", ev.ProductID.String()),
			zap.Int("qty", ev.Qty),
			zap.Error(err),
		)
		if e.saga != nil {
			e.saga.ReservationsRejected.Inc()
		}
		if pubErr := e.publisher.Publish(ctx, &events.InventoryRejected{
			OrderID:   ev.OrderID,
			ProductID: ev.ProductID,
			UserID:    ev.UserID,
			Qty:       ev.Qty,
		}); pubErr != nil {
			e.logger.Error("failed to publish rejection", zap.Error(pubErr))
			return broker.Requeue
		}
		return broker.Ack

	case errors.Is(err, ErrStockMismatch):
		e.logger.Error("stock counters out of sync on reserve",
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return broker.Reject

	default:
		e.logger.Error("reserve failed",
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return broker.Requeue
	}

	e.emitExpired(ctx, result.Expired)

	if !result.AlreadyReserved && e.saga != nil {
		e.saga.ReservationsCreated.Inc()
	}

	res := result.Reservation
	if pubErr := e.publisher.Publish(ctx, &events.InventoryReserved{
		OrderID:       res.OrderID,
		ProductID:     res.ProductID,
		ReservationID: res.ReservationID,
		UserID:        res.UserID,
		Qty:           res.Qty,
		ExpiresAt:     res.ExpiresAt,
	}); pubErr != nil {
		// Redelivery hits the idempotency gate and only repeats the
		// publish.
		e.logger.Error("failed to publish reservation", zap.Error(pubErr))
		return broker.Requeue
	}

	e.logger.Info("stock reserved",
		zap.String("order_id", res.OrderID.String()),
		zap.String("reservation_id", res.ReservationID.String()),
		zap.Int("qty", res.Qty),
		zap.Bool("redelivery", result.AlreadyReserved),
	)
	return broker.Ack
}

// HandleOrderCancelled releases the reservation of a cancelled order.
func (e *ReservationEngine) HandleOrderCancelled(ctx context.Context, ev *events.OrderCancelled) broker.Verdict {
	return e.release(ctx, ev.OrderID, ev.Qty)
}

// HandleOrderFailed compensates an order the order service gave up on.
// The payload carries no qty; the full reservation is released.
func (e *ReservationEngine) HandleOrderFailed(ctx context.Context, ev *events.OrderFailed) broker.Verdict {
	return e.release(ctx, ev.OrderID, 0)
}

func (e *ReservationEngine) release(ctx context.Context, orderID uuid.UUID, qty int) broker.Verdict {
	res, err := e.store.Release(ctx, orderID, qty)
	switch {
	case err == nil && res == nil:
		// Nothing held for this order; expired, finalized, or never
		// reserved. Releasing nothing is a no-op.
		e.logger.Debug("release no-op", zap.String("order_id", orderID.String()))
		return broker.Ack

	case errors.Is(err, ErrStockMismatch):
		e.logger.Error("stock counters out of sync on release",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return broker.Reject

	case err != nil:
		e.logger.Error("release failed",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return broker.Requeue
	}

	if e.saga != nil {
		e.saga.ReservationsReleased.Inc()
	}

	if pubErr := e.publisher.Publish(ctx, &events.InventoryReleased{
		OrderID:       res.OrderID,
		ProductID:     res.ProductID,
		ReservationID: res.ReservationID,
		Qty:           res.Qty,
	}); pubErr != nil {
		// Safe to retry: the second Release is a no-op but the Ack is
		// still withheld until the event is out. The duplicate release
		// event is absorbed downstream.
		e.logger.Error("failed to publish release", zap.Error(pubErr))
		return broker.Requeue
	}

	e.logger.Info("reservation released",
		zap.String("order_id", res.OrderID.String()),
		zap.Int("qty", res.Qty),
	)
	return broker.Ack
}

// HandlePaymentSuccess converts the reservation into a permanent stock
// deduction.
func (e *ReservationEngine) HandlePaymentSuccess(ctx context.Context, ev *events.PaymentSuccess) broker.Verdict {
	res, err := e.store.Finalize(ctx, ev.OrderID, ev.Qty)
	switch {
	case err == nil:
		// fallthrough below

	case errors.Is(err, ErrReservationNotFound):
		// Money was taken for an order no hold exists for. That is a
		// bug or operator action, not a race to wait out.
		e.logger.Error("payment for unknown reservation",
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return broker.Reject

	case errors.Is(err, ErrReservationReleased):
		// Money was taken but the hold is gone. Retrying cannot fix
		// this; it needs an operator.
		e.logger.Error("payment for released reservation",
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return broker.Reject

	case errors.Is(err, ErrStockMismatch):
		e.logger.Error("stock counters out of sync on finalize",
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return broker.Reject

	default:
		e.logger.Error("finalize failed",
			zap.String("order_id", ev.OrderID.String()),
			zap.Error(err),
		)
		return broker.Requeue
	}

	if e.saga != nil {
		e.saga.ReservationsFinalized.Inc()
	}

	if pubErr := e.publisher.Publish(ctx, &events.InventoryFinalized{
		OrderID:       res.OrderID,
		ProductID:     res.ProductID,
		ReservationID: res.ReservationID,
		Qty:           res.Qty,
	}); pubErr != nil {
		e.logger.Error("failed to publish finalize", zap.Error(pubErr))
		return broker.Requeue
	}

	e.logger.Info("reservation finalized",
		zap.String("order_id", res.OrderID.String()),
		zap.Int("qty", res.Qty),
	)
	return broker.Ack
}

// SweepExpired releases every overdue reservation and announces each
// one. Called on a timer; overlapping runs are safe.
func (e *ReservationEngine) SweepExpired(ctx context.Context) error {
	expired, err := e.store.ExpireDue(ctx)
	if err != nil {
		return err
	}
	e.emitExpired(ctx, expired)
	return nil
}

func (e *ReservationEngine) emitExpired(ctx context.Context, expired []Reservation) {
	for _, r := range expired {
		if e.saga != nil {
			e.saga.ReservationsExpired.Inc()
		}
		if err := e.publisher.Publish(ctx, &events.InventoryReservationExpired{
			OrderID:       r.OrderID,
			ProductID:     r.ProductID,
			ReservationID: r.ReservationID,
			UserID:        r.UserID,
			Qty:           r.Qty,
		}); err != nil {
			// The stock is already back in the pool; the order side
			// catches up through its own expirer if this event is lost.
			e.logger.Error("failed to publish reservation expiry",
				zap.String("order_id", r.OrderID.String()),
				zap.Error(err),
			)
			continue
		}
		e.logger.Info("reservation expired",
			zap.String("order_id", r.OrderID.String()),
			zap.String("reservation_id", r.ReservationID.String()),
			zap.Int("qty", r.Qty),
		)
	}
}
