package main

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/events"
)

// orderPatterns binds order_queue to the inventory replies plus the
// delivery notification from logistics.
var orderPatterns = []string{"inventory.*", events.OrderDeliveredEvent}

// Consumer routes deliveries from order_queue into the service.
type Consumer struct {
	service *Service
	logger  *zap.Logger
}

func NewConsumer(service *Service, logger *zap.Logger) *Consumer {
	return &Consumer{service: service, logger: logger}
}

// Run consumes order_queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, b *broker.Broker) error {
	return b.Subscribe(ctx, broker.OrderQueue, orderPatterns, c.Handle)
}

// Handle decodes one delivery and applies it to the order lifecycle.
func (c *Consumer) Handle(ctx context.Context, body []byte, retries int64) broker.Verdict {
	payload, env, err := events.Decode(body)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			c.logger.Debug("ignoring event", zap.String("event_type", env.EventType))
			return broker.Ack
		}
		c.logger.Error("dropping malformed event", zap.Error(err))
		return broker.Reject
	}

	if retries > 0 {
		c.logger.Warn("redelivery",
			zap.String("event_type", env.EventType),
			zap.Int64("retries", retries),
		)
	}

	switch ev := payload.(type) {
	case *events.InventoryReserved:
		if err := c.service.store.AttachReservation(ctx, ev.OrderID, ev.ReservationID, ev.ExpiresAt); err != nil {
			return c.verdictFor(ev.OrderID, err)
		}
		return c.apply(ctx, ev.OrderID, events.InventoryReservedEvent)

	case *events.InventoryRejected:
		return c.apply(ctx, ev.OrderID, events.InventoryRejectedEvent)

	case *events.InventoryFinalized:
		return c.apply(ctx, ev.OrderID, events.InventoryFinalizedEvent)

	case *events.InventoryReservationExpired:
		// The stock is already back in the pool; only the order state
		// moves here, so no compensation is emitted.
		return c.apply(ctx, ev.OrderID, events.InventoryReservationExpiredEvent)

	case *events.OrderDelivered:
		return c.apply(ctx, ev.OrderID, events.OrderDeliveredEvent)

	case *events.InventoryReleased:
		// Usually echoes a cancellation this service initiated and
		// absorbs; a release arriving first cancels the order here.
		return c.apply(ctx, ev.OrderID, events.InventoryReleasedEvent)

	default:
		// inventory.updated, inventory.lowstock and the service's own
		// order.* events need no lifecycle action.
		return broker.Ack
	}
}

func (c *Consumer) apply(ctx context.Context, orderID uuid.UUID, trigger string) broker.Verdict {
	_, _, err := c.service.Apply(ctx, orderID, trigger)
	return c.verdictFor(orderID, err)
}

func (c *Consumer) verdictFor(orderID uuid.UUID, err error) broker.Verdict {
	switch {
	case err == nil:
		return broker.Ack

	case errors.Is(err, ErrOrderNotFound):
		// Inventory answered for an order this service has not seen.
		// Orders commit before order.created goes out, so this only
		// happens when replicas lag; retry, then dead-letter.
		c.logger.Warn("event for unknown order", zap.String("order_id", orderID.String()))
		return broker.Requeue

	case errors.Is(err, ErrUnknownTrigger):
		c.logger.Error("no transition rule", zap.Error(err))
		return broker.Reject

	default:
		c.logger.Error("transition failed",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return broker.Requeue
	}
}
