package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/events"
)

// inventoryPatterns are the topic bindings of inventory_queue. The
// queue also sees order events the engine does not act on; those are
// acked untouched.
var inventoryPatterns = []string{"order.*", "payment.*", "product.*"}

// Consumer routes deliveries from inventory_queue to the engine.
type Consumer struct {
	engine *ReservationEngine
	logger *zap.Logger
}

func NewConsumer(engine *ReservationEngine, logger *zap.Logger) *Consumer {
	return &Consumer{engine: engine, logger: logger}
}

// Run consumes inventory_queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, b *broker.Broker) error {
	return b.Subscribe(ctx, broker.InventoryQueue, inventoryPatterns, c.Handle)
}

// Handle decodes one delivery and dispatches it by event type.
func (c *Consumer) Handle(ctx context.Context, body []byte, retries int64) broker.Verdict {
	payload, env, err := events.Decode(body)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			// Bound patterns can match events this service has no
			// handler for; they are not errors.
			c.logger.Debug("ignoring event", zap.String("event_type", env.EventType))
			return broker.Ack
		}
		// Malformed payloads never get better on retry.
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
	case *events.OrderCreated:
		return c.engine.HandleOrderCreated(ctx, ev)
	case *events.OrderCancelled:
		return c.engine.HandleOrderCancelled(ctx, ev)
	case *events.OrderFailed:
		return c.engine.HandleOrderFailed(ctx, ev)
	case *events.PaymentSuccess:
		return c.engine.HandlePaymentSuccess(ctx, ev)
	case *events.ProductCreated:
		return c.engine.HandleProductCreated(ctx, ev)
	case *events.ProductUpdated:
		return c.engine.HandleProductUpdated(ctx, ev)
	case *events.ProductDeleted:
		return c.engine.HandleProductDeleted(ctx, ev)
	default:
		// order.delivered and similar order-side events share the
		// order.* pattern but belong to the order service.
		return broker.Ack
	}
}
