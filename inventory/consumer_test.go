package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/events"
)

func newTestConsumer(t *testing.T) (*Consumer, *fixture) {
	t.Helper()
	f := newFixture(t, 10)
	return NewConsumer(f.engine, zap.NewNop()), f
}

func encode(t *testing.T, p events.Payload) []byte {
	t.Helper()
	body, err := events.Marshal(p, time.Now())
	require.NoError(t, err)
	return body
}

func TestConsumerDispatchesOrderCreated(t *testing.T) {
	c, f := newTestConsumer(t)

	body := encode(t, &events.OrderCreated{
		OrderID:    uuid.New(),
		ProductID:  f.product.ProductID,
		SupplierID: f.product.SupplierID,
		UserID:     uuid.New(),
		Qty:        2,
	})

	assert.Equal(t, broker.Ack, c.Handle(context.Background(), body, 0))
	assert.Len(t, f.publisher.byTopic(events.InventoryReservedEvent), 1)
}

func TestConsumerRejectsMalformedBody(t *testing.T) {
	c, _ := newTestConsumer(t)
	assert.Equal(t, broker.Reject, c.Handle(context.Background(), []byte("not json"), 0))
}

func TestConsumerRejectsInvalidPayload(t *testing.T) {
	c, _ := newTestConsumer(t)

	// Well-formed envelope, qty missing from the payload.
	env := events.Envelope{
		EventType:      events.OrderCreatedEvent,
		EventTimestamp: time.Now(),
		ID:             uuid.New(),
		Data:           json.RawMessage(`{"order_id":"` + uuid.NewString() + `"}`),
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	assert.Equal(t, broker.Reject, c.Handle(context.Background(), body, 0))
}

func TestConsumerAcksUnknownEventType(t *testing.T) {
	c, _ := newTestConsumer(t)

	env := events.Envelope{
		EventType:      "shipment.dispatched",
		EventTimestamp: time.Now(),
		Data:           json.RawMessage(`{}`),
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	assert.Equal(t, broker.Ack, c.Handle(context.Background(), body, 0))
}

func TestConsumerAcksOrderSideEvents(t *testing.T) {
	c, f := newTestConsumer(t)

	// order.delivered matches the order.* binding but is handled by
	// the order service, not here.
	body := encode(t, &events.OrderDelivered{OrderID: uuid.New()})
	assert.Equal(t, broker.Ack, c.Handle(context.Background(), body, 0))
	assert.Empty(t, f.publisher.byTopic(events.InventoryReservedEvent))
}

func TestConsumerSagaRoundTrip(t *testing.T) {
	c, f := newTestConsumer(t)
	ctx := context.Background()

	order := &events.OrderCreated{
		OrderID:    uuid.New(),
		ProductID:  f.product.ProductID,
		SupplierID: f.product.SupplierID,
		UserID:     uuid.New(),
		Qty:        3,
	}
	require.Equal(t, broker.Ack, c.Handle(ctx, encode(t, order), 0))
	require.Equal(t, broker.Ack, c.Handle(ctx, encode(t, &events.PaymentSuccess{
		OrderID:   order.OrderID,
		ProductID: order.ProductID,
		Qty:       order.Qty,
	}), 0))

	quantity, reserved := f.counters(t)
	assert.Equal(t, 7, quantity)
	assert.Equal(t, 0, reserved)
	assert.Len(t, f.publisher.byTopic(events.InventoryFinalizedEvent), 1)
}
