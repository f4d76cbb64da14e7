package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/clock"
	"github.com/timour/marketplace-fulfillment/common/events"
)

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []events.Payload
}

func (p *recordingPublisher) Publish(_ context.Context, payload events.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) byTopic(topic string) []events.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Payload
	for _, pl := range p.payloads {
		if pl.Topic() == topic {
			out = append(out, pl)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recordingPublisher, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	svc := NewService(NewMemoryStore(clk), pub, zap.NewNop(), clk, 48*time.Hour)
	return svc, pub, clk
}

func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		ProductID:  uuid.New(),
		SupplierID: uuid.New(),
		UserID:     uuid.New(),
		Qty:        2,
	}
}

func TestCreateOrderPublishesAfterWrite(t *testing.T) {
	svc, pub, clk := newTestService(t)

	order, err := svc.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, clk.Now().Add(48*time.Hour), order.ExpiresAt)

	published := pub.byTopic(events.OrderCreatedEvent)
	require.Len(t, published, 1)
	ev := published[0].(*events.OrderCreated)
	assert.Equal(t, order.OrderID, ev.OrderID)
	assert.Equal(t, order.ExpiresAt, ev.ExpiresAt)
}

func TestCreateOrderValidates(t *testing.T) {
	svc, pub, _ := newTestService(t)

	req := validRequest()
	req.Qty = 0
	_, err := svc.CreateOrder(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, pub.byTopic(events.OrderCreatedEvent))
}

func TestCancelOrderEmitsCompensation(t *testing.T) {
	svc, pub, _ := newTestService(t)
	order, err := svc.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)

	cancelled, err := svc.CancelOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	published := pub.byTopic(events.OrderCancelledEvent)
	require.Len(t, published, 1)
	assert.Equal(t, order.Qty, published[0].(*events.OrderCancelled).Qty)

	// Repeat cancel succeeds but does not publish again.
	again, err := svc.CancelOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Len(t, pub.byTopic(events.OrderCancelledEvent), 1)
}

func TestCancelShippedOrderRefused(t *testing.T) {
	svc, _, _ := newTestService(t)
	order, err := svc.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)

	_, applied, err := svc.Apply(context.Background(), order.OrderID, events.InventoryReservedEvent)
	require.NoError(t, err)
	require.True(t, applied)
	_, applied, err = svc.Apply(context.Background(), order.OrderID, events.InventoryFinalizedEvent)
	require.NoError(t, err)
	require.True(t, applied)

	shipped, err := svc.CancelOrder(context.Background(), order.OrderID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.Equal(t, StatusShipped, shipped.Status)
}

func TestExpireOverdueFailsPendingOrders(t *testing.T) {
	svc, pub, clk := newTestService(t)
	order, err := svc.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)

	// A confirmed order has a live reservation and must not expire.
	confirmed, err := svc.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)
	_, applied, err := svc.Apply(context.Background(), confirmed.OrderID, events.InventoryReservedEvent)
	require.NoError(t, err)
	require.True(t, applied)

	clk.Advance(49 * time.Hour)
	require.NoError(t, svc.ExpireOverdue(context.Background()))

	got, err := svc.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	stillConfirmed, err := svc.GetOrder(context.Background(), confirmed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, stillConfirmed.Status)

	failed := pub.byTopic(events.OrderFailedEvent)
	require.Len(t, failed, 1)
	assert.Equal(t, order.OrderID, failed[0].(*events.OrderFailed).OrderID)

	// Sweep again: nothing new moves.
	require.NoError(t, svc.ExpireOverdue(context.Background()))
	assert.Len(t, pub.byTopic(events.OrderFailedEvent), 1)
}
