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

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/clock"
	"github.com/timour/marketplace-fulfillment/common/events"
)

// recordingPublisher captures published payloads for assertions.
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

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Payload) error {
	return assert.AnError
}

type fixture struct {
	store     *MemoryStore
	publisher *recordingPublisher
	engine    *ReservationEngine
	clock     *clock.Fake
	product   events.ProductCreated
}

func newFixture(t *testing.T, quantity int) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	pub := &recordingPublisher{}
	engine := NewReservationEngine(store, pub, nil, zap.NewNop(), 48*time.Hour)

	product := events.ProductCreated{
		ProductID:         uuid.New(),
		SupplierID:        uuid.New(),
		Name:              "crate of apples",
		Quantity:          quantity,
		LowStockThreshold: 2,
	}
	require.Equal(t, broker.Ack, engine.HandleProductCreated(context.Background(), &product))

	return &fixture{store: store, publisher: pub, engine: engine, clock: clk, product: product}
}

func (f *fixture) orderCreated(qty int) *events.OrderCreated {
	return &events.OrderCreated{
		OrderID:    uuid.New(),
		ProductID:  f.product.ProductID,
		SupplierID: f.product.SupplierID,
		UserID:     uuid.New(),
		Qty:        qty,
	}
}

func (f *fixture) counters(t *testing.T) (quantity, reserved int) {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), f.product.SupplierID, f.product.ProductID)
	require.NoError(t, err)
	return p.Quantity, p.Reserved
}

func TestReserveHappyPath(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(3)

	verdict := f.engine.HandleOrderCreated(context.Background(), order)
	require.Equal(t, broker.Ack, verdict)

	quantity, reserved := f.counters(t)
	assert.Equal(t, 10, quantity)
	assert.Equal(t, 3, reserved)

	published := f.publisher.byTopic(events.InventoryReservedEvent)
	require.Len(t, published, 1)
	ev := published[0].(*events.InventoryReserved)
	assert.Equal(t, order.OrderID, ev.OrderID)
	assert.Equal(t, 3, ev.Qty)
	assert.NotEqual(t, uuid.Nil, ev.ReservationID)
	assert.Equal(t, f.clock.Now().Add(48*time.Hour), ev.ExpiresAt)
}

func TestReserveInsufficientStockRejects(t *testing.T) {
	f := newFixture(t, 2)
	order := f.orderCreated(5)

	verdict := f.engine.HandleOrderCreated(context.Background(), order)
	require.Equal(t, broker.Ack, verdict)

	quantity, reserved := f.counters(t)
	assert.Equal(t, 2, quantity)
	assert.Equal(t, 0, reserved)

	rejected := f.publisher.byTopic(events.InventoryRejectedEvent)
	require.Len(t, rejected, 1)
	assert.Equal(t, order.OrderID, rejected[0].(*events.InventoryRejected).OrderID)
	assert.Empty(t, f.publisher.byTopic(events.InventoryReservedEvent))
}

func TestReserveUnknownProductRejects(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(1)
	order.ProductID = uuid.New()

	verdict := f.engine.HandleOrderCreated(context.Background(), order)
	require.Equal(t, broker.Ack, verdict)
	require.Len(t, f.publisher.byTopic(events.InventoryRejectedEvent), 1)
}

func TestReserveRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(4)

	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), order))
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), order))

	_, reserved := f.counters(t)
	assert.Equal(t, 4, reserved, "redelivery must not double-reserve")

	published := f.publisher.byTopic(events.InventoryReservedEvent)
	require.Len(t, published, 2, "each delivery re-announces the reservation")
	first := published[0].(*events.InventoryReserved)
	second := published[1].(*events.InventoryReserved)
	assert.Equal(t, first.ReservationID, second.ReservationID)
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t, 3)

	const orders = 10
	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.HandleOrderCreated(context.Background(), f.orderCreated(1))
		}()
	}
	wg.Wait()

	quantity, reserved := f.counters(t)
	assert.Equal(t, 3, reserved)
	assert.GreaterOrEqual(t, quantity, reserved)
	assert.Len(t, f.publisher.byTopic(events.InventoryReservedEvent), 3)
	assert.Len(t, f.publisher.byTopic(events.InventoryRejectedEvent), orders-3)
}

func TestCancelReleasesReservation(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(3)
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), order))

	cancel := &events.OrderCancelled{
		OrderID:   order.OrderID,
		ProductID: order.ProductID,
		UserID:    order.UserID,
		Qty:       order.Qty,
	}
	require.Equal(t, broker.Ack, f.engine.HandleOrderCancelled(context.Background(), cancel))

	quantity, reserved := f.counters(t)
	assert.Equal(t, 10, quantity)
	assert.Equal(t, 0, reserved)
	require.Len(t, f.publisher.byTopic(events.InventoryReleasedEvent), 1)

	// Second cancel is a no-op and publishes nothing new.
	require.Equal(t, broker.Ack, f.engine.HandleOrderCancelled(context.Background(), cancel))
	assert.Len(t, f.publisher.byTopic(events.InventoryReleasedEvent), 1)
}

func TestOrderFailedReleasesWithoutQty(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(6)
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), order))

	failed := &events.OrderFailed{OrderID: order.OrderID, ProductID: order.ProductID, UserID: order.UserID}
	require.Equal(t, broker.Ack, f.engine.HandleOrderFailed(context.Background(), failed))

	_, reserved := f.counters(t)
	assert.Equal(t, 0, reserved)
	released := f.publisher.byTopic(events.InventoryReleasedEvent)
	require.Len(t, released, 1)
	assert.Equal(t, 6, released[0].(*events.InventoryReleased).Qty)
}

func TestPaymentFinalizesReservation(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(4)
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), order))

	pay := &events.PaymentSuccess{OrderID: order.OrderID, ProductID: order.ProductID, Qty: order.Qty}
	require.Equal(t, broker.Ack, f.engine.HandlePaymentSuccess(context.Background(), pay))

	quantity, reserved := f.counters(t)
	assert.Equal(t, 6, quantity, "finalize deducts physical stock")
	assert.Equal(t, 0, reserved)
	require.Len(t, f.publisher.byTopic(events.InventoryFinalizedEvent), 1)
}

func TestPaymentForUnknownReservationDeadLetters(t *testing.T) {
	f := newFixture(t, 10)
	pay := &events.PaymentSuccess{OrderID: uuid.New(), ProductID: f.product.ProductID, Qty: 1}
	assert.Equal(t, broker.Reject, f.engine.HandlePaymentSuccess(context.Background(), pay),
		"no hold for collected money is triaged via the DLQ, not retried")

	quantity, reserved := f.counters(t)
	assert.Equal(t, 10, quantity)
	assert.Equal(t, 0, reserved)
}

func TestLatePaymentAfterCancelDeadLetters(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(2)
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), order))
	require.Equal(t, broker.Ack, f.engine.HandleOrderCancelled(context.Background(), &events.OrderCancelled{
		OrderID:   order.OrderID,
		ProductID: order.ProductID,
		Qty:       order.Qty,
	}))

	pay := &events.PaymentSuccess{OrderID: order.OrderID, ProductID: order.ProductID, Qty: order.Qty}
	assert.Equal(t, broker.Reject, f.engine.HandlePaymentSuccess(context.Background(), pay),
		"payment for a released hold needs an operator, not a retry")

	quantity, _ := f.counters(t)
	assert.Equal(t, 10, quantity, "stock must not be deducted twice")
}

func TestExpirerSweepsOverdueReservations(t *testing.T) {
	f := newFixture(t, 10)
	order := f.orderCreated(5)
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), order))

	f.clock.Advance(48*time.Hour + time.Minute)
	require.NoError(t, f.engine.SweepExpired(context.Background()))

	quantity, reserved := f.counters(t)
	assert.Equal(t, 10, quantity)
	assert.Equal(t, 0, reserved)

	expired := f.publisher.byTopic(events.InventoryReservationExpiredEvent)
	require.Len(t, expired, 1)
	assert.Equal(t, order.OrderID, expired[0].(*events.InventoryReservationExpired).OrderID)

	// The sweep is idempotent across overlapping runs.
	require.NoError(t, f.engine.SweepExpired(context.Background()))
	assert.Len(t, f.publisher.byTopic(events.InventoryReservationExpiredEvent), 1)
}

func TestReserveSweepsExpiredHoldsFirst(t *testing.T) {
	f := newFixture(t, 5)
	stale := f.orderCreated(5)
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), stale))

	f.clock.Advance(49 * time.Hour)

	// The stale hold covers the whole stock; the new order only fits
	// because Reserve sweeps it inside the same transaction.
	fresh := f.orderCreated(5)
	require.Equal(t, broker.Ack, f.engine.HandleOrderCreated(context.Background(), fresh))

	_, reserved := f.counters(t)
	assert.Equal(t, 5, reserved)
	require.Len(t, f.publisher.byTopic(events.InventoryReservationExpiredEvent), 1)
	assert.Len(t, f.publisher.byTopic(events.InventoryReservedEvent), 2)
}

func TestPublishFailureRequeuesDelivery(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store := NewMemoryStore(clk)
	engine := NewReservationEngine(store, failingPublisher{}, nil, zap.NewNop(), time.Hour)

	product := events.ProductCreated{ProductID: uuid.New(), SupplierID: uuid.New(), Quantity: 10}
	// The catalog write lands even though the announcement cannot go out.
	require.Equal(t, broker.Requeue, engine.HandleProductCreated(context.Background(), &product))

	order := &events.OrderCreated{
		OrderID:    uuid.New(),
		ProductID:  product.ProductID,
		SupplierID: product.SupplierID,
		UserID:     uuid.New(),
		Qty:        1,
	}
	assert.Equal(t, broker.Requeue, engine.HandleOrderCreated(context.Background(), order))
}
