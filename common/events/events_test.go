package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDecodeRoundTrip(t *testing.T) {
	in := &OrderCreated{
		OrderID:    uuid.New(),
		ProductID:  uuid.New(),
		SupplierID: uuid.New(),
		UserID:     uuid.New(),
		Qty:        3,
		ExpiresAt:  time.Now().Add(48 * time.Hour).UTC(),
	}

	body, err := Marshal(in, time.Now())
	require.NoError(t, err)

	payload, env, err := Decode(body)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, OrderCreatedEvent, env.EventType)
	assert.NotEqual(t, uuid.Nil, env.ID)

	out, ok := payload.(*OrderCreated)
	require.True(t, ok)
	assert.Equal(t, in.OrderID, out.OrderID)
	assert.Equal(t, in.Qty, out.Qty)
}

func TestMarshalRefusesInvalidPayload(t *testing.T) {
	_, err := Marshal(&OrderCreated{Qty: 1}, time.Now())
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Marshal(&OrderCreated{
		OrderID:    uuid.New(),
		ProductID:  uuid.New(),
		SupplierID: uuid.New(),
		UserID:     uuid.New(),
		Qty:        0,
	}, time.Now())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformed)

	body, err := json.Marshal(map[string]any{"data": map[string]any{}})
	require.NoError(t, err)
	_, _, decodeErr := Decode(body)
	assert.ErrorIs(t, decodeErr, ErrMalformed)
}

func TestDecodeUnknownTypeKeepsEnvelope(t *testing.T) {
	body, err := json.Marshal(Envelope{
		EventType:      "shipment.dispatched",
		EventTimestamp: time.Now(),
		Data:           json.RawMessage(`{"carrier":"dhl"}`),
	})
	require.NoError(t, err)

	payload, env, err := Decode(body)
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.Nil(t, payload)
	require.NotNil(t, env, "catch-all consumers persist the raw envelope")
	assert.Equal(t, "shipment.dispatched", env.EventType)
}

func TestDecodeValidatesPayload(t *testing.T) {
	body, err := json.Marshal(Envelope{
		EventType:      OrderCreatedEvent,
		EventTimestamp: time.Now(),
		Data:           json.RawMessage(`{"order_id":"` + uuid.NewString() + `","qty":2}`),
	})
	require.NoError(t, err)

	_, env, decodeErr := Decode(body)
	assert.ErrorIs(t, decodeErr, ErrMalformed)
	assert.NotNil(t, env)
}

func TestLowStockAlertMirrorsStockUpdate(t *testing.T) {
	change := -4
	update := StockUpdate{
		ProductID:   uuid.New(),
		SupplierID:  uuid.New(),
		NewQuantity: 1,
		Change:      &change,
		LowStock:    true,
	}
	alert := LowStockAlert(update)

	assert.Equal(t, InventoryUpdatedEvent, update.Topic())
	assert.Equal(t, InventoryLowStockEvent, alert.Topic())
	assert.NoError(t, alert.Validate())

	body, err := Marshal(&alert, time.Now())
	require.NoError(t, err)
	payload, _, err := Decode(body)
	require.NoError(t, err)
	decoded, ok := payload.(*LowStockAlert)
	require.True(t, ok)
	assert.Equal(t, update.NewQuantity, decoded.NewQuantity)
}

func TestEveryTopicDecodesToItsOwnType(t *testing.T) {
	topics := []string{
		OrderCreatedEvent, OrderCancelledEvent, OrderFailedEvent, OrderDeliveredEvent,
		InventoryReservedEvent, InventoryRejectedEvent, InventoryReleasedEvent,
		InventoryReservationExpiredEvent, InventoryFinalizedEvent,
		InventoryUpdatedEvent, InventoryLowStockEvent,
		PaymentSuccessEvent, ProductCreatedEvent, ProductUpdatedEvent, ProductDeletedEvent,
	}
	for _, topic := range topics {
		p := newPayload(topic)
		require.NotNil(t, p, topic)
		assert.Equal(t, topic, p.Topic(), topic)
	}
}
