package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/marketplace-fulfillment/common/events"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		current OrderStatus
		trigger string
		want    OrderStatus
		applied bool
	}{
		{"reserved confirms pending", StatusPending, events.InventoryReservedEvent, StatusConfirmed, true},
		{"rejected fails pending", StatusPending, events.InventoryRejectedEvent, StatusFailed, true},
		{"released cancels pending", StatusPending, events.InventoryReleasedEvent, StatusCancelled, true},
		{"released cancels confirmed", StatusConfirmed, events.InventoryReleasedEvent, StatusCancelled, true},
		{"finalize ships confirmed", StatusConfirmed, events.InventoryFinalizedEvent, StatusShipped, true},
		{"expiry fails pending", StatusPending, events.InventoryReservationExpiredEvent, StatusFailed, true},
		{"expiry fails confirmed", StatusConfirmed, events.InventoryReservationExpiredEvent, StatusFailed, true},
		{"delivery completes shipped", StatusShipped, events.OrderDeliveredEvent, StatusDelivered, true},
		{"cancel from pending", StatusPending, TriggerCancelRequested, StatusCancelled, true},
		{"cancel from confirmed", StatusConfirmed, TriggerCancelRequested, StatusCancelled, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, applied, err := Next(tc.current, tc.trigger)
			require.NoError(t, err)
			assert.Equal(t, tc.applied, applied)
			assert.Equal(t, tc.want, next)
		})
	}
}

// Pairs the table leaves blank are no-ops, never errors: unordered
// at-least-once delivery makes stale events routine.
func TestBlankCellsAbsorb(t *testing.T) {
	cases := []struct {
		name    string
		current OrderStatus
		trigger string
	}{
		{"finalize before confirmation", StatusPending, events.InventoryFinalizedEvent},
		{"delivery before confirmation", StatusPending, events.OrderDeliveredEvent},
		{"delivery before shipping", StatusConfirmed, events.OrderDeliveredEvent},
		{"reserved after confirmation", StatusConfirmed, events.InventoryReservedEvent},
		{"rejected after confirmation", StatusConfirmed, events.InventoryRejectedEvent},
		{"cancel after shipping", StatusShipped, TriggerCancelRequested},
		{"released after shipping", StatusShipped, events.InventoryReleasedEvent},
		{"expiry after shipping", StatusShipped, events.InventoryReservationExpiredEvent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, applied, err := Next(tc.current, tc.trigger)
			require.NoError(t, err)
			assert.False(t, applied)
			assert.Equal(t, tc.current, next)
		})
	}
}

func TestTerminalStatesAbsorbEverything(t *testing.T) {
	terminals := []OrderStatus{StatusDelivered, StatusCancelled, StatusFailed}
	triggers := []string{
		events.InventoryReservedEvent,
		events.InventoryRejectedEvent,
		events.InventoryReleasedEvent,
		events.InventoryFinalizedEvent,
		events.InventoryReservationExpiredEvent,
		events.OrderDeliveredEvent,
		TriggerCancelRequested,
	}

	for _, terminal := range terminals {
		for _, trigger := range triggers {
			next, applied, err := Next(terminal, trigger)
			require.NoError(t, err, "%s + %s", terminal, trigger)
			assert.False(t, applied, "%s must absorb %s", terminal, trigger)
			assert.Equal(t, terminal, next, "terminal state must not move")
		}
	}
}

func TestRepeatedTriggerIsAbsorbed(t *testing.T) {
	next, applied, err := Next(StatusConfirmed, events.InventoryReservedEvent)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusConfirmed, next)
}

func TestUnknownTrigger(t *testing.T) {
	_, _, err := Next(StatusPending, "order.teleported")
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}
