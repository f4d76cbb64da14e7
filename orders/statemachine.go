package main

import (
	"errors"
	"fmt"

	"github.com/timour/marketplace-fulfillment/common/events"
)

// TriggerCancelRequested is the only trigger that does not arrive on
// the bus; it comes from the cancel endpoint.
const TriggerCancelRequested = "cancel.requested"

// ErrUnknownTrigger marks an event type with no transition rule.
var ErrUnknownTrigger = errors.New("unknown trigger")

type rule struct {
	target OrderStatus
	from   []OrderStatus
}

// transitions maps each trigger to its target state and the states it
// may fire from. Any pair not listed here is absorbed: under
// at-least-once, unordered delivery a stale or duplicate event is
// routine, not an error.
var transitions = map[string]rule{
	events.InventoryReservedEvent: {
		target: StatusConfirmed,
		from:   []OrderStatus{StatusPending},
	},
	events.InventoryRejectedEvent: {
		target: StatusFailed,
		from:   []OrderStatus{StatusPending},
	},
	// Stock handed back outside the order's own flow cancels it.
	events.InventoryReleasedEvent: {
		target: StatusCancelled,
		from:   []OrderStatus{StatusPending, StatusConfirmed},
	},
	events.InventoryFinalizedEvent: {
		target: StatusShipped,
		from:   []OrderStatus{StatusConfirmed},
	},
	events.InventoryReservationExpiredEvent: {
		target: StatusFailed,
		from:   []OrderStatus{StatusPending, StatusConfirmed},
	},
	events.OrderDeliveredEvent: {
		target: StatusDelivered,
		from:   []OrderStatus{StatusShipped},
	},
	TriggerCancelRequested: {
		target: StatusCancelled,
		from:   []OrderStatus{StatusPending, StatusConfirmed},
	},
}

// Next computes the state an order in current moves to when trigger
// fires. applied is false when the trigger is absorbed: the order is
// terminal, already at the target, or the pair has no table entry.
func Next(current OrderStatus, trigger string) (next OrderStatus, applied bool, err error) {
	r, ok := transitions[trigger]
	if !ok {
		return current, false, fmt.Errorf("%w: %s", ErrUnknownTrigger, trigger)
	}

	for _, from := range r.from {
		if current == from {
			return r.target, true, nil
		}
	}
	return current, false, nil
}
