package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one row in the append-only analytics ledger. ID is the
// primary identifier carried by the event, not a surrogate key:
// queries join it against the owning domain table.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	EventType      string          `json:"event_type"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	Data           json.RawMessage `json:"data"`
}

// EventStore persists raw bus traffic.
type EventStore interface {
	Insert(ctx context.Context, e Event) error
	Close() error
}
