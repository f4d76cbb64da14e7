package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/broker"
	"github.com/timour/marketplace-fulfillment/common/clock"
	"github.com/timour/marketplace-fulfillment/common/events"
)

// analyticsPatterns: everything. New event types land in the ledger
// without a deploy here.
var analyticsPatterns = []string{"#"}

// Ingestor drains analytics_queue into the ledger and the counters.
// It parses only the envelope; unknown payloads are first-class.
type Ingestor struct {
	store    EventStore
	counters Counters
	logger   *zap.Logger
	clock    clock.Clock
}

func NewIngestor(store EventStore, counters Counters, logger *zap.Logger, clk clock.Clock) *Ingestor {
	return &Ingestor{store: store, counters: counters, logger: logger, clock: clk}
}

// Run consumes analytics_queue until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context, b *broker.Broker) error {
	return b.Subscribe(ctx, broker.AnalyticsQueue, analyticsPatterns, i.Handle)
}

// Handle records one delivery.
func (i *Ingestor) Handle(ctx context.Context, body []byte, retries int64) broker.Verdict {
	var env events.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		i.logger.Error("dropping malformed event", zap.Error(err))
		return broker.Reject
	}
	if env.EventType == "" {
		i.logger.Error("dropping event without event_type")
		return broker.Reject
	}

	ts := env.EventTimestamp
	if ts.IsZero() {
		ts = i.clock.Now()
	}

	record := Event{
		ID:             primaryID(&env),
		EventType:      env.EventType,
		EventTimestamp: ts,
		Data:           env.Data,
	}

	if err := i.store.Insert(ctx, record); err != nil {
		i.logger.Error("failed to insert event",
			zap.String("event_type", env.EventType),
			zap.Int64("retries", retries),
			zap.Error(err),
		)
		return broker.Requeue
	}

	if err := i.counters.Apply(ctx, env.EventType, env.Data); err != nil {
		// The ledger write above is not idempotent, so the requeue
		// duplicates the row. Counters are approximate anyway; the
		// alternative of losing them entirely is worse.
		i.logger.Error("failed to update counters",
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return broker.Requeue
	}

	i.logger.Debug("event recorded", zap.String("event_type", env.EventType))
	return broker.Ack
}

// primaryID picks the ledger id for an event: the envelope id when the
// producer set one, else the domain identifier its namespace implies,
// else a fresh uuid.
func primaryID(env *events.Envelope) uuid.UUID {
	if env.ID != uuid.Nil {
		return env.ID
	}

	var key string
	switch {
	case strings.HasPrefix(env.EventType, "order."):
		key = "order_id"
	case strings.HasPrefix(env.EventType, "product."):
		key = "product_id"
	case strings.HasPrefix(env.EventType, "user."):
		key = "user_id"
	case strings.HasPrefix(env.EventType, "inventory."):
		key = "supplier_id"
	default:
		return uuid.New()
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return uuid.New()
	}
	raw, ok := fields[key]
	if !ok {
		return uuid.New()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return uuid.New()
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.New()
	}
	return id
}
