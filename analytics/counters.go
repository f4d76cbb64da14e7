package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timour/marketplace-fulfillment/common/events"
)

// Counters maintains real-time aggregates alongside the event ledger.
type Counters interface {
	// Apply bumps the counter the event maps to, if any. Counter
	// writes use INCR, so a redelivered event skews the aggregate by
	// one; the ledger stays exact and is the source of truth.
	Apply(ctx context.Context, eventType string, data json.RawMessage) error
	Close() error
}

// counterIDs are the identifier fields counters key on.
type counterIDs struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
}

// counterKey maps an event to its Redis key, or "" for events without
// a counter.
func counterKey(eventType string, data json.RawMessage) (string, error) {
	var ids counterIDs
	if err := json.Unmarshal(data, &ids); err != nil {
		return "", fmt.Errorf("decode counter ids: %w", err)
	}

	switch eventType {
	case events.ProductViewedEvent:
		if ids.ProductID == "" {
			return "", nil
		}
		return "product_view_count:" + ids.ProductID, nil
	case events.OrderCreatedEvent:
		if ids.OrderID == "" {
			return "", nil
		}
		return "orders_placed_count:" + ids.OrderID, nil
	case events.UserCreatedEvent:
		if ids.UserID == "" {
			return "", nil
		}
		return "users_created_count:" + ids.UserID, nil
	default:
		return "", nil
	}
}

// RedisCounters keeps the aggregates in Redis.
type RedisCounters struct {
	client *redis.Client
}

func NewRedisCounters(addr string) (*RedisCounters, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisCounters{client: client}, nil
}

func (c *RedisCounters) Apply(ctx context.Context, eventType string, data json.RawMessage) error {
	key, err := counterKey(eventType, data)
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	if err := c.client.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("incr %s: %w", key, err)
	}
	return nil
}

func (c *RedisCounters) Close() error {
	return c.client.Close()
}

// MemoryCounters is an in-memory Counters for tests and runs without
// Redis.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[string]int64)}
}

func (c *MemoryCounters) Apply(ctx context.Context, eventType string, data json.RawMessage) error {
	key, err := counterKey(eventType, data)
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return nil
}

func (c *MemoryCounters) Close() error { return nil }

// Count returns the current value of one key.
func (c *MemoryCounters) Count(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
