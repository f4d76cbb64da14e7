package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors events onto Redis pub/sub channels named after the
// routing key. It is a low-latency observer only: subscribers that need
// replay must consume from the broker, which stays authoritative.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(addr string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisSink{client: client}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, topic string, body []byte) error {
	return s.client.Publish(ctx, topic, body).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error { return s.client.Close() }
