// Package broker adapts RabbitMQ for the fulfillment services: one
// topic exchange for all domain events, per-queue dead-letter routing,
// confirmed publishes, and a consume loop that turns handler verdicts
// into ack/requeue/reject decisions.
package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/metrics"
)

const (
	// Exchange carries every domain event, routed by event type.
	Exchange = "marketplace.events"

	// DLX receives rejected deliveries and routes them to the
	// queue-specific dead-letter queue.
	DLX = "dlx"

	// RetryHeader tracks how many times a delivery has been requeued.
	RetryHeader = "x-retries"

	// DefaultMaxRetries is the retry budget before a delivery is
	// forced to the DLQ.
	DefaultMaxRetries = 3

	// DefaultPrefetch bounds in-flight deliveries per consumer.
	DefaultPrefetch = 16
)

// Queue names. Each has a matching <name>_dlq bound to the DLX.
const (
	InventoryQueue = "inventory_queue"
	OrderQueue     = "order_queue"
	AnalyticsQueue = "analytics_queue"
)

var queues = []string{InventoryQueue, OrderQueue, AnalyticsQueue}

// Verdict is a handler's decision about a delivery.
type Verdict int

const (
	// Ack confirms the delivery. Business rejections (insufficient
	// stock) are also Acks; the outcome travels as an event.
	Ack Verdict = iota
	// Requeue republishes the payload with an incremented retry
	// header and acks the original.
	Requeue
	// Reject nacks without requeue; the broker dead-letters it.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Handler processes one delivery. retries is the value of the
// x-retries header (0 on first delivery).
type Handler func(ctx context.Context, body []byte, retries int64) Verdict

// Broker wraps an AMQP connection with the marketplace topology.
type Broker struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	logger     *zap.Logger
	metrics    *metrics.EventMetrics
	maxRetries int64
	prefetch   int
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(b *Broker) { b.maxRetries = int64(n) }
}

// WithMetrics attaches event pipeline counters.
func WithMetrics(m *metrics.EventMetrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithPrefetch overrides the per-consumer prefetch bound.
func WithPrefetch(n int) Option {
	return func(b *Broker) { b.prefetch = n }
}

// Connect dials RabbitMQ and declares the shared topology: the topic
// exchange, the dead-letter exchange, and one DLQ per known queue.
func Connect(url string, logger *zap.Logger, opts ...Option) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	b := &Broker{
		conn:       conn,
		ch:         ch,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		prefetch:   DefaultPrefetch,
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return b, nil
}

// Close shuts the channel before the connection.
func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare %s exchange: %w", Exchange, err)
	}

	if err := ch.ExchangeDeclare(
		DLX,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, queue := range queues {
		dlq := queue + "_dlq"
		if _, err := ch.QueueDeclare(
			dlq,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
		}

		// The DLX routes by the original queue name.
		if err := ch.QueueBind(dlq, queue, DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ %s: %w", dlq, err)
		}
	}

	return nil
}

// Subscribe binds a durable queue to the topic exchange for each
// pattern and consumes until ctx is cancelled or the channel closes.
// In-flight handlers run to completion before Subscribe returns.
func (b *Broker) Subscribe(ctx context.Context, queue string, patterns []string, handler Handler) error {
	q, err := b.ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    DLX,
			"x-dead-letter-routing-key": queue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	for _, pattern := range patterns {
		if err := b.ch.QueueBind(q.Name, pattern, Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", q.Name, pattern, err)
		}
	}

	if err := b.ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := b.ch.Consume(
		q.Name,
		"",    // consumer tag
		false, // auto-ack off; verdicts decide
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", q.Name, err)
	}

	b.logger.Info("consumer started",
		zap.String("queue", q.Name),
		zap.Strings("patterns", patterns),
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("consumer stopping", zap.String("queue", q.Name))
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", q.Name)
			}
			b.dispatch(ctx, q.Name, d, handler)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	retries := retryCount(d.Headers)

	msgCtx := ExtractTraceContext(ctx, d.Headers)
	tracer := otel.Tracer("broker")
	msgCtx, span := tracer.Start(msgCtx, "AMQP consume "+queue)
	defer span.End()

	verdict := handler(msgCtx, d.Body, retries)

	// The retry budget is enforced here, not in handlers: once it is
	// spent, a Requeue becomes a Reject.
	if verdict == Requeue && retries >= b.maxRetries {
		b.logger.Warn("retry budget exhausted, dead-lettering",
			zap.String("queue", queue),
			zap.Int64("retries", retries),
		)
		verdict = Reject
	}

	if b.metrics != nil {
		b.metrics.Consumed.WithLabelValues(queue, verdict.String()).Inc()
	}

	switch verdict {
	case Ack:
		if err := d.Ack(false); err != nil {
			b.logger.Error("failed to ack delivery", zap.Error(err))
		}
	case Requeue:
		if err := b.requeue(msgCtx, queue, d, retries+1); err != nil {
			b.logger.Error("failed to requeue delivery, nacking with requeue",
				zap.String("queue", queue),
				zap.Error(err),
			)
			// Fall back on broker-side redelivery so the message
			// is not lost; the retry header stays unchanged.
			if nackErr := d.Nack(false, true); nackErr != nil {
				b.logger.Error("failed to nack delivery", zap.Error(nackErr))
			}
			return
		}
		if b.metrics != nil {
			b.metrics.Requeued.WithLabelValues(queue).Inc()
		}
		if err := d.Ack(false); err != nil {
			b.logger.Error("failed to ack requeued delivery", zap.Error(err))
		}
	case Reject:
		if b.metrics != nil {
			b.metrics.DeadLettered.WithLabelValues(queue).Inc()
		}
		if err := d.Nack(false, false); err != nil {
			b.logger.Error("failed to nack delivery", zap.Error(err))
		}
	}
}

// requeue republishes the original payload straight to the queue via
// the default exchange, carrying the incremented retry header.
func (b *Broker) requeue(ctx context.Context, queue string, d amqp.Delivery, retries int64) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryHeader] = retries

	return b.ch.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

func retryCount(headers amqp.Table) int64 {
	if headers == nil {
		return 0
	}
	switch v := headers[RetryHeader].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}
