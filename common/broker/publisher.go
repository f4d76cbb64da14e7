package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/events"
	"github.com/timour/marketplace-fulfillment/common/metrics"
)

// EventPublisher is what saga components publish through.
type EventPublisher interface {
	Publish(ctx context.Context, payload events.Payload) error
}

// Sink delivers serialized envelopes to one transport.
type Sink interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Name() string
}

// Publisher writes every event to the authoritative sink, retrying
// transient failures with exponential backoff, then fans out to the
// shadow sinks best-effort. Only the primary result is surfaced.
type Publisher struct {
	primary  Sink
	shadows  []Sink
	logger   *zap.Logger
	metrics  *metrics.EventMetrics
	attempts uint64
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithShadow adds a best-effort secondary sink.
func WithShadow(s Sink) PublisherOption {
	return func(p *Publisher) { p.shadows = append(p.shadows, s) }
}

// WithPublisherMetrics attaches publish counters.
func WithPublisherMetrics(m *metrics.EventMetrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher wraps the primary sink.
func NewPublisher(primary Sink, logger *zap.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		primary:  primary,
		logger:   logger,
		attempts: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, payload events.Payload) error {
	topic := payload.Topic()

	body, err := events.Marshal(payload, time.Now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	backoff := retry.WithMaxRetries(p.attempts, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.primary.Publish(ctx, topic, body); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFails.WithLabelValues(topic).Inc()
		}
		return fmt.Errorf("publish %s via %s: %w", topic, p.primary.Name(), err)
	}

	if p.metrics != nil {
		p.metrics.Published.WithLabelValues(topic).Inc()
	}

	for _, shadow := range p.shadows {
		if err := shadow.Publish(ctx, topic, body); err != nil {
			p.logger.Warn("shadow publish failed",
				zap.String("sink", shadow.Name()),
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}

	return nil
}

// AMQPSink publishes to the topic exchange on a confirm-mode channel
// and waits for the broker acknowledgement.
type AMQPSink struct {
	ch *amqp.Channel
}

// NewAMQPSink opens a dedicated confirm-mode channel on the broker
// connection. Publishers never share the consume channel.
func (b *Broker) NewAMQPSink() (*AMQPSink, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &AMQPSink{ch: ch}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, topic string, body []byte) error {
	headers := InjectTraceContext(ctx)

	conf, err := s.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		Exchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", topic, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish for %s", topic)
	}
	return nil
}

// Close releases the publisher channel.
func (s *AMQPSink) Close() error { return s.ch.Close() }

// NopPublisher drops every event. Services fall back to it when no
// broker is configured so local development still starts.
type NopPublisher struct {
	logger *zap.Logger
}

func NewNopPublisher(logger *zap.Logger) *NopPublisher {
	return &NopPublisher{logger: logger}
}

func (p *NopPublisher) Publish(_ context.Context, payload events.Payload) error {
	p.logger.Debug("no broker configured, dropping event",
		zap.String("topic", payload.Topic()),
	)
	return nil
}
