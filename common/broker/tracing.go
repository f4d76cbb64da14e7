package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// amqpHeaderCarrier adapts AMQP headers to the OpenTelemetry
// TextMapCarrier interface.
type amqpHeaderCarrier amqp.Table

func (c amqpHeaderCarrier) Get(k string) string {
	v, ok := c[k]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func (c amqpHeaderCarrier) Set(k, v string) {
	c[k] = v
}

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext returns AMQP headers carrying the current trace.
func InjectTraceContext(ctx context.Context) amqp.Table {
	carrier := amqpHeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return amqp.Table(carrier)
}

// ExtractTraceContext continues a trace from incoming AMQP headers.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, amqpHeaderCarrier(headers))
}
