package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestRetryCount(t *testing.T) {
	cases := []struct {
		name    string
		headers amqp.Table
		want    int64
	}{
		{"nil headers", nil, 0},
		{"missing header", amqp.Table{}, 0},
		{"int64", amqp.Table{RetryHeader: int64(2)}, 2},
		{"int32", amqp.Table{RetryHeader: int32(3)}, 3},
		{"int16", amqp.Table{RetryHeader: int16(1)}, 1},
		{"int", amqp.Table{RetryHeader: int(4)}, 4},
		{"unparseable", amqp.Table{RetryHeader: "seven"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryCount(tc.headers))
		})
	}
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "reject", Reject.String())
	assert.Equal(t, "unknown", Verdict(42).String())
}

func TestTraceCarrier(t *testing.T) {
	carrier := amqpHeaderCarrier{}
	carrier.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, "", carrier.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent"}, carrier.Keys())

	// Non-string header values are skipped, not coerced.
	carrier["x-retries"] = int64(3)
	assert.Equal(t, "", carrier.Get("x-retries"))
}
