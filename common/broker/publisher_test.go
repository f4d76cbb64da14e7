package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/timour/marketplace-fulfillment/common/events"
)

type fakeSink struct {
	mu     sync.Mutex
	name   string
	bodies map[string][][]byte
	err    error
}

func newFakeSink(name string) *fakeSink {
	return &fakeSink{name: name, bodies: make(map[string][][]byte)}
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(_ context.Context, topic string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bodies[topic] = append(s.bodies[topic], body)
	return nil
}

func (s *fakeSink) published(topic string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[topic]
}

func testPayload() events.Payload {
	return &events.OrderDelivered{OrderID: uuid.New()}
}

func TestPublisherWritesPrimaryAndShadows(t *testing.T) {
	primary := newFakeSink("amqp")
	shadow := newFakeSink("redis")
	p := NewPublisher(primary, zap.NewNop(), WithShadow(shadow))

	require.NoError(t, p.Publish(context.Background(), testPayload()))

	bodies := primary.published(events.OrderDeliveredEvent)
	require.Len(t, bodies, 1)
	assert.Equal(t, bodies, shadow.published(events.OrderDeliveredEvent))

	// The body on the wire is a decodable envelope.
	_, env, err := events.Decode(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, events.OrderDeliveredEvent, env.EventType)
}

func TestPublisherShadowFailureIsSwallowed(t *testing.T) {
	primary := newFakeSink("amqp")
	shadow := newFakeSink("redis")
	shadow.err = assert.AnError
	p := NewPublisher(primary, zap.NewNop(), WithShadow(shadow))

	assert.NoError(t, p.Publish(context.Background(), testPayload()),
		"only the authoritative sink decides the outcome")
	assert.Len(t, primary.published(events.OrderDeliveredEvent), 1)
}

func TestPublisherRefusesInvalidPayload(t *testing.T) {
	primary := newFakeSink("amqp")
	p := NewPublisher(primary, zap.NewNop())

	err := p.Publish(context.Background(), &events.OrderDelivered{})
	assert.ErrorIs(t, err, events.ErrMalformed)
	assert.Empty(t, primary.published(events.OrderDeliveredEvent))
}

func TestNopPublisherDropsQuietly(t *testing.T) {
	p := NewNopPublisher(zap.NewNop())
	assert.NoError(t, p.Publish(context.Background(), testPayload()))
}
