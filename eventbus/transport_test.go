package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.confirmed", false},
		{"order.*", "order.created", true},
		{"order.*", "order.status.updated", false},
		{"order.#", "order.status.updated", true},
		{"order.#", "order", true},
		{"#", "payment.completed", true},
		{"*.completed", "payment.completed", true},
		{"product.stock.*", "product.stock.increased", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatch(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func TestMemoryQueueHoldsMessagesUntilConsumed(t *testing.T) {
	transport := NewMemoryTransport()
	ctx := context.Background()

	consumer, err := transport.Consume(ctx, "order.*", "audit")
	require.NoError(t, err)

	require.NoError(t, transport.Publish(ctx, Message{RoutingKey: "order.created", Body: []byte("1")}))
	require.NoError(t, transport.Publish(ctx, Message{RoutingKey: "order.cancelled", Body: []byte("2")}))
	require.NoError(t, transport.Publish(ctx, Message{RoutingKey: "payment.completed", Body: []byte("3")}))
	assert.Equal(t, 2, transport.Depth("audit"))
	assert.Equal(t, 1, transport.Stats().Unrouted)

	d, err := consumer.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(d.Body))
	require.NoError(t, d.Ack(ctx))

	d, err = consumer.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "order.cancelled", d.RoutingKey)
	require.NoError(t, d.Reject(ctx))

	stats := transport.Stats()
	assert.Equal(t, 1, stats.Acked)
	assert.Equal(t, 1, stats.Rejected)
}

func TestMemoryConsumerUnblocksOnClose(t *testing.T) {
	transport := NewMemoryTransport()
	consumer, err := transport.Consume(context.Background(), "order.created", "q")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := consumer.Next(context.Background())
		errc <- err
	}()

	require.NoError(t, transport.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer did not unblock")
	}
}

func TestKafkaTopicNaming(t *testing.T) {
	assert.Equal(t, "ecommerce.events.order.created", kafkaTopic(DefaultExchange, OrderCreated))
}

func TestKafkaHeaderConversion(t *testing.T) {
	headers := map[string]string{"traceparent": "00-abc-def-01"}

	converted := toKafkaHeaders(headers)
	require.Len(t, converted, 1)
	assert.Equal(t, kafka.Header{Key: "traceparent", Value: []byte("00-abc-def-01")}, converted[0])
	assert.Equal(t, headers, fromKafkaHeaders(converted))
	assert.Nil(t, toKafkaHeaders(nil))
}

func TestKafkaRejectsWildcardBinding(t *testing.T) {
	transport, err := NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.Consume(context.Background(), "order.*", "audit")
	assert.Error(t, err)
}

func TestKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafkaTransport(KafkaConfig{}, nil)
	assert.Error(t, err)
}

func TestKafkaSubscriptionsRunOneWorker(t *testing.T) {
	transport, err := NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	assert.Equal(t, 1, effectiveConcurrency(transport, 4))
	assert.Equal(t, 4, effectiveConcurrency(NewMemoryTransport(), 4))
}

func TestRequeuePutsMessageBackFirst(t *testing.T) {
	transport := NewMemoryTransport()
	consumer, err := transport.Consume(context.Background(), OrderCreated, "q")
	require.NoError(t, err)
	require.NoError(t, transport.Publish(context.Background(), Message{RoutingKey: OrderCreated, Body: []byte("1")}))
	require.NoError(t, transport.Publish(context.Background(), Message{RoutingKey: OrderCreated, Body: []byte("2")}))

	d, err := consumer.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Requeue(context.Background()))
	assert.Equal(t, 2, transport.Depth("q"))

	again, err := consumer.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), again.Body)
}
