package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPayload struct {
	OrderID string `json:"orderId"`
}

func newTestBus(t *testing.T, opts ...Option) (*Bus, *MemoryTransport) {
	t.Helper()
	transport := NewMemoryTransport()
	bus := New(transport, opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, transport
}

func TestPublishDeliversEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus, transport := newTestBus(t, WithNow(func() time.Time { return at }))

	got := make(chan Envelope, 1)
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), OrderCreated, orderPayload{OrderID: "o-1"}, "corr-1", "order-service"))

	env := <-got
	assert.Equal(t, OrderCreated, env.EventType)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "order-service", env.Source)
	assert.True(t, env.Timestamp.Equal(at))

	var p orderPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "o-1", p.OrderID)

	require.Eventually(t, func() bool { return transport.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnvelopeWireFormat(t *testing.T) {
	bus, transport := newTestBus(t)
	require.NoError(t, bus.Publish(context.Background(), OrderConfirmed, orderPayload{OrderID: "o-2"}, "", ""))

	history := transport.History()
	require.Len(t, history, 1)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(history[0].Body, &wire))
	assert.Equal(t, OrderConfirmed, wire["eventType"])
	assert.Equal(t, map[string]any{"orderId": "o-2"}, wire["data"])
	assert.Equal(t, DefaultSource, wire["source"])

	_, err := uuid.Parse(wire["correlationId"].(string))
	assert.NoError(t, err, "missing correlation ids are generated")

	_, err = time.Parse(time.RFC3339Nano, wire["timestamp"].(string))
	assert.NoError(t, err)
}

func TestHandlerFailureDropsMessage(t *testing.T) {
	bus, transport := newTestBus(t)

	var calls int32
	require.NoError(t, bus.Subscribe(context.Background(), PaymentCompleted, func(context.Context, Envelope) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("smtp down")
	}))

	require.NoError(t, bus.Publish(context.Background(), PaymentCompleted, orderPayload{OrderID: "o-3"}, "", ""))

	require.Eventually(t, func() bool { return transport.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "rejected messages are not redelivered")
	assert.Equal(t, 0, transport.Depth("queue."+PaymentCompleted))
}

func TestHandlerPanicRejects(t *testing.T) {
	bus, transport := newTestBus(t)
	require.NoError(t, bus.Subscribe(context.Background(), OrderCancelled, func(context.Context, Envelope) error {
		panic("boom")
	}))

	require.NoError(t, bus.Publish(context.Background(), OrderCancelled, orderPayload{OrderID: "o-4"}, "", ""))

	require.Eventually(t, func() bool { return transport.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)
}

func TestUndecodableMessageIsRejected(t *testing.T) {
	bus, transport := newTestBus(t)
	var calls int32
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, func(context.Context, Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	require.NoError(t, transport.Publish(context.Background(), Message{RoutingKey: OrderCreated, Body: []byte("not json")}))

	require.Eventually(t, func() bool { return transport.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDistinctQueuesFanOut(t *testing.T) {
	bus, _ := newTestBus(t)

	var notifications, analytics int32
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, func(context.Context, Envelope) error {
		atomic.AddInt32(&notifications, 1)
		return nil
	}, WithQueue("notification.order.created")))
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, func(context.Context, Envelope) error {
		atomic.AddInt32(&analytics, 1)
		return nil
	}, WithQueue("analytics.order.created")))

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), OrderCreated, orderPayload{OrderID: "o"}, "", ""))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&notifications) == 3 && atomic.LoadInt32(&analytics) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSharedQueueCompetes(t *testing.T) {
	bus, transport := newTestBus(t)

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(worker string) Handler {
		return func(context.Context, Envelope) error {
			mu.Lock()
			seen[worker]++
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, handler("a"), WithQueue("workers")))
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, handler("b"), WithQueue("workers")))

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, bus.Publish(context.Background(), OrderCreated, orderPayload{OrderID: "o"}, "", ""))
	}

	require.Eventually(t, func() bool { return transport.Stats().Acked == total }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, seen["a"]+seen["b"], "each message is handled exactly once across the queue")
}

func TestPrefetchBoundsBuffering(t *testing.T) {
	bus, transport := newTestBus(t)

	release := make(chan struct{})
	var handled int32
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, func(context.Context, Envelope) error {
		<-release
		atomic.AddInt32(&handled, 1)
		return nil
	}, WithPrefetch(1), WithConcurrency(1)))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), OrderCreated, orderPayload{OrderID: "o"}, "", ""))
	}

	// one message in the handler, one in the channel, one held by the fetch loop
	require.Eventually(t, func() bool { return transport.Depth("queue."+OrderCreated) == 2 }, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, transport.Depth("queue."+OrderCreated))
}

func TestCloseRequeuesFetchedMessage(t *testing.T) {
	bus, transport := newTestBus(t)
	queue := "queue." + OrderCreated

	release := make(chan struct{})
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, func(context.Context, Envelope) error {
		<-release
		return nil
	}, WithPrefetch(1), WithConcurrency(1)))

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), OrderCreated, orderPayload{OrderID: "o"}, "", ""))
	}
	// one message in the handler, one in the channel, one held by the fetch loop
	require.Eventually(t, func() bool { return transport.Depth(queue) == 0 }, time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()
	require.Eventually(t, func() bool { return transport.Depth(queue) == 1 }, time.Second, 5*time.Millisecond,
		"the message the fetch loop could not hand over goes back to the queue")

	close(release)
	require.NoError(t, <-closed)
	assert.Equal(t, 1, transport.Depth(queue))
	stats := transport.Stats()
	assert.Equal(t, 2, stats.Acked)
	assert.Equal(t, 0, stats.Rejected)
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus, _ := newTestBus(t)
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), OrderCreated, orderPayload{}, "", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), OrderCreated, func(context.Context, Envelope) error { return nil }), ErrClosed)
}

func TestCloseWaitsForInFlightHandler(t *testing.T) {
	bus, transport := newTestBus(t)

	started := make(chan struct{})
	var finished int32
	require.NoError(t, bus.Subscribe(context.Background(), OrderCreated, func(context.Context, Envelope) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
		return nil
	}))
	require.NoError(t, bus.Publish(context.Background(), OrderCreated, orderPayload{}, "", ""))
	<-started

	require.NoError(t, bus.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
	assert.Equal(t, 1, transport.Stats().Acked)
}

func TestPublishHookSeesEventType(t *testing.T) {
	var published []string
	bus, _ := newTestBus(t, WithPublishHook(func(eventType string) { published = append(published, eventType) }))

	require.NoError(t, bus.Publish(context.Background(), OrderCreated, nil, "", ""))
	require.NoError(t, bus.Publish(context.Background(), OrderConfirmed, nil, "", ""))

	assert.Equal(t, []string{OrderCreated, OrderConfirmed}, published)
}
