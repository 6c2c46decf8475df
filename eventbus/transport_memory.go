package eventbus

import (
	"context"
	"strings"
	"sync"
)

// MemoryTransport is an in-process topic exchange. Queues are durable for
// the life of the transport: messages routed to a queue wait there until a
// consumer takes them.
type MemoryTransport struct {
	mu       sync.Mutex
	bindings map[string][]string
	queues   map[string]*memoryQueue
	history  []Message
	stats    MemoryStats
	closed   bool
	done     chan struct{}
}

type MemoryStats struct {
	Published int
	Unrouted  int
	Acked     int
	Rejected  int
}

type memoryQueue struct {
	messages []Message
	ready    chan struct{}
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		bindings: map[string][]string{},
		queues:   map[string]*memoryQueue{},
		done:     make(chan struct{}),
	}
}

func (t *MemoryTransport) Publish(_ context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	t.history = append(t.history, cloneMessage(msg))
	t.stats.Published++

	routed := false
	for pattern, queues := range t.bindings {
		if !topicMatch(pattern, msg.RoutingKey) {
			continue
		}
		for _, name := range queues {
			q := t.queues[name]
			q.messages = append(q.messages, cloneMessage(msg))
			close(q.ready)
			q.ready = make(chan struct{})
			routed = true
		}
	}
	if !routed {
		t.stats.Unrouted++
	}
	return nil
}

func (t *MemoryTransport) Consume(_ context.Context, routingKey, queue string) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	if _, ok := t.queues[queue]; !ok {
		t.queues[queue] = &memoryQueue{ready: make(chan struct{})}
	}
	bound := false
	for _, name := range t.bindings[routingKey] {
		if name == queue {
			bound = true
			break
		}
	}
	if !bound {
		t.bindings[routingKey] = append(t.bindings[routingKey], queue)
	}
	return &memoryConsumer{transport: t, queue: queue}, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// History returns every message published so far, in publish order.
func (t *MemoryTransport) History() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.history))
	copy(out, t.history)
	return out
}

func (t *MemoryTransport) Stats() MemoryStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Depth returns the number of messages waiting in queue.
func (t *MemoryTransport) Depth(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[queue]; ok {
		return len(q.messages)
	}
	return 0
}

func (t *MemoryTransport) settle(ack bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ack {
		t.stats.Acked++
	} else {
		t.stats.Rejected++
	}
}

func (t *MemoryTransport) requeue(queue string, msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[queue]
	q.messages = append([]Message{msg}, q.messages...)
	close(q.ready)
	q.ready = make(chan struct{})
}

type memoryConsumer struct {
	transport *MemoryTransport
	queue     string
}

func (c *memoryConsumer) Next(ctx context.Context) (Delivery, error) {
	t := c.transport
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		q := t.queues[c.queue]
		if len(q.messages) > 0 {
			msg := q.messages[0]
			q.messages = q.messages[1:]
			t.mu.Unlock()
			return Delivery{
				Message: msg,
				ack:     func(context.Context) error { t.settle(true); return nil },
				reject:  func(context.Context) error { t.settle(false); return nil },
				requeue: func(context.Context) error { t.requeue(c.queue, msg); return nil },
			}, nil
		}
		ready := q.ready
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-t.done:
			return Delivery{}, ErrClosed
		case <-ready:
		}
	}
}

func (c *memoryConsumer) Close() error { return nil }

// topicMatch implements AMQP topic binding rules: '*' matches exactly one
// word and '#' matches zero or more words.
func topicMatch(pattern, key string) bool {
	if pattern == key {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func cloneMessage(msg Message) Message {
	out := Message{RoutingKey: msg.RoutingKey, Body: append([]byte(nil), msg.Body...)}
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
