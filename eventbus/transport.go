package eventbus

import (
	"context"
	"errors"
)

// ErrClosed is returned by a bus, transport or consumer after Close.
var ErrClosed = errors.New("eventbus: closed")

// Message is what transports move: a routing key (the event type) and an
// encoded envelope plus string headers for trace propagation.
type Message struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// Delivery is a received message that must be settled exactly once with
// Ack, Reject or Requeue. Reject never requeues.
type Delivery struct {
	Message
	ack     func(ctx context.Context) error
	reject  func(ctx context.Context) error
	requeue func(ctx context.Context) error
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

func (d Delivery) Reject(ctx context.Context) error {
	if d.reject == nil {
		return nil
	}
	return d.reject(ctx)
}

// Requeue hands a delivery that was never handled back to its queue, ahead
// of anything published since.
func (d Delivery) Requeue(ctx context.Context) error {
	if d.requeue == nil {
		return nil
	}
	return d.requeue(ctx)
}

// Transport is a durable topic exchange. Publish routes by RoutingKey;
// Consume binds a named durable queue to a routing key. Consumers on
// distinct queues each get a copy, consumers on one queue compete.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context, routingKey, queue string) (Consumer, error)
	Close() error
}

type Consumer interface {
	// Next blocks until a delivery is available or ctx is done.
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// inOrderSettler is implemented by transports where settling a message also
// settles every message received before it.
type inOrderSettler interface {
	settlesInOrder() bool
}

func effectiveConcurrency(t Transport, n int) int {
	if s, ok := t.(inOrderSettler); ok && s.settlesInOrder() {
		return 1
	}
	return n
}
