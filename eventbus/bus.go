// Package eventbus provides at-least-once topic publish/subscribe between
// services. Delivery is at-least-once with silent loss on handler failure:
// a handler error rejects the message without requeue and it is gone, so
// handlers must be idempotent and tolerate missing messages. A message
// fetched but never handed to a handler goes back to its queue on Close.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultPrefetch    = 16
	DefaultConcurrency = 1

	consumeRetryPause = 200 * time.Millisecond
)

// Handler processes one event. A returned error (or a panic) rejects the
// message.
type Handler func(ctx context.Context, env Envelope) error

type Option func(*Bus)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithSource sets the source recorded on events published without one.
func WithSource(source string) Option {
	return func(b *Bus) { b.source = source }
}

// WithPublishHook is called with the event type after every successful publish.
func WithPublishHook(fn func(eventType string)) Option {
	return func(b *Bus) { b.onPublish = fn }
}

func WithNow(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

type Bus struct {
	transport  Transport
	logger     *zap.Logger
	source     string
	now        func() time.Time
	onPublish  func(eventType string)
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	mu     sync.Mutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

func New(transport Transport, opts ...Option) *Bus {
	b := &Bus{
		transport:  transport,
		source:     DefaultSource,
		now:        time.Now,
		tracer:     otel.Tracer("order-saga/eventbus"),
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Publish wraps data in an Envelope and sends it persistently to the topic
// keyed by eventType. An empty correlationID gets a generated one.
func (b *Bus) Publish(ctx context.Context, eventType string, data any, correlationID, source string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if source == "" {
		source = b.source
	}
	env, err := NewEnvelope(eventType, data, correlationID, source, b.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", eventType, err)
	}

	ctx, span := b.tracer.Start(ctx, "publish "+eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", eventType),
			attribute.String("messaging.message.conversation_id", correlationID),
		),
	)
	defer span.End()

	headers := map[string]string{}
	b.propagator.Inject(ctx, propagation.MapCarrier(headers))

	if err := b.transport.Publish(ctx, Message{RoutingKey: eventType, Body: body, Headers: headers}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}

	b.logger.Info("event_published",
		zap.String("event", eventType),
		zap.String("correlation_id", correlationID),
		zap.String("source", source),
	)
	if b.onPublish != nil {
		b.onPublish(eventType)
	}
	return nil
}

type subscribeOptions struct {
	queue       string
	prefetch    int
	concurrency int
}

type SubscribeOption func(*subscribeOptions)

// WithQueue names the durable queue. Subscribers sharing a queue compete
// for messages; distinct queues each receive a copy.
func WithQueue(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.queue = name }
}

// WithPrefetch bounds the number of fetched but unhandled messages.
func WithPrefetch(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.prefetch = n }
}

// WithConcurrency sets the number of workers. Transports that settle by
// position, such as Kafka offsets, always run a single worker.
func WithConcurrency(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.concurrency = n }
}

type subscription struct {
	eventType string
	queue     string
	handler   Handler
	consumer  Consumer
	cancel    context.CancelFunc
}

// Subscribe binds a queue to eventType and starts its consumption loop.
// The loop runs until ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, eventType string, handler Handler, opts ...SubscribeOption) error {
	o := subscribeOptions{
		queue:       "queue." + eventType,
		prefetch:    DefaultPrefetch,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.prefetch < 1 {
		o.prefetch = 1
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if n := effectiveConcurrency(b.transport, o.concurrency); n != o.concurrency {
		b.logger.Warn("subscription_concurrency_limited",
			zap.String("event", eventType),
			zap.Int("requested", o.concurrency),
			zap.Int("concurrency", n))
		o.concurrency = n
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	consumer, err := b.transport.Consume(ctx, eventType, o.queue)
	if err != nil {
		return fmt.Errorf("subscribe %s on %s: %w", eventType, o.queue, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		eventType: eventType,
		queue:     o.queue,
		handler:   handler,
		consumer:  consumer,
		cancel:    cancel,
	}
	b.subs = append(b.subs, sub)

	deliveries := make(chan Delivery, o.prefetch)
	b.wg.Add(1 + o.concurrency)
	go b.fetch(loopCtx, sub, deliveries)
	for i := 0; i < o.concurrency; i++ {
		go b.work(loopCtx, sub, deliveries)
	}

	b.logger.Info("handler_subscribed",
		zap.String("event", eventType),
		zap.String("queue", o.queue),
		zap.Int("prefetch", o.prefetch),
		zap.Int("concurrency", o.concurrency),
	)
	return nil
}

func (b *Bus) fetch(ctx context.Context, sub *subscription, out chan<- Delivery) {
	defer b.wg.Done()
	defer close(out)

	for {
		d, err := sub.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			b.logger.Error("event_fetch_failed", zap.String("queue", sub.queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeRetryPause):
			}
			continue
		}

		select {
		case out <- d:
		case <-ctx.Done():
			if err := d.Requeue(context.WithoutCancel(ctx)); err != nil {
				b.logger.Error("event_requeue_failed", zap.String("queue", sub.queue), zap.Error(err))
			}
			return
		}
	}
}

// work drains deliveries until the fetch loop closes the channel, so
// prefetched messages are still handled during shutdown.
func (b *Bus) work(ctx context.Context, sub *subscription, in <-chan Delivery) {
	defer b.wg.Done()
	for d := range in {
		b.dispatch(context.WithoutCancel(ctx), sub, d)
	}
}

func (b *Bus) dispatch(ctx context.Context, sub *subscription, d Delivery) {
	logger := b.logger.With(zap.String("event", sub.eventType), zap.String("queue", sub.queue))

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		logger.Error("event_rejected_undecodable", zap.Error(err))
		b.settle(ctx, logger, d, false)
		return
	}

	ctx = b.propagator.Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := b.tracer.Start(ctx, "process "+env.EventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", env.EventType),
			attribute.String("messaging.message.conversation_id", env.CorrelationID),
		),
	)
	defer span.End()

	if err := invoke(ctx, sub.handler, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		logger.Error("event_handler_failed",
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err),
		)
		b.settle(ctx, logger, d, false)
		return
	}
	b.settle(ctx, logger, d, true)
}

func (b *Bus) settle(ctx context.Context, logger *zap.Logger, d Delivery, ok bool) {
	settle, action := d.Ack, "ack"
	if !ok {
		settle, action = d.Reject, "reject"
	}
	if err := settle(ctx); err != nil {
		logger.Error("event_settle_failed", zap.String("action", action), zap.Error(err))
	}
}

func invoke(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

// Close stops every subscription, waits for in-flight handlers and closes
// the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	b.wg.Wait()

	var err error
	for _, s := range subs {
		err = errors.Join(err, s.consumer.Close())
	}
	return errors.Join(err, b.transport.Close())
}
