package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultExchange = "ecommerce.events"

	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaMaxBytes     = 10e6
)

type KafkaConfig struct {
	Brokers  []string
	Exchange string
}

// KafkaTransport maps the topic exchange onto Kafka: every routing key is
// its own topic under the exchange prefix and every queue name is a
// consumer group. Settling a delivery commits its offset, so a rejected
// message is dropped just like an acknowledged one.
type KafkaTransport struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	logger *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

func NewKafkaTransport(cfg KafkaConfig, logger *zap.Logger) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           kafkaBatchTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaTransport{cfg: cfg, writer: writer, logger: logger}, nil
}

func (t *KafkaTransport) Publish(ctx context.Context, msg Message) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   kafkaTopic(t.cfg.Exchange, msg.RoutingKey),
		Value:   msg.Body,
		Headers: toKafkaHeaders(msg.Headers),
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", msg.RoutingKey, err)
	}
	return nil
}

func (t *KafkaTransport) Consume(_ context.Context, routingKey, queue string) (Consumer, error) {
	if strings.ContainsAny(routingKey, "*#") {
		return nil, fmt.Errorf("kafka transport does not support wildcard binding %q", routingKey)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		GroupID:  queue,
		Topic:    kafkaTopic(t.cfg.Exchange, routingKey),
		MinBytes: 1,
		MaxBytes: kafkaMaxBytes,
	})
	t.readers = append(t.readers, reader)
	t.logger.Info("kafka_consumer_bound", zap.String("topic", reader.Config().Topic), zap.String("group", queue))
	return &kafkaConsumer{reader: reader, routingKey: routingKey}, nil
}

func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	for _, r := range t.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// settlesInOrder is true because a commit moves the group offset past every
// earlier message.
func (t *KafkaTransport) settlesInOrder() bool { return true }

type kafkaConsumer struct {
	reader     *kafka.Reader
	routingKey string
}

func (c *kafkaConsumer) Next(ctx context.Context) (Delivery, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}
	commit := func(ctx context.Context) error {
		return c.reader.CommitMessages(ctx, m)
	}
	// No requeue hook: an uncommitted offset is redelivered to the group
	// once the reader restarts.
	return Delivery{
		Message: Message{
			RoutingKey: c.routingKey,
			Body:       m.Value,
			Headers:    fromKafkaHeaders(m.Headers),
		},
		ack:    commit,
		reject: commit,
	}, nil
}

func (c *kafkaConsumer) Close() error { return c.reader.Close() }

func kafkaTopic(exchange, routingKey string) string {
	return exchange + "." + routingKey
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
