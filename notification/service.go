// Package notification tells customers about their orders. It consumes order
// and payment events and sends one email per (event type, order) even when
// the bus delivers an event twice.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-saga/eventbus"
)

// Events the service reacts to.
var Events = []string{
	eventbus.OrderCreated,
	eventbus.OrderConfirmed,
	eventbus.OrderCancelled,
	eventbus.PaymentCompleted,
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	OrderID   string    `json:"orderId"`
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender stands in for an email gateway by logging each message.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Info("email_sent",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("order_id", n.OrderID),
		zap.String("subject", n.Subject),
	)
	return nil
}

// Subscriber is satisfied by *eventbus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, eventType string, handler eventbus.Handler, opts ...eventbus.SubscribeOption) error
}

type Service struct {
	deduper Deduper
	sender  Sender
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	sent []Notification
}

func NewService(deduper Deduper, sender Sender, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deduper: deduper, sender: sender, logger: logger, now: time.Now}
}

// Start subscribes one queue per event type, named notification.<type>.
func (s *Service) Start(ctx context.Context, bus Subscriber) error {
	for _, eventType := range Events {
		if err := bus.Subscribe(ctx, eventType, s.Handle, eventbus.WithQueue("notification."+eventType)); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}
	return nil
}

// Sent returns the notifications delivered so far.
func (s *Service) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}

type eventData struct {
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	Reason      string          `json:"reason"`
	PaymentID   string          `json:"paymentId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Amount      decimal.Decimal `json:"amount"`
}

// Handle is the eventbus.Handler for every notification event. A failed
// send releases the claim so a redelivery can try again.
func (s *Service) Handle(ctx context.Context, env eventbus.Envelope) error {
	var data eventData
	if err := env.Decode(&data); err != nil {
		return err
	}
	if data.OrderID == "" {
		return errors.New("event has no orderId")
	}
	logger := s.logger.With(
		zap.String("event_type", env.EventType),
		zap.String("order_id", data.OrderID),
		zap.String("correlation_id", env.CorrelationID),
	)

	key := env.EventType + ":" + data.OrderID
	claimed, err := s.deduper.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Info("notification_duplicate_skipped")
		return nil
	}

	n := s.compose(env.EventType, data)
	if err := s.sender.Send(ctx, n); err != nil {
		if rerr := s.deduper.Release(ctx, key); rerr != nil {
			logger.Error("notification_release_failed", zap.Error(rerr))
		}
		return fmt.Errorf("send notification: %w", err)
	}

	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	logger.Info("notification_sent", zap.String("notification_id", n.ID))
	return nil
}

func (s *Service) compose(eventType string, data eventData) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    data.UserID,
		OrderID:   data.OrderID,
		Type:      eventType,
		Channel:   "email",
		CreatedAt: s.now().UTC(),
	}
	switch eventType {
	case eventbus.OrderCreated:
		n.Subject = "Order received"
		n.Message = fmt.Sprintf("Your order %s has been created. Total: %s", data.OrderID, data.TotalAmount.StringFixed(2))
	case eventbus.OrderConfirmed:
		n.Subject = "Order confirmed"
		n.Message = fmt.Sprintf("Your order %s has been confirmed and will be processed soon.", data.OrderID)
	case eventbus.OrderCancelled:
		n.Subject = "Order cancelled"
		n.Message = fmt.Sprintf("Your order %s has been cancelled. Reason: %s", data.OrderID, data.Reason)
	case eventbus.PaymentCompleted:
		n.Subject = "Payment received"
		n.Message = fmt.Sprintf("Payment %s for order %s of %s completed.", data.PaymentID, data.OrderID, data.Amount.StringFixed(2))
	default:
		n.Subject = "Order update"
		n.Message = fmt.Sprintf("Your order %s was updated (%s).", data.OrderID, eventType)
	}
	return n
}
