package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names shared by the services. Names are dot-namespaced as
// <domain>.<action> or <domain>.<entity>.<action>.
const (
	OrderCreated       = "order.created"
	OrderConfirmed     = "order.confirmed"
	OrderCancelled     = "order.cancelled"
	OrderStatusUpdated = "order.status.updated"

	PaymentInitiated = "payment.initiated"
	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"
	PaymentRefunded  = "payment.refunded"

	ProductStockDecreased = "product.stock.decreased"
	ProductStockIncreased = "product.stock.increased"
)

const DefaultSource = "unknown"

// Envelope is the wire format of every event. Treat it as read-only once
// built; the bus owns it after Publish.
type Envelope struct {
	EventType     string          `json:"eventType"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	Source        string          `json:"source"`
}

func NewEnvelope(eventType string, data any, correlationID, source string, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	if source == "" {
		source = DefaultSource
	}
	return Envelope{
		EventType:     eventType,
		Data:          raw,
		Timestamp:     at.UTC(),
		CorrelationID: correlationID,
		Source:        source,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}
