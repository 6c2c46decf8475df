package saga

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions is the complete order state machine. Anything not listed is
// rejected; SHIPPED can only move to DELIVERED and both DELIVERED and
// CANCELLED are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusProcessing, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusShipped, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  nil,
	StatusCancelled:  nil,
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown order status %q: %w", s, ErrValidation)
	}
	return st, nil
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	_, known := transitions[s]
	return known && len(transitions[s]) == 0
}

// OrderItem is one line of an order. Price is the unit price captured when
// the order was created and never follows later catalog changes.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Status      Status          `json:"status"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// NewOrder builds a PENDING order whose total is derived from its items.
func NewOrder(id, userID string, items []OrderItem, now time.Time) *Order {
	return &Order{
		ID:          id,
		UserID:      userID,
		Status:      StatusPending,
		Items:       append([]OrderItem(nil), items...),
		TotalAmount: Total(items),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func Total(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

// LineItem is a requested product and quantity before pricing.
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// SagaResult is the step log of one order's saga, kept for inspection.
type SagaResult struct {
	OrderID       string
	Status        Status
	Steps         []string
	Compensations []string
	Errors        []string
}

func (r *SagaResult) clone() SagaResult {
	c := *r
	c.Steps = append([]string(nil), r.Steps...)
	c.Compensations = append([]string(nil), r.Compensations...)
	c.Errors = append([]string(nil), r.Errors...)
	return c
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type ListQuery struct {
	UserID string
	Status Status
	Page   int
	Limit  int
}

func (q ListQuery) normalize() (ListQuery, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Page < 0 || q.Limit < 0 || q.Limit > MaxPageLimit {
		return q, fmt.Errorf("page %d limit %d: %w", q.Page, q.Limit, ErrValidation)
	}
	if q.Status != "" {
		if _, err := ParseStatus(string(q.Status)); err != nil {
			return q, err
		}
	}
	return q, nil
}

// Offset is the number of orders skipped before this page.
func (q ListQuery) Offset() int { return (q.Page - 1) * q.Limit }

type Page struct {
	Orders     []*Order `json:"data"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	Total      int      `json:"total"`
	TotalPages int      `json:"totalPages"`
}
