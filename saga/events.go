package saga

import "github.com/shopspring/decimal"

// Payloads carried in the data field of the order events.

type OrderCreatedData struct {
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Items       []OrderItem     `json:"items"`
}

type OrderConfirmedData struct {
	OrderID   string `json:"orderId"`
	UserID    string `json:"userId"`
	PaymentID string `json:"paymentId"`
}

type OrderCancelledData struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

type OrderStatusUpdatedData struct {
	OrderID string `json:"orderId"`
	Status  Status `json:"status"`
}
