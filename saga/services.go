package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"order-saga/resilient"
)

type StockOperation string

const (
	StockIncrease StockOperation = "increase"
	StockDecrease StockOperation = "decrease"
)

const PaymentCompleted = "COMPLETED"

type Product struct {
	ID    string          `json:"id"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

type Payment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// Success mirrors the response envelope flag.
	Success bool `json:"-"`
}

// Completed reports whether the payment service captured the charge.
func (p Payment) Completed() bool { return p.Success && p.Status == PaymentCompleted }

type Catalog interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	AdjustStock(ctx context.Context, productID string, quantity int, op StockOperation) error
}

type Payments interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal, method string) (Payment, error)
}

type Users interface {
	Validate(ctx context.Context, userID string) error
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

type CatalogClient struct{ client *resilient.Client }

func NewCatalogClient(c *resilient.Client) *CatalogClient { return &CatalogClient{client: c} }

func (c *CatalogClient) GetProduct(ctx context.Context, id string) (Product, error) {
	var resp envelope[Product]
	if err := c.client.Get(ctx, "/products/"+url.PathEscape(id), &resp); err != nil {
		if resilient.IsStatus(err, http.StatusNotFound) {
			return Product{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
		}
		return Product{}, err
	}
	if !resp.Success {
		return Product{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if resp.Data.ID == "" {
		resp.Data.ID = id
	}
	return resp.Data, nil
}

func (c *CatalogClient) AdjustStock(ctx context.Context, productID string, quantity int, op StockOperation) error {
	body := map[string]any{"quantity": quantity, "operation": op}
	var resp envelope[json.RawMessage]
	if err := c.client.Post(ctx, "/products/"+url.PathEscape(productID)+"/inventory", body, &resp); err != nil {
		switch {
		case resilient.IsStatus(err, http.StatusNotFound):
			return fmt.Errorf("product %s: %w", productID, ErrNotFound)
		case resilient.IsStatus(err, http.StatusConflict), resilient.IsStatus(err, http.StatusBadRequest):
			return fmt.Errorf("%s %d of %s: %w", op, quantity, productID, ErrInsufficientStock)
		}
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s %d of %s rejected by catalog", op, quantity, productID)
	}
	return nil
}

type PaymentClient struct{ client *resilient.Client }

func NewPaymentClient(c *resilient.Client) *PaymentClient { return &PaymentClient{client: c} }

func (c *PaymentClient) Charge(ctx context.Context, orderID string, amount decimal.Decimal, method string) (Payment, error) {
	body := map[string]any{
		"orderId":       orderID,
		"amount":        json.Number(amount.String()),
		"paymentMethod": method,
	}
	var resp envelope[Payment]
	if err := c.client.Post(ctx, "/payments", body, &resp); err != nil {
		if resilient.IsStatus(err, http.StatusConflict) {
			return Payment{}, fmt.Errorf("payment for order %s already completed: %w", orderID, ErrConflict)
		}
		return Payment{}, err
	}
	resp.Data.Success = resp.Success
	return resp.Data, nil
}

type UserClient struct{ client *resilient.Client }

func NewUserClient(c *resilient.Client) *UserClient { return &UserClient{client: c} }

// Validate treats every failure, including an unreachable user service, as an
// unknown user.
func (c *UserClient) Validate(ctx context.Context, userID string) error {
	var resp envelope[struct {
		ID string `json:"id"`
	}]
	err := c.client.Get(ctx, "/users/"+url.PathEscape(userID), &resp)
	if err == nil && !resp.Success {
		err = errors.New("user service reported failure")
	}
	if err != nil {
		return fmt.Errorf("user %s: %w", userID, errors.Join(ErrNotFound, err))
	}
	return nil
}
