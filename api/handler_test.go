package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-saga/resilient"
	"order-saga/saga"
)

type fakeOrders struct {
	create func(ctx context.Context, userID string, items []saga.LineItem, correlationID string) (*saga.Order, error)
	get    func(ctx context.Context, id string) (*saga.Order, error)
	list   func(ctx context.Context, q saga.ListQuery) (saga.Page, error)
	update func(ctx context.Context, id string, status saga.Status, correlationID string) (*saga.Order, error)
	cancel func(ctx context.Context, id, correlationID string) (*saga.Order, error)
}

func (f *fakeOrders) CreateOrder(ctx context.Context, userID string, items []saga.LineItem, correlationID string) (*saga.Order, error) {
	return f.create(ctx, userID, items, correlationID)
}

func (f *fakeOrders) GetOrder(ctx context.Context, id string) (*saga.Order, error) {
	return f.get(ctx, id)
}

func (f *fakeOrders) ListOrders(ctx context.Context, q saga.ListQuery) (saga.Page, error) {
	return f.list(ctx, q)
}

func (f *fakeOrders) UpdateOrderStatus(ctx context.Context, id string, status saga.Status, correlationID string) (*saga.Order, error) {
	return f.update(ctx, id, status, correlationID)
}

func (f *fakeOrders) CancelOrder(ctx context.Context, id, correlationID string) (*saga.Order, error) {
	return f.cancel(ctx, id, correlationID)
}

func sampleOrder(status saga.Status) *saga.Order {
	o := saga.NewOrder("order-1", "user-1", []saga.OrderItem{
		{ProductID: "product-a", Quantity: 3, Price: decimal.NewFromInt(100)},
		{ProductID: "product-b", Quantity: 2, Price: decimal.NewFromInt(50)},
	}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	o.Status = status
	return o
}

type body struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Pagination *pagination     `json:"pagination"`
	Error      *apiError       `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, payload string, headers map[string]string) (*httptest.ResponseRecorder, body) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var b body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b), rec.Body.String())
	return rec, b
}

func TestCreateOrder(t *testing.T) {
	var gotUser, gotCorrelation string
	var gotItems []saga.LineItem
	h := NewRouter(&fakeOrders{create: func(ctx context.Context, userID string, items []saga.LineItem, correlationID string) (*saga.Order, error) {
		gotUser, gotItems, gotCorrelation = userID, items, correlationID
		return sampleOrder(saga.StatusPending), nil
	}})

	rec, b := do(t, h, http.MethodPost, "/orders",
		`{"items":[{"productId":"product-a","quantity":3},{"productId":"product-b","quantity":2}]}`,
		map[string]string{UserIDHeader: "user-1", resilient.CorrelationHeader: "corr-9"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, b.Success)
	assert.Equal(t, "corr-9", rec.Header().Get(resilient.CorrelationHeader))
	assert.Equal(t, "user-1", gotUser)
	assert.Equal(t, "corr-9", gotCorrelation)
	assert.Equal(t, []saga.LineItem{{ProductID: "product-a", Quantity: 3}, {ProductID: "product-b", Quantity: 2}}, gotItems)

	var order saga.Order
	require.NoError(t, json.Unmarshal(b.Data, &order))
	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, saga.StatusPending, order.Status)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(400)))
}

func TestCreateOrderGeneratesCorrelationID(t *testing.T) {
	var gotCorrelation string
	h := NewRouter(&fakeOrders{create: func(_ context.Context, _ string, _ []saga.LineItem, correlationID string) (*saga.Order, error) {
		gotCorrelation = correlationID
		return sampleOrder(saga.StatusPending), nil
	}})

	rec, _ := do(t, h, http.MethodPost, "/orders", `{"items":[{"productId":"a","quantity":1}]}`, map[string]string{UserIDHeader: "user-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, gotCorrelation)
	assert.Equal(t, gotCorrelation, rec.Header().Get(resilient.CorrelationHeader))
}

func TestCreateOrderRequiresUser(t *testing.T) {
	h := NewRouter(&fakeOrders{})
	rec, b := do(t, h, http.MethodPost, "/orders", `{"items":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, b.Success)
	assert.Equal(t, "VALIDATION_ERROR", b.Error.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("order x: %w", saga.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("short: %w", saga.ErrInsufficientStock), http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("order x: %w", saga.ErrInvalidTransition), http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("catalog: %w", saga.ErrServiceUnavailable), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{fmt.Errorf("bad: %w", saga.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{&resilient.StatusError{Target: "payment", StatusCode: 500}, http.StatusBadGateway, "UPSTREAM_ERROR"},
		{errors.Join(saga.ErrNotFound, resilient.ErrServiceUnavailable), http.StatusNotFound, "NOT_FOUND"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := NewRouter(&fakeOrders{get: func(context.Context, string) (*saga.Order, error) { return nil, tc.err }})
			rec, b := do(t, h, http.MethodGet, "/orders/order-1", "", nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.False(t, b.Success)
			require.NotNil(t, b.Error)
			assert.Equal(t, tc.code, b.Error.Code)
		})
	}
}

func TestListOrders(t *testing.T) {
	var got saga.ListQuery
	h := NewRouter(&fakeOrders{list: func(_ context.Context, q saga.ListQuery) (saga.Page, error) {
		got = q
		return saga.Page{Orders: []*saga.Order{sampleOrder(saga.StatusPending)}, Page: 2, Limit: 5, Total: 6, TotalPages: 2}, nil
	}})

	rec, b := do(t, h, http.MethodGet, "/orders?status=CONFIRMED&page=2&limit=5", "", map[string]string{UserIDHeader: "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, saga.ListQuery{UserID: "user-1", Status: saga.StatusConfirmed, Page: 2, Limit: 5}, got)
	require.NotNil(t, b.Pagination)
	assert.Equal(t, pagination{Page: 2, Limit: 5, Total: 6, TotalPages: 2}, *b.Pagination)

	var orders []saga.Order
	require.NoError(t, json.Unmarshal(b.Data, &orders))
	assert.Len(t, orders, 1)

	rec, _ = do(t, h, http.MethodGet, "/orders?page=two", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStatusAndCancel(t *testing.T) {
	var gotStatus saga.Status
	h := NewRouter(&fakeOrders{
		update: func(_ context.Context, id string, status saga.Status, _ string) (*saga.Order, error) {
			gotStatus = status
			return sampleOrder(status), nil
		},
		cancel: func(_ context.Context, id, _ string) (*saga.Order, error) {
			return nil, fmt.Errorf("order %s is SHIPPED: %w", id, saga.ErrInvalidTransition)
		},
	})

	rec, _ := do(t, h, http.MethodPatch, "/orders/order-1/status", `{"status":"SHIPPED"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, saga.StatusShipped, gotStatus)

	rec, _ = do(t, h, http.MethodPatch, "/orders/order-1/status", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, b := do(t, h, http.MethodPost, "/orders/order-1/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, b.Error.Message, "SHIPPED")
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := saga.NewMetrics()
	metrics.ObserveSagaStarted()
	healthy := true
	h := NewRouter(&fakeOrders{},
		WithMetrics(metrics.Handler()),
		WithHealthCheck(func(context.Context) error {
			if !healthy {
				return errors.New("database unreachable")
			}
			return nil
		}))

	rec, b := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, b.Success)

	healthy = false
	rec, _ = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "saga_started_total 1")
}
