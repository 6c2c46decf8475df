// Package api is the HTTP surface of the order service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"order-saga/resilient"
	"order-saga/saga"
)

const UserIDHeader = "X-User-ID"

// Orders is satisfied by *saga.OrderSagaOrchestrator.
type Orders interface {
	CreateOrder(ctx context.Context, userID string, items []saga.LineItem, correlationID string) (*saga.Order, error)
	GetOrder(ctx context.Context, orderID string) (*saga.Order, error)
	ListOrders(ctx context.Context, q saga.ListQuery) (saga.Page, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status saga.Status, correlationID string) (*saga.Order, error)
	CancelOrder(ctx context.Context, orderID, correlationID string) (*saga.Order, error)
}

type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(metrics http.Handler) Option {
	return func(h *Handler) { h.metrics = metrics }
}

// WithHealthCheck adds a dependency probe to /healthz.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(h *Handler) { h.health = check }
}

type Handler struct {
	orders  Orders
	logger  *zap.Logger
	metrics http.Handler
	health  func(context.Context) error
}

func NewRouter(orders Orders, opts ...Option) http.Handler {
	h := &Handler{orders: orders, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Correlation)
	r.Use(RequestLogger(h.logger))

	r.Get("/healthz", h.healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Patch("/{id}/status", h.updateStatus)
		r.Post("/{id}/cancel", h.cancelOrder)
	})
	return r
}

type createOrderRequest struct {
	Items []saga.LineItem `json:"items"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", UserIDHeader+" header is required")
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), userID, req.Items, resilient.CorrelationID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: order})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := saga.ListQuery{
		UserID: query.Get("userId"),
		Status: saga.Status(query.Get("status")),
	}
	if q.UserID == "" {
		q.UserID = r.Header.Get(UserIDHeader)
	}
	var err error
	if q.Page, err = intParam(query.Get("page")); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", "page must be a number")
		return
	}
	if q.Limit, err = intParam(query.Get("limit")); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a number")
		return
	}

	page, err := h.orders.ListOrders(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	orders := page.Orders
	if orders == nil {
		orders = []*saga.Order{}
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    orders,
		Pagination: &pagination{
			Page:       page.Page,
			Limit:      page.Limit,
			Total:      page.Total,
			TotalPages: page.TotalPages,
		},
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: order})
}

type updateStatusRequest struct {
	Status saga.Status `json:"status"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", "status is required")
		return
	}
	order, err := h.orders.UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), req.Status, resilient.CorrelationID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: order})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), resilient.CorrelationID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: order})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeFailure(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// statusFor maps domain errors onto HTTP. NotFound is checked first because
// an unreachable user service is reported as an unknown user.
func statusFor(err error) (int, string) {
	var se *resilient.StatusError
	switch {
	case errors.Is(err, saga.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, saga.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, saga.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case errors.As(err, &se):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request_failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", resilient.CorrelationID(r.Context())),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			message = "internal server error"
		}
	}
	writeFailure(w, status, code, message)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
	Error      *apiError   `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: message}})
}
