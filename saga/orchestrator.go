package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"order-saga/eventbus"
	"order-saga/resilient"
)

const (
	DefaultSource        = "order-service"
	DefaultPaymentMethod = "credit_card"
	ReasonPaymentFailed  = "payment failed"
	ReasonUserCancelled  = "cancelled by user"

	lookupConcurrency = 8
	maxSagaResults    = 1024
)

var errSuperseded = errors.New("order is no longer pending")

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any, correlationID, source string) error
}

type Dependencies struct {
	Store    OrderStore
	Catalog  Catalog
	Payments Payments
	Users    Users
	Bus      Publisher
}

type Option func(*OrderSagaOrchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *OrderSagaOrchestrator) { o.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(o *OrderSagaOrchestrator) { o.metrics = m }
}

func WithNow(now func() time.Time) Option {
	return func(o *OrderSagaOrchestrator) { o.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(o *OrderSagaOrchestrator) { o.newID = fn }
}

func WithSource(source string) Option {
	return func(o *OrderSagaOrchestrator) { o.source = source }
}

func WithPaymentMethod(method string) Option {
	return func(o *OrderSagaOrchestrator) { o.paymentMethod = method }
}

// OrderSagaOrchestrator creates orders and drives each one through stock
// reservation and payment, compensating when a step fails.
type OrderSagaOrchestrator struct {
	store    OrderStore
	catalog  Catalog
	payments Payments
	users    Users
	bus      Publisher

	logger        *zap.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	now           func() time.Time
	newID         func() string
	source        string
	paymentMethod string

	wg          sync.WaitGroup
	mu          sync.Mutex
	results     map[string]*SagaResult
	resultOrder []string
	runs        map[string]*sagaRun
}

func NewOrderSagaOrchestrator(deps Dependencies, opts ...Option) *OrderSagaOrchestrator {
	o := &OrderSagaOrchestrator{
		store:         deps.Store,
		catalog:       deps.Catalog,
		payments:      deps.Payments,
		users:         deps.Users,
		bus:           deps.Bus,
		logger:        zap.NewNop(),
		metrics:       DefaultMetrics,
		tracer:        otel.Tracer("order-saga/saga"),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		source:        DefaultSource,
		paymentMethod: DefaultPaymentMethod,
		results:       map[string]*SagaResult{},
		runs:          map[string]*sagaRun{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateOrder validates and prices the request, persists a PENDING order and
// starts its saga in the background. The returned order is the persisted
// PENDING snapshot; the outcome arrives as order.confirmed or order.cancelled.
func (o *OrderSagaOrchestrator) CreateOrder(ctx context.Context, userID string, items []LineItem, correlationID string) (*Order, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = resilient.WithCorrelationID(ctx, correlationID)
	ctx, span := o.tracer.Start(ctx, "CreateOrder", trace.WithAttributes(
		attribute.String("order.user_id", userID),
		attribute.Int("order.line_items", len(items)),
	))
	defer span.End()
	logger := o.logger.With(zap.String("correlation_id", correlationID), zap.String("user_id", userID))

	if err := validateRequest(userID, items); err != nil {
		return nil, spanError(span, err)
	}
	if err := o.users.Validate(ctx, userID); err != nil {
		logger.Warn("order_rejected", zap.Error(err))
		return nil, spanError(span, err)
	}
	priced, err := o.priceItems(ctx, items)
	if err != nil {
		logger.Warn("order_rejected", zap.Error(err))
		return nil, spanError(span, err)
	}

	order := NewOrder(o.newID(), userID, priced, o.now())
	if err := o.store.Create(ctx, order); err != nil {
		return nil, spanError(span, fmt.Errorf("persist order: %w", err))
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	logger.Info("order_created", zap.String("order_id", order.ID), zap.String("total_amount", order.TotalAmount.String()))

	o.publish(ctx, logger, eventbus.OrderCreated, OrderCreatedData{
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       order.Items,
	}, correlationID)

	o.metrics.ObserveSagaStarted()
	o.track(order.ID)
	o.startRun(order.ID, len(order.Items))
	sagaCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runSaga(sagaCtx, order.ID, correlationID)
	}()

	return order.Clone(), nil
}

func validateRequest(userID string, items []LineItem) error {
	if userID == "" {
		return fmt.Errorf("user id is required: %w", ErrValidation)
	}
	if len(items) == 0 {
		return fmt.Errorf("at least one item is required: %w", ErrValidation)
	}
	for _, item := range items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return fmt.Errorf("item %q quantity %d: %w", item.ProductID, item.Quantity, ErrValidation)
		}
	}
	return nil
}

// priceItems looks every product up concurrently and fails on the first
// missing product or short stock.
func (o *OrderSagaOrchestrator) priceItems(ctx context.Context, items []LineItem) ([]OrderItem, error) {
	priced := make([]OrderItem, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			product, err := o.catalog.GetProduct(gctx, item.ProductID)
			if err != nil {
				return err
			}
			if product.Stock < item.Quantity {
				return fmt.Errorf("product %s has %d in stock, %d requested: %w",
					item.ProductID, product.Stock, item.Quantity, ErrInsufficientStock)
			}
			priced[i] = OrderItem{ProductID: item.ProductID, Quantity: item.Quantity, Price: product.Price}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return priced, nil
}

func (o *OrderSagaOrchestrator) runSaga(ctx context.Context, orderID, correlationID string) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "OrderSaga", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	logger := o.logger.With(zap.String("correlation_id", correlationID), zap.String("order_id", orderID))

	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		logger.Error("saga_order_load_failed", zap.Error(err))
		o.recordError(orderID, err)
		o.closeRun(orderID, true)
		spanError(span, err)
		return
	}

	for _, item := range order.Items {
		if err := o.checkPending(ctx, orderID); err != nil {
			o.halt(ctx, logger, order, err, correlationID, started)
			return
		}
		if err := o.catalog.AdjustStock(ctx, item.ProductID, item.Quantity, StockDecrease); err != nil {
			o.halt(ctx, logger, order, fmt.Errorf("decrease stock of %s: %w", item.ProductID, err), correlationID, started)
			return
		}
		o.hold(orderID, item)
		o.step(orderID, "STOCK_DECREASED:"+item.ProductID)
	}

	if err := o.checkPending(ctx, orderID); err != nil {
		o.halt(ctx, logger, order, err, correlationID, started)
		return
	}
	payment, err := o.payments.Charge(ctx, orderID, order.TotalAmount, o.paymentMethod)
	if err != nil {
		o.halt(ctx, logger, order, fmt.Errorf("%s: %w", ReasonPaymentFailed, err), correlationID, started)
		return
	}
	if !payment.Completed() {
		o.halt(ctx, logger, order, errors.New(ReasonPaymentFailed), correlationID, started)
		return
	}
	o.step(orderID, "PAYMENT_COMPLETED")

	confirmed, err := o.transition(ctx, orderID, StatusConfirmed)
	if errors.Is(err, ErrConflict) {
		// The order moved on while payment ran. The captured payment needs a
		// manual refund.
		logger.Error("saga_confirm_rejected", zap.String("payment_id", payment.ID), zap.Error(err))
		o.recordError(orderID, err)
		o.leave(ctx, logger, orderID)
		o.finish(orderID, "", started)
		return
	}
	if err != nil {
		o.halt(ctx, logger, order, fmt.Errorf("confirm order: %w", err), correlationID, started)
		return
	}
	o.step(orderID, "ORDER_CONFIRMED")
	logger.Info("saga_confirmed", zap.String("payment_id", payment.ID))

	o.publish(ctx, logger, eventbus.OrderConfirmed, OrderConfirmedData{
		OrderID:   confirmed.ID,
		UserID:    confirmed.UserID,
		PaymentID: payment.ID,
	}, correlationID)
	o.leave(ctx, logger, orderID)
	o.finish(orderID, StatusConfirmed, started)
}

// checkPending re-reads the order before each step so a saga never acts on
// an order someone else has already moved.
func (o *OrderSagaOrchestrator) checkPending(ctx context.Context, orderID string) error {
	current, err := o.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("reload order: %w", err)
	}
	if current.Status != StatusPending {
		return fmt.Errorf("%w: %s", errSuperseded, current.Status)
	}
	return nil
}

func (o *OrderSagaOrchestrator) halt(ctx context.Context, logger *zap.Logger, order *Order, cause error, correlationID string, started time.Time) {
	trace.SpanFromContext(ctx).RecordError(cause)
	o.recordError(order.ID, cause)

	if !errors.Is(cause, errSuperseded) {
		if err := o.checkPending(ctx, order.ID); errors.Is(err, errSuperseded) {
			cause = err
		}
	}
	if errors.Is(cause, errSuperseded) {
		logger.Info("saga_superseded", zap.Error(cause))
		o.leave(ctx, logger, order.ID)
		o.finish(order.ID, "", started)
		return
	}

	logger.Warn("saga_failed", zap.Error(cause))
	reason := cause.Error()
	o.restore(ctx, logger, order.ID, o.claimHeld(order.ID))
	cancelled, err := o.transition(ctx, order.ID, StatusCancelled)
	if err != nil {
		logger.Error("saga_cancel_failed", zap.Error(err))
		o.recordError(order.ID, err)
		o.closeRun(order.ID, false)
		o.finish(order.ID, "", started)
		return
	}
	o.closeRun(order.ID, true)
	o.cancelled(ctx, logger, cancelled, reason, correlationID)
	o.finish(order.ID, StatusCancelled, started)
}

// leave ends the saga's ownership of its order. If a user cancel arrived
// while the saga was running, the stock the saga still holds goes back now.
func (o *OrderSagaOrchestrator) leave(ctx context.Context, logger *zap.Logger, orderID string) {
	if items := o.closeRun(orderID, false); len(items) > 0 {
		logger.Info("saga_restoring_after_cancel", zap.Int("items", len(items)))
		o.restore(ctx, logger, orderID, items)
	}
}

// restore gives stock back, best effort. A failed restoration is logged and
// counted but never stops the cancel.
func (o *OrderSagaOrchestrator) restore(ctx context.Context, logger *zap.Logger, orderID string, items []OrderItem) {
	if len(items) == 0 {
		return
	}
	ctx, span := o.tracer.Start(ctx, "Compensate", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Int("order.restored_items", len(items)),
	))
	defer span.End()

	for _, item := range items {
		if err := o.catalog.AdjustStock(ctx, item.ProductID, item.Quantity, StockIncrease); err != nil {
			o.metrics.ObserveCompensationFailure()
			o.compensation(orderID, "STOCK_RESTORE_FAILED:"+item.ProductID)
			span.RecordError(err)
			logger.Error("saga_compensation_failed",
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
			continue
		}
		o.compensation(orderID, "STOCK_RESTORED:"+item.ProductID)
	}
}

func (o *OrderSagaOrchestrator) cancelled(ctx context.Context, logger *zap.Logger, order *Order, reason, correlationID string) {
	o.compensation(order.ID, "ORDER_CANCELLED")
	logger.Info("order_cancelled", zap.String("reason", reason))
	o.publish(ctx, logger, eventbus.OrderCancelled, OrderCancelledData{
		OrderID: order.ID,
		UserID:  order.UserID,
		Reason:  reason,
	}, correlationID)
}

func (o *OrderSagaOrchestrator) transition(ctx context.Context, orderID string, to Status) (*Order, error) {
	current, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("order %s %s -> %s: %w", orderID, current.Status, to, ErrInvalidTransition)
	}
	return o.store.UpdateStatus(ctx, orderID, current.Status, to, o.now())
}

// UpdateOrderStatus applies a manual transition such as PROCESSING or
// SHIPPED. It does not touch stock, including for CANCELLED; use CancelOrder
// to restore stock.
func (o *OrderSagaOrchestrator) UpdateOrderStatus(ctx context.Context, orderID string, status Status, correlationID string) (*Order, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = resilient.WithCorrelationID(ctx, correlationID)
	logger := o.logger.With(zap.String("correlation_id", correlationID), zap.String("order_id", orderID))

	updated, err := o.transition(ctx, orderID, status)
	if err != nil {
		return nil, err
	}
	logger.Info("order_status_updated", zap.String("status", string(updated.Status)))
	o.publish(ctx, logger, eventbus.OrderStatusUpdated, OrderStatusUpdatedData{OrderID: updated.ID, Status: updated.Status}, correlationID)
	return updated, nil
}

// CancelOrder cancels the order and gives back the stock it holds. Orders
// that are already CANCELLED, SHIPPED or DELIVERED are rejected. When the
// order's saga is still running, the saga gives back exactly what it took
// once it sees the cancel.
func (o *OrderSagaOrchestrator) CancelOrder(ctx context.Context, orderID, correlationID string) (*Order, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = resilient.WithCorrelationID(ctx, correlationID)
	ctx, span := o.tracer.Start(ctx, "CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	logger := o.logger.With(zap.String("correlation_id", correlationID), zap.String("order_id", orderID))

	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !order.Status.CanTransitionTo(StatusCancelled) {
		return nil, spanError(span, fmt.Errorf("order %s is %s and cannot be cancelled: %w", orderID, order.Status, ErrInvalidTransition))
	}
	cancelled, err := o.store.UpdateStatus(ctx, orderID, order.Status, StatusCancelled, o.now())
	if err != nil {
		return nil, spanError(span, err)
	}
	o.restore(ctx, logger, orderID, o.releaseForCancel(orderID, order.Items))
	o.cancelled(ctx, logger, cancelled, ReasonUserCancelled, correlationID)
	return cancelled, nil
}

func (o *OrderSagaOrchestrator) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return o.store.Get(ctx, orderID)
}

func (o *OrderSagaOrchestrator) ListOrders(ctx context.Context, q ListQuery) (Page, error) {
	q, err := q.normalize()
	if err != nil {
		return Page{}, err
	}
	orders, total, err := o.store.List(ctx, q)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Orders:     orders,
		Page:       q.Page,
		Limit:      q.Limit,
		Total:      total,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// Wait blocks until every saga started so far has finished.
func (o *OrderSagaOrchestrator) Wait() {
	o.wg.Wait()
}

// Result returns the step log of a recent saga.
func (o *OrderSagaOrchestrator) Result(orderID string) (SagaResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.results[orderID]
	if !ok {
		return SagaResult{}, false
	}
	return r.clone(), true
}

func (o *OrderSagaOrchestrator) publish(ctx context.Context, logger *zap.Logger, eventType string, data any, correlationID string) {
	if err := o.bus.Publish(ctx, eventType, data, correlationID, o.source); err != nil {
		logger.Error("event_publish_failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (o *OrderSagaOrchestrator) track(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results[orderID] = &SagaResult{OrderID: orderID, Status: StatusPending, Steps: []string{"SAGA_STARTED"}}
	o.resultOrder = append(o.resultOrder, orderID)
	if len(o.resultOrder) > maxSagaResults {
		delete(o.results, o.resultOrder[0])
		o.resultOrder = o.resultOrder[1:]
	}
}

func (o *OrderSagaOrchestrator) update(orderID string, fn func(*SagaResult)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.results[orderID]; ok {
		fn(r)
	}
}

func (o *OrderSagaOrchestrator) step(orderID, step string) {
	o.update(orderID, func(r *SagaResult) { r.Steps = append(r.Steps, step) })
}

func (o *OrderSagaOrchestrator) compensation(orderID, action string) {
	o.update(orderID, func(r *SagaResult) { r.Compensations = append(r.Compensations, action) })
}

func (o *OrderSagaOrchestrator) recordError(orderID string, err error) {
	o.update(orderID, func(r *SagaResult) { r.Errors = append(r.Errors, err.Error()) })
}

// finish closes the saga log. An empty status means the saga ended without
// deciding the order's fate.
func (o *OrderSagaOrchestrator) finish(orderID string, status Status, started time.Time) {
	o.update(orderID, func(r *SagaResult) {
		if status != "" {
			r.Status = status
		}
		r.Steps = append(r.Steps, "SAGA_FINISHED")
	})
	if status != "" {
		o.metrics.ObserveSagaResult(status, time.Since(started))
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
