package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-saga/config"
	"order-saga/downstream"
	"order-saga/eventbus"
	"order-saga/notification"
	"order-saga/observability"
	"order-saga/resilient"
	"order-saga/saga"
	"order-saga/store"
)

const (
	demoAPIKey  = "demo-key"
	demoUser    = "user-1"
	settleAfter = 2 * time.Second
)

func buildTransport(cfg *config.Config, logger *zap.Logger) eventbus.Transport {
	if len(cfg.KafkaBrokers) == 0 {
		return eventbus.NewMemoryTransport()
	}
	transport, err := eventbus.NewKafkaTransport(eventbus.KafkaConfig{
		Brokers:  cfg.KafkaBrokers,
		Exchange: cfg.EventExchange,
	}, logger)
	if err != nil {
		log.Printf("failed to configure Kafka transport (%v), using in-memory transport only", err)
		return eventbus.NewMemoryTransport()
	}
	return transport
}

func startMetricsServer() {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":2112"
	}

	r := chi.NewRouter()
	r.Handle("/metrics", saga.DefaultMetrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	go func() {
		log.Printf("metrics endpoint listening on %s", addr)
		srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
}

// scenario is one isolated run: its own downstream services, bus and
// orchestrator, so counts printed for one case never leak into the next.
type scenario struct {
	catalog       *downstream.Catalog
	payments      *downstream.Payments
	users         *downstream.Users
	catalogClient *resilient.Client
	bus           *eventbus.Bus
	orchestrator  *saga.OrderSagaOrchestrator
	notifier      *notification.Service
	events        atomic.Int64
}

type caseOptions struct {
	retries  int
	fixedID  string
	prepare  func(*scenario)
	place    func(context.Context, *scenario) (string, error)
	notified int
}

func startScenario(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts caseOptions) (*scenario, func(), error) {
	s := &scenario{
		catalog:  downstream.NewCatalog(),
		payments: downstream.NewPayments(),
		users:    downstream.NewUsers(demoUser),
	}
	s.catalog.Put("product-a", decimal.RequireFromString("100.00"), 10)
	s.catalog.Put("product-b", decimal.RequireFromString("50.00"), 5)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           downstream.NewRouter(demoAPIKey, s.catalog, s.payments, s.users),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	baseURL := "http://" + ln.Addr().String()

	client := func(name string) *resilient.Client {
		c := resilient.DefaultConfig(name, baseURL)
		c.Retries = opts.retries
		c.RetryDelay = 10 * time.Millisecond
		c.APIKey = demoAPIKey
		return resilient.New(c,
			resilient.WithLogger(logger),
			resilient.WithStateChangeHook(saga.DefaultMetrics.ObserveBreakerTransition),
		)
	}
	s.catalogClient = client("catalog")

	s.bus = eventbus.New(buildTransport(cfg, logger),
		eventbus.WithLogger(logger),
		eventbus.WithSource(cfg.ServiceName),
		eventbus.WithPublishHook(func(eventType string) {
			s.events.Add(1)
			saga.DefaultMetrics.ObserveEventPublished(eventType)
		}),
	)

	sagaOpts := []saga.Option{saga.WithLogger(logger), saga.WithSource(cfg.ServiceName)}
	if opts.fixedID != "" {
		sagaOpts = append(sagaOpts, saga.WithIDGenerator(func() string { return opts.fixedID }))
	}
	s.orchestrator = saga.NewOrderSagaOrchestrator(saga.Dependencies{
		Store:    store.NewMemory(),
		Catalog:  saga.NewCatalogClient(s.catalogClient),
		Payments: saga.NewPaymentClient(client("payment")),
		Users:    saga.NewUserClient(client("user")),
		Bus:      s.bus,
	}, sagaOpts...)

	s.notifier = notification.NewService(
		notification.NewMemoryDeduper(notification.DefaultDedupTTL),
		notification.LogSender{Logger: logger},
		logger,
	)
	if err := s.notifier.Start(ctx, s.bus); err != nil {
		_ = srv.Close()
		return nil, nil, err
	}

	stop := func() {
		s.orchestrator.Wait()
		_ = s.bus.Close()
		_ = srv.Close()
	}
	return s, stop, nil
}

// waitForNotifications polls until the notifier has sent want messages or
// the deadline passes; deliveries are asynchronous on every transport.
func waitForNotifications(s *scenario, want int) {
	deadline := time.Now().Add(settleAfter)
	for time.Now().Before(deadline) && len(s.notifier.Sent()) < want {
		time.Sleep(20 * time.Millisecond)
	}
}

func runCase(ctx context.Context, cfg *config.Config, logger *zap.Logger, title string, opts caseOptions) {
	fmt.Printf("\n%s\n%s\n", title, "================================================================================")
	s, stop, err := startScenario(ctx, cfg, logger, opts)
	if err != nil {
		log.Printf("scenario setup failed: %v", err)
		return
	}
	defer stop()
	if opts.prepare != nil {
		opts.prepare(s)
	}

	orderID, placeErr := opts.place(ctx, s)
	s.orchestrator.Wait()
	waitForNotifications(s, opts.notified)

	fmt.Println("Saga result:")
	if placeErr != nil {
		fmt.Printf("- create_error: %v\n", placeErr)
	}
	if orderID != "" {
		if order, err := s.orchestrator.GetOrder(ctx, orderID); err == nil {
			fmt.Printf("- order_id: %s\n", order.ID)
			fmt.Printf("- status: %s\n", order.Status)
			fmt.Printf("- total: %s\n", order.TotalAmount.StringFixed(2))
		}
		if result, ok := s.orchestrator.Result(orderID); ok {
			fmt.Printf("- steps: %v\n", result.Steps)
			fmt.Printf("- compensations: %v\n", result.Compensations)
			fmt.Printf("- errors: %v\n", result.Errors)
		}
	}
	state, failures := s.catalogClient.State()
	fmt.Printf("- stock: product-a=%d product-b=%d\n", s.catalog.Stock("product-a"), s.catalog.Stock("product-b"))
	fmt.Printf("- catalog_breaker: %s (failures=%d, requests=%d)\n", state, failures, s.catalog.Requests())
	fmt.Printf("- notifications: %d\n", len(s.notifier.Sent()))
	fmt.Printf("- total_events: %d\n", s.events.Load())
}

var demoItems = []saga.LineItem{
	{ProductID: "product-a", Quantity: 2},
	{ProductID: "product-b", Quantity: 1},
}

func placeOrder(items []saga.LineItem) func(context.Context, *scenario) (string, error) {
	return func(ctx context.Context, s *scenario) (string, error) {
		order, err := s.orchestrator.CreateOrder(ctx, demoUser, items, uuid.NewString())
		if err != nil {
			return "", err
		}
		return order.ID, nil
	}
}

func runScenarios(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	runCase(ctx, cfg, logger, "SCENARIO 1: SUCCESS", caseOptions{
		retries:  1,
		place:    placeOrder(demoItems),
		notified: 2,
	})

	runCase(ctx, cfg, logger, "SCENARIO 2: INSUFFICIENT STOCK (rejected before any write)", caseOptions{
		retries: 1,
		place:   placeOrder([]saga.LineItem{{ProductID: "product-b", Quantity: 50}}),
	})

	payFailID := fmt.Sprintf("ORDER-PAY-FAIL-%d", time.Now().UnixNano())
	runCase(ctx, cfg, logger, "SCENARIO 3: PAYMENT FAILURE (stock compensation)", caseOptions{
		retries: 1,
		fixedID: payFailID,
		prepare: func(s *scenario) {
			s.payments.Script(payFailID, downstream.OutcomeDeclined)
		},
		place:    placeOrder(demoItems),
		notified: 2,
	})

	runCase(ctx, cfg, logger, "SCENARIO 4: CATALOG DOWN (circuit breaker fails fast)", caseOptions{
		prepare: func(s *scenario) { s.catalog.SetDown(true) },
		place: func(ctx context.Context, s *scenario) (string, error) {
			threshold := resilient.DefaultConfig("catalog", "").FailureThreshold
			var last error
			for i := 0; i <= threshold; i++ {
				_, last = s.orchestrator.CreateOrder(ctx, demoUser, demoItems, uuid.NewString())
				fmt.Printf("  attempt %d: fast_fail=%t err=%v\n", i+1, errors.Is(last, saga.ErrServiceUnavailable), last)
			}
			return "", last
		},
	})

	runCase(ctx, cfg, logger, "SCENARIO 5: DUPLICATE payment.completed (notified once)", caseOptions{
		retries: 1,
		place: func(ctx context.Context, s *scenario) (string, error) {
			orderID, err := placeOrder(demoItems)(ctx, s)
			if err != nil {
				return "", err
			}
			s.orchestrator.Wait()
			payment := map[string]any{"orderId": orderID, "paymentId": uuid.NewString(), "amount": "250.00"}
			corrID := uuid.NewString()
			for i := 0; i < 2; i++ {
				if err := s.bus.Publish(ctx, eventbus.PaymentCompleted, payment, corrID, "payment-service"); err != nil {
					return orderID, err
				}
			}
			return orderID, nil
		},
		notified: 3,
	})
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := observability.NewLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	startMetricsServer()
	if len(cfg.KafkaBrokers) > 0 {
		fmt.Println("Kafka transport enabled")
	} else {
		fmt.Println("KAFKA_BROKERS not set, using in-memory transport only")
	}
	runScenarios(ctx, cfg, logger)

	if os.Getenv("RUN_CONTINUOUS") == "true" {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			runScenarios(ctx, cfg, logger)
		}
	}
}
