package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"order-saga/api"
	"order-saga/config"
	"order-saga/eventbus"
	"order-saga/notification"
	"order-saga/observability"
	"order-saga/resilient"
	"order-saga/saga"
	"order-saga/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, otelErr := observability.Setup(ctx, cfg)
	logger := observability.NewLogger(cfg)
	defer func() { _ = logger.Sync() }()
	if otelErr != nil {
		logger.Error("otel_setup_failed", zap.Error(otelErr))
	}

	metrics := saga.DefaultMetrics
	var checks []func(context.Context) error

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}
	bus := eventbus.New(transport,
		eventbus.WithLogger(logger),
		eventbus.WithSource(cfg.ServiceName),
		eventbus.WithPublishHook(metrics.ObserveEventPublished),
	)

	orderStore, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if pg, ok := orderStore.(*store.Postgres); ok {
		checks = append(checks, pg.Ping)
	}

	deduper, closeDeduper, err := buildDeduper(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeduper()

	client := func(s config.Service) *resilient.Client {
		return resilient.New(cfg.ClientConfig(s),
			resilient.WithLogger(logger),
			resilient.WithStateChangeHook(metrics.ObserveBreakerTransition),
		)
	}
	orchestrator := saga.NewOrderSagaOrchestrator(saga.Dependencies{
		Store:    orderStore,
		Catalog:  saga.NewCatalogClient(client(cfg.Catalog)),
		Payments: saga.NewPaymentClient(client(cfg.Payment)),
		Users:    saga.NewUserClient(client(cfg.User)),
		Bus:      bus,
	},
		saga.WithLogger(logger),
		saga.WithMetrics(metrics),
		saga.WithSource(cfg.ServiceName),
	)

	notifier := notification.NewService(deduper, notification.LogSender{Logger: logger}, logger)
	if err := notifier.Start(ctx, bus); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(orchestrator,
			api.WithLogger(logger),
			api.WithMetrics(metrics.Handler()),
			api.WithHealthCheck(func(ctx context.Context) error {
				var err error
				for _, check := range checks {
					err = errors.Join(err, check(ctx))
				}
				return err
			}),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http_server_listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	case err = <-serveErr:
		logger.Error("http_server_failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http_server_shutdown_failed", zap.Error(serr))
	}
	orchestrator.Wait()
	if berr := bus.Close(); berr != nil {
		logger.Error("event_bus_close_failed", zap.Error(berr))
	}
	if oerr := otelShutdown(shutdownCtx); oerr != nil {
		logger.Error("otel_shutdown_failed", zap.Error(oerr))
	}
	logger.Info("shutdown_complete")
	return err
}

func buildTransport(cfg *config.Config, logger *zap.Logger) (eventbus.Transport, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, using in-memory transport only")
		return eventbus.NewMemoryTransport(), nil
	}
	transport, err := eventbus.NewKafkaTransport(eventbus.KafkaConfig{
		Brokers:  cfg.KafkaBrokers,
		Exchange: cfg.EventExchange,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka transport: %w", err)
	}
	logger.Info("kafka_transport_enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("exchange", cfg.EventExchange))
	return transport, nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (saga.OrderStore, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, orders are kept in memory")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	logger.Info("postgres_store_enabled")
	return pg, pg.Close, nil
}

func buildDeduper(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notification.Deduper, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, notification dedup is kept in memory")
		return notification.NewMemoryDeduper(notification.DefaultDedupTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis_dedup_enabled", zap.String("addr", cfg.RedisAddr))
	return notification.NewRedisDeduper(client, cfg.ServiceName+":notification:", notification.DefaultDedupTTL),
		func() { _ = client.Close() }, nil
}
