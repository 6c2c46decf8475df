package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"order-saga/eventbus"
	"order-saga/resilient"
)

const (
	ServiceName    = "order-service"
	ServiceVersion = "0.1.0"
)

const (
	LogsPath      = "/otlp/v1/logs"
	TracesPath    = "/otlp/v1/traces"
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
)

// Service is one downstream HTTP dependency.
type Service struct {
	Name    string
	BaseURL string
}

type Config struct {
	ServiceName string
	HTTPAddr    string
	LogLevel    zapcore.Level

	Catalog Service
	Payment Service
	User    Service
	APIKey  string

	HTTPTimeout      time.Duration
	HTTPRetries      int
	HTTPRetryDelay   time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration

	// KafkaBrokers empty means events stay in process.
	KafkaBrokers  []string
	EventExchange string

	// DatabaseURL empty means orders are kept in memory.
	DatabaseURL string
	// RedisAddr empty means notification dedup is kept in memory.
	RedisAddr string

	OtelEndpoint   string
	OtelAuthHeader string
}

// ClientConfig builds the resilient client settings for one service.
func (c *Config) ClientConfig(s Service) resilient.Config {
	return resilient.Config{
		Name:             s.Name,
		BaseURL:          s.BaseURL,
		Timeout:          c.HTTPTimeout,
		Retries:          c.HTTPRetries,
		RetryDelay:       c.HTTPRetryDelay,
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		APIKey:           c.APIKey,
	}
}

func LoadConfig() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	var errs []error
	duration := func(key string, fallback time.Duration) time.Duration {
		raw := env(key, "")
		if raw == "" {
			return fallback
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
		// bare numbers are milliseconds
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	integer := func(key string, fallback int) int {
		raw := env(key, "")
		if raw == "" {
			return fallback
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid non-negative integer %q", key, raw))
			return fallback
		}
		return n
	}

	cfg := &Config{
		ServiceName:      env("SERVICE_NAME", ServiceName),
		HTTPAddr:         env("HTTP_ADDR", ":3000"),
		Catalog:          Service{Name: "catalog", BaseURL: env("CATALOG_SERVICE_URL", "http://localhost:3001")},
		Payment:          Service{Name: "payment", BaseURL: env("PAYMENT_SERVICE_URL", "http://localhost:3002")},
		User:             Service{Name: "user", BaseURL: env("USER_SERVICE_URL", "http://localhost:3003")},
		APIKey:           env("SERVICE_API_KEY", ""),
		HTTPTimeout:      duration("HTTP_TIMEOUT", resilient.DefaultTimeout),
		HTTPRetries:      integer("HTTP_RETRIES", resilient.DefaultRetries),
		HTTPRetryDelay:   duration("HTTP_RETRY_DELAY", resilient.DefaultRetryDelay),
		FailureThreshold: integer("BREAKER_FAILURE_THRESHOLD", resilient.DefaultFailureThreshold),
		ResetTimeout:     duration("BREAKER_RESET_TIMEOUT", resilient.DefaultResetTimeout),
		EventExchange:    env("EVENT_EXCHANGE", eventbus.DefaultExchange),
		DatabaseURL:      env("DATABASE_URL", ""),
		RedisAddr:        env("REDIS_ADDR", ""),
		OtelEndpoint:     env("OTEL_ENDPOINT", ""),
		OtelAuthHeader:   env("OTEL_AUTH_HEADER", ""),
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	level, err := zapcore.ParseLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	if cfg.FailureThreshold == 0 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be at least 1"))
	}
	if cfg.OtelEndpoint != "" && cfg.OtelAuthHeader == "" {
		errs = append(errs, errors.New("OTEL_AUTH_HEADER is required when OTEL_ENDPOINT is set"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
