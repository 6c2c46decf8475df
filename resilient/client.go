// Package resilient wraps outbound HTTP calls to one remote target with
// retry-with-backoff and a circuit breaker.
package resilient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

const (
	DefaultTimeout          = 5 * time.Second
	DefaultRetries          = 3
	DefaultRetryDelay       = time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = time.Minute

	maxErrorBody = 4 << 10
)

type Config struct {
	// Name identifies the target in errors, logs and metrics.
	Name    string
	BaseURL string
	Timeout time.Duration
	// Retries is the number of extra attempts after the first one.
	Retries          int
	RetryDelay       time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	APIKey           string
}

// DefaultConfig returns the stock settings for a target.
func DefaultConfig(name, baseURL string) Config {
	return Config{
		Name:             name,
		BaseURL:          baseURL,
		Timeout:          DefaultTimeout,
		Retries:          DefaultRetries,
		RetryDelay:       DefaultRetryDelay,
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
	}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStateChangeHook registers fn to be called on every breaker transition.
func WithStateChangeHook(fn func(target string, from, to State)) Option {
	return func(c *Client) { c.hook = fn }
}

type Client struct {
	cfg     Config
	http    *http.Client
	clock   clock.Clock
	logger  *zap.Logger
	hook    func(target string, from, to State)
	breaker *breaker
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("target", cfg.Name))
	c.breaker = newBreaker(c.clock, cfg.FailureThreshold, cfg.ResetTimeout, c.stateChanged)
	return c
}

func (c *Client) Name() string { return c.cfg.Name }

// State returns the breaker state and the consecutive failure count.
func (c *Client) State() (State, int) { return c.breaker.snapshot() }

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do sends body as JSON and decodes a 2xx response into out when out is
// non-nil. Transient failures are retried; the breaker sees one outcome
// per call, not per attempt.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode request body: %w", c.cfg.Name, err)
		}
	}

	if !c.breaker.allow() {
		c.logger.Warn("request_rejected_circuit_open", zap.String("method", method), zap.String("path", path))
		return fmt.Errorf("%s: %w", c.cfg.Name, ErrServiceUnavailable)
	}

	var data []byte
	attempt := 0
	op := func() error {
		attempt++
		var err error
		data, err = c.send(ctx, method, path, payload)
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request_retry",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(c.retrySchedule(), uint64(c.cfg.Retries)), ctx)
	err := backoff.RetryNotify(op, schedule, notify)
	if err != nil {
		var se *StatusError
		switch {
		case errors.As(err, &se) && !se.Retryable():
			c.breaker.release()
		case ctx.Err() != nil:
			c.breaker.release()
		default:
			c.breaker.onFailure()
			c.logger.Error("request_failed", zap.String("method", method), zap.String("path", path), zap.Int("attempts", attempt), zap.Error(err))
		}
		return err
	}

	c.breaker.onSuccess()
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s %s: decode response: %w", c.cfg.Name, method, path, err)
	}
	return nil
}

// retrySchedule yields RetryDelay, 2×RetryDelay, 4×RetryDelay, ... with no jitter.
func (c *Client) retrySchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.cfg.RetryDelay << 16
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: build request: %w", c.cfg.Name, err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if id := CorrelationID(ctx); id != "" {
		req.Header.Set(CorrelationHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", c.cfg.Name, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Target:     c.cfg.Name,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(msg),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: read response: %w", c.cfg.Name, method, path, err)
	}
	return data, nil
}

func (c *Client) stateChanged(from, to State) {
	c.logger.Info("circuit_state_changed", zap.String("from", string(from)), zap.String("to", string(to)))
	if c.hook != nil {
		c.hook(c.cfg.Name, from, to)
	}
}
