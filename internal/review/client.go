package review

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"docqc/internal/config"
	"docqc/internal/services"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// State is the service-side status of a submission.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Client talks to the review service.
type Client struct {
	baseURL    string
	apiKey     string
	submitPath string
	statusPath string

	httpClient       *http.Client
	limiter          *rate.Limiter
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// New constructs a client from the [review] config section.
func New(cfg config.Review, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		baseURL:          strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:           strings.TrimSpace(cfg.APIKey),
		submitPath:       cfg.SubmitPath,
		statusPath:       cfg.StatusPath,
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	if cfg.MaxAttempts > 0 {
		client.retryMaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryBaseMS >= 0 {
		client.retryBaseDelay = time.Duration(cfg.RetryBaseMS) * time.Millisecond
	}
	if cfg.RetryMaxMS > 0 {
		client.retryMaxDelay = time.Duration(cfg.RetryMaxMS) * time.Millisecond
	}
	if cfg.RequestsPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if client.submitPath == "" {
		client.submitPath = "/submit"
	}
	if client.statusPath == "" {
		client.statusPath = "/status/{id}"
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// IsConfigured reports whether a base URL is present.
func (c *Client) IsConfigured() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("review request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// classify tags transport errors with the service markers.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return services.Wrap(services.ErrServiceUnavailable, "review", op, "connection refused", err)
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, "review", op, "credentials rejected", err)
		case statusErr.StatusCode == http.StatusNotFound:
			return services.Wrap(services.ErrNotFound, "review", op, "", err)
		case statusErr.StatusCode == http.StatusServiceUnavailable:
			return services.Wrap(services.ErrServiceUnavailable, "review", op, "", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "review", op, "", err)
	}
	return services.Wrap(services.ErrExternalTool, "review", op, "", err)
}
