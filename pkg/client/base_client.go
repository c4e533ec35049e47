package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// maxRetryAfter caps a server-requested delay on 429.
const maxRetryAfter = 30 * time.Second

var (
	ErrMissingAPIKey = errors.New("api key is not configured")
	ErrClientStatus  = errors.New("non-retryable client status")
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type BaseClient struct {
	client         HTTPClient
	logger         *zap.Logger
	circuitBreaker *gobreaker.CircuitBreaker
	maxRetries     int
	retryDelay     time.Duration
	multiplier     float64
}

type ClientConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	Multiplier     float64
	Threshold      int
	BreakerTimeout time.Duration
}

func NewBaseClient(name string, config ClientConfig, logger *zap.Logger) *BaseClient {
	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	threshold := uint32(config.Threshold)
	if threshold == 0 {
		threshold = 3
	}

	breakerSettings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A 4xx means the request was bad, not that the provider is down.
			return err == nil || errors.Is(err, ErrClientStatus)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("client", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BaseClient{
		client:         httpClient,
		logger:         logger,
		circuitBreaker: gobreaker.NewCircuitBreaker(breakerSettings),
		maxRetries:     config.MaxRetries,
		retryDelay:     config.RetryDelay,
		multiplier:     config.Multiplier,
	}
}

func (c *BaseClient) GetWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.doGetWithRetry(ctx, rawURL)
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func (c *BaseClient) doGetWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	var (
		lastErr error
		wait    time.Duration
	)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = c.backoff(attempt)
			}
			c.logger.Debug("Retrying forecast request",
				zap.String("url", redact(rawURL)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", wait))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			wait = 0
		}

		body, status, retryAfter, err := c.get(ctx, rawURL)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			lastErr = err
			c.logger.Warn("Forecast request failed",
				zap.String("url", redact(rawURL)),
				zap.Int("attempt", attempt),
				zap.Error(err))
		case status >= 200 && status < 300:
			c.logger.Debug("Forecast request succeeded",
				zap.String("url", redact(rawURL)),
				zap.Int("status", status),
				zap.Int("body_size", len(body)))
			return body, nil
		case status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("HTTP %d", status)
			wait = retryAfter
		case status >= 400 && status < 500:
			// Bad request or credentials; retrying will not help.
			return nil, fmt.Errorf("%w: HTTP %d", ErrClientStatus, status)
		default:
			lastErr = fmt.Errorf("HTTP %d", status)
		}
	}

	return nil, fmt.Errorf("max retries exceeded, last error: %w", lastErr)
}

// get performs one request. retryAfter is the server-requested delay on 429.
func (c *BaseClient) get(ctx context.Context, rawURL string) (body []byte, status int, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("creating request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			retryAfter = min(time.Duration(secs)*time.Second, maxRetryAfter)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, retryAfter, nil
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("reading response body: %w", err)
	}
	return body, resp.StatusCode, 0, nil
}

func (c *BaseClient) backoff(attempt int) time.Duration {
	return time.Duration(float64(c.retryDelay) * math.Pow(c.multiplier, float64(attempt-1)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// redact hides credentials carried in the query string before a URL is logged.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable url>"
	}
	q := u.Query()
	for _, key := range []string{"appid", "apikey", "key"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
