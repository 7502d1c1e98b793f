// Package client invokes the remote seed action of a dashboard service over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// SeedTrigger runs the remote seed action and returns what it wrote.
type SeedTrigger interface {
	Trigger(ctx context.Context, reset bool) (models.SeedSummary, error)
}

var (
	ErrSeedFailed         = errors.New("seed failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRejected           = errors.New("request rejected")
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// SeedClient calls POST {baseURL}/seed with retries on transport errors, 429 and 5xx.
type SeedClient struct {
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

// NewSeedClient returns a client with 3 attempts and 100ms..2s backoff.
func NewSeedClient(baseURL string, timeout time.Duration) (*SeedClient, error) {
	return NewSeedClientWithRetry(baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewSeedClientWithRetry returns a client with explicit retry settings.
func NewSeedClientWithRetry(baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*SeedClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &SeedClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// errorEnvelope is the service's error body.
type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

// Trigger invokes the seed action. Seeding is idempotent, so retrying a request whose
// response was lost is safe.
func (c *SeedClient) Trigger(ctx context.Context, reset bool) (models.SeedSummary, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.SeedTriggerRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.SeedSummary{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		summary, err := c.call(ctx, reset)
		if err == nil {
			return summary, nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return models.SeedSummary{}, err
		}
	}

	return models.SeedSummary{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *SeedClient) call(ctx context.Context, reset bool) (models.SeedSummary, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, reset)
	if err != nil {
		observability.SeedTriggerCallsTotal.WithLabelValues("error").Inc()
		return models.SeedSummary{}, fmt.Errorf("build request: %w", err)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.SeedTriggerCallsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.SeedSummary{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.SeedSummary{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	observability.SeedTriggerCallsTotal.WithLabelValues(statusLabel(resp.StatusCode)).Inc()

	if err := handleErrorResponse(resp); err != nil {
		return models.SeedSummary{}, err
	}

	var summary models.SeedSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return models.SeedSummary{}, fmt.Errorf("parse response: %w", err)
	}
	return summary, nil
}

func (c *SeedClient) buildRequest(ctx context.Context, reset bool) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + "/seed")
	if err != nil {
		return nil, fmt.Errorf("invalid seed URL: %w", err)
	}
	if reset {
		q := u.Query()
		q.Set("reset", "true")
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// handleErrorResponse maps non-2xx responses to sentinel errors, carrying the
// server's error code and message when the body is an error envelope.
func handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := fmt.Sprintf("HTTP %d", resp.StatusCode)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
		detail = fmt.Sprintf("HTTP %d %s: %s", resp.StatusCode, env.Error.Code, env.Error.Message)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, detail)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrSeedFailed, detail)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, detail)
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrSeedFailed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "http request failed") || strings.Contains(errStr, "request timeout")
}

func (c *SeedClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
