// Package httpclient provides a reusable HTTP client with request pacing and resilience
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"market_scanner/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestInterval is the minimum spacing between request starts.
	// All attempts, including retries, go through the same limiter.
	DefaultRequestInterval = 150 * time.Millisecond

	// MaxAttempts bounds total tries per call (first attempt plus retries).
	MaxAttempts = 5
)

var (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 4 * time.Second
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// attemptResult carries the drained response of one attempt through the
// resilience pipeline so retried attempts never leak response bodies.
type attemptResult struct {
	status int
	body   []byte
}

// Client is a wrapper around http.Client with pacing and resilience
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*attemptResult]

	// unix nanos of the most recent 2xx response, 0 before the first
	lastSuccess atomic.Int64

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewLimiter builds a limiter enforcing the given minimum interval between
// request starts. Share one limiter across clients that talk to the same
// upstream so public and signed calls count against the same budget.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		interval = DefaultRequestInterval
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// NewClient creates a new HTTP client with default resilience policies.
// A nil limiter gets a private one at DefaultRequestInterval.
func NewClient(baseURL string, timeout time.Duration, signer Signer, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = NewLimiter(DefaultRequestInterval)
	}

	// Retry on network errors, 429 and 5xx. Client errors other than 429
	// are final and surface immediately.
	retryPolicy := retrypolicy.NewBuilder[*attemptResult]().
		HandleIf(func(res *attemptResult, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return res.status >= 500 || res.status == http.StatusTooManyRequests
		}).
		WithBackoff(retryBaseDelay, retryMaxDelay).
		WithMaxAttempts(MaxAttempts).
		ReturnLastFailure().
		Build()

	// Open circuit on consecutive transport or 5xx failures
	breaker := circuitbreaker.NewBuilder[*attemptResult]().
		HandleIf(func(res *attemptResult, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return res.status >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:     baseURL,
		signer:      signer,
		limiter:     limiter,
		pipeline:    failsafe.With[*attemptResult](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request with query parameters
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// Post sends a POST request. Parameters travel in the query string, which is
// what Binance style endpoints expect for signed writes.
func (c *Client) Post(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, params, nil)
}

// Put sends a PUT request with query parameters
func (c *Client) Put(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, params, nil)
}

// Delete sends a DELETE request with query parameters
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, params, nil)
}

// PostJSON sends a POST request with a JSON body
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, jsonBody []byte) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", c.baseURL+path),
		),
	)
	defer span.End()

	// Each attempt builds and signs a fresh request: bodies stay readable
	// across retries and signed timestamps stay inside the recv window
	// even after backoff sleeps.
	res, err := c.pipeline.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[*attemptResult]) (*attemptResult, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := c.buildRequest(ctx, method, path, params, jsonBody)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &attemptResult{status: resp.StatusCode, body: body}, nil
	})

	duration := time.Since(start).Seconds()
	c.reqCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
	c.latencyHist.Record(ctx, duration, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", res.status))

	if res.status >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", res.status),
		))
		return nil, &APIError{
			StatusCode: res.status,
			Body:       res.body,
		}
	}

	c.lastSuccess.Store(time.Now().UnixNano())
	return res.body, nil
}

// LastSuccess reports when the client last completed a successful call.
// Zero before the first one. Health checks use the age of this timestamp.
func (c *Client) LastSuccess() time.Time {
	ns := c.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) buildRequest(ctx context.Context, method, path string, params map[string]string, jsonBody []byte) (*http.Request, error) {
	var bodyReader io.Reader
	if jsonBody != nil {
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	return req, nil
}
