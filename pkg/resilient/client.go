/**
 * @description
 * Resilient client for outbound calls. Every provider, partner and service call in the
 * collections service goes through Retry or Call so timeouts, backoff and failure
 * classification behave the same everywhere.
 */
package resilient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	maxResponseBytes   = 1 << 20
	healthCheckTimeout = 2 * time.Second
)

// Request describes one outbound HTTP call. Body is JSON-encoded when non-nil.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   interface{}
}

// Response is a successful HTTP response with its body read into memory.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body. A malformed body is a contract error and never retried.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return Permanent(fmt.Errorf("empty response body"))
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// Client executes calls under a Policy.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	random     func() float64
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(c *Client) { c.random = fn }
}

// NewClient creates a resilient client.
func NewClient(opts ...Option) *Client {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex

	c := &Client{
		httpClient: &http.Client{},
		logger:     slog.Default(),
		sleep:      sleepContext,
		random: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retry runs op until it succeeds, fails permanently, or the policy's retries run out.
func (c *Client) Retry(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	var lastErr error
	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := Delay(policy, attempt-1, c.random())
			if ra := retryAfter(lastErr); ra > wait {
				wait = ra
				if policy.MaxDelay > 0 && wait > policy.MaxDelay {
					wait = policy.MaxDelay
				}
			}
			if err := c.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s: %w", policy.Name, err)
			}
		}

		err := c.runAttempt(ctx, policy, op)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", policy.Name, ctxErr)
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt < attempts-1 {
			c.logger.Warn("outbound call failed, retrying", "policy", policy.Name, "attempt", attempt+1, "error", err)
		}
	}

	return &ExhaustedError{Policy: policy.Name, Attempts: attempts, Err: lastErr}
}

func (c *Client) runAttempt(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	if policy.Timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()
	return op(attemptCtx)
}

// Call sends an HTTP request under policy and returns the first successful response.
func (c *Client) Call(ctx context.Context, req Request, policy Policy) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		payload = encoded
	}

	var out *Response
	err := c.Retry(ctx, policy, func(ctx context.Context) error {
		resp, err := c.do(ctx, req, payload, policy)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, req Request, payload []byte, policy Policy) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if payload != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 512),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			retryable:  policy.retryableStatus(resp.StatusCode),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// HealthCheck probes url with a short timeout. It is never retried.
func (c *Client) HealthCheck(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryAfter(err error) time.Duration {
	if statusErr, ok := err.(*StatusError); ok {
		return statusErr.RetryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
