// Package delivery implements the HTTP emitter that sends one signed
// payload to one webhook target: bounded retries, per-attempt timeouts, and
// a DeliveryResult the Alert Pipeline folds into its DeliveryRecord.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultTimeout is used when a target's TimeoutSecs is unset.
const defaultTimeout = 10 * time.Second

// retryDelays is the fixed retry schedule: at most 4 attempts total, one
// delay before each attempt (0 before the first, then 1s, 5s, and 15s).
var retryDelays = []time.Duration{0, 1 * time.Second, 5 * time.Second, 15 * time.Second}

// Request is one payload destined for one target.
type Request struct {
	URL         string
	Body        []byte
	Signature   string // hex HMAC, empty when the target has no secret
	EventType   string
	SourceName  string
	TimeoutSecs int
}

// Result is the outcome of attempting to deliver a Request, possibly after
// retries. Success is true only for a 2xx response on the final attempt.
type Result struct {
	Success      bool
	HTTPStatus   int
	LatencyMS    int64
	ErrorMessage string
}

// Client sends webhook deliveries over HTTP with bounded retries. One
// Client is shared across targets; a rate.Limiter per target bounds how
// fast a flapping source can hammer a single endpoint.
type Client struct {
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a Client with its own http.Client, separate from
// http.DefaultClient to avoid shared state and keep timeouts explicit.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{},
		limiters:   make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the per-target rate limiter, creating one on first use
// that allows a burst of 1 and refills at 1 request/second — enough to
// smooth a storm of near-simultaneous anomaly transitions across many
// sources sharing one target without meaningfully delaying a single alert.
// A Client is shared across the scheduler's per-source goroutines, so the
// map itself needs a lock even though each limiter is independently safe.
func (c *Client) limiterFor(target string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[target]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(1), 1)
	c.limiters[target] = l
	return l
}

// Send delivers req, retrying on network errors, timeouts, and the
// retryable HTTP statuses of §4.5 (5xx, 408, 425, 429), up to 4 attempts
// total with delays {0, 1s, 5s, 15s}. Overall latency is measured from the
// first attempt to the last.
func (c *Client) Send(ctx context.Context, req Request) Result {
	if err := c.limiterFor(req.URL).Wait(ctx); err != nil {
		return Result{Success: false, ErrorMessage: fmt.Sprintf("rate limit wait: %v", err)}
	}

	start := time.Now()
	var last Result

	for _, delay := range retryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				last = Result{Success: false, ErrorMessage: ctx.Err().Error()}
				return finalize(last, start)
			case <-time.After(delay):
			}
		}

		last = c.attempt(ctx, req)
		if last.Success || !retryableStatus(last.HTTPStatus, last.ErrorMessage) {
			return finalize(last, start)
		}
	}
	return finalize(last, start)
}

func finalize(r Result, start time.Time) Result {
	r.LatencyMS = time.Since(start).Milliseconds()
	return r
}

func (c *Client) attempt(ctx context.Context, req Request) Result {
	timeout := defaultTimeout
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Success: false, ErrorMessage: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Event", req.EventType)
	httpReq.Header.Set("X-Source", req.SourceName)
	if req.Signature != "" {
		httpReq.Header.Set("X-Signature", "sha256="+req.Signature)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{Success: false, ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := Result{Success: success, HTTPStatus: resp.StatusCode}
	if !success {
		result.ErrorMessage = fmt.Sprintf("webhook returned %d", resp.StatusCode)
	}
	return result
}

// retryableStatus reports whether a failed attempt should be retried: any
// 5xx, or 408/425/429. A network error (HTTPStatus == 0, non-empty message)
// is also retryable. Other 4xx statuses are terminal failures.
func retryableStatus(status int, errMsg string) bool {
	if status == 0 {
		return errMsg != ""
	}
	if status >= 500 {
		return true
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}
