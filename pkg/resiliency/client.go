// Package resiliency wraps outbound HTTP calls with retries and a circuit
// breaker. It is used for the external document rendering service.
package resiliency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/signtusk/multisigner/pkg/retry"
)

// ErrCircuitOpen is returned without contacting the server while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// EnhancedClient wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter (pkg/retry)
// - Circuit Breaking
// - W3C trace context propagation
type EnhancedClient struct {
	client  *http.Client
	backoff retry.Policy
	breaker *CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*EnhancedClient)

func WithHTTPClient(c *http.Client) Option { return func(e *EnhancedClient) { e.client = c } }

func WithBackoff(p retry.Policy) Option { return func(e *EnhancedClient) { e.backoff = p } }

func WithBreaker(b *CircuitBreaker) Option { return func(e *EnhancedClient) { e.breaker = b } }

func NewEnhancedClient(name string, opts ...Option) *EnhancedClient {
	c := &EnhancedClient{
		client: &http.Client{Timeout: 30 * time.Second},
		backoff: retry.Policy{
			PolicyID:    "http:" + name,
			MaxAttempts: 4,
			Base:        100 * time.Millisecond,
			Max:         2 * time.Second,
			MaxJitter:   50 * time.Millisecond,
		},
		breaker: NewCircuitBreaker(name, 5, 10*time.Second),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes an HTTP request with resiliency patterns. Requests with a body
// are retried only if the body can be replayed (GetBody is set, as it is for
// bytes.Reader and strings.Reader bodies). Responses with status >= 500 are
// retried; the last one is returned to the caller as is.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.name)
	}

	attempts := c.backoff.MaxAttempts
	if attempts < 1 || (req.Body != nil && req.GetBody == nil) {
		attempts = 1
	}

	var (
		resp *http.Response
		err  error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if req.GetBody != nil {
				body, gerr := req.GetBody()
				if gerr != nil {
					return nil, fmt.Errorf("rewind request body: %w", gerr)
				}
				req.Body = body
			}
			delay := retry.ComputeBackoff(retry.Params{
				PolicyID:     c.backoff.PolicyID,
				Key:          req.URL.String(),
				AttemptIndex: i,
			}, c.backoff)
			if serr := c.sleep(ctx, delay); serr != nil {
				return nil, serr
			}
		}

		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if i < attempts-1 && resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.breaker.Failure()
	return resp, err
}

// PostJSON sends body as application/json.
func (c *EnhancedClient) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        stateClosed,
		now:          time.Now,
	}
}

// WithClock replaces the breaker's time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

// State reports the breaker state, for health output.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}
