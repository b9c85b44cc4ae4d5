package resiliency

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signtusk/multisigner/pkg/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestDo_RetriesServerErrorsAndReplaysBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(body))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewEnhancedClient("test")
	c.sleep = noSleep

	resp, err := c.PostJSON(context.Background(), srv.URL, []byte(`{"a":1}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewEnhancedClient("test")
	c.sleep = noSleep
	resp, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_BreakerOpensAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	breaker := NewCircuitBreaker("render", 2, time.Minute).WithClock(func() time.Time { return now })
	c := NewEnhancedClient("render", WithBreaker(breaker), WithBackoff(retry.Policy{MaxAttempts: 1}))

	for i := 0; i < 2; i++ {
		resp, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
		require.NoError(t, err)
		_ = resp.Body.Close()
	}
	assert.Equal(t, "OPEN", breaker.State())

	_, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
	require.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.True(t, breaker.Allow(), "half-open after reset timeout")
	breaker.Failure()
	assert.Equal(t, "OPEN", breaker.State(), "a half-open failure reopens")
}

func TestDo_GetWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewEnhancedClient("test")
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
