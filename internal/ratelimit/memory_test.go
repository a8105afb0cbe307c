package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawmarket/internal/model"
)

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be within burst", i)
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefill(t *testing.T) {
	// 1000 tokens/s refills one token per millisecond.
	m := NewMemoryLimiter(1000, 2)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "k1")
	}
	ok, _ := m.Allow(ctx, "k1")
	require.False(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok, "bucket should have refilled")
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer m.Close()

	ctx := context.Background()
	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok, "key b has its own bucket")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(1, 50)
	defer m.Close()

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := m.Allow(context.Background(), "k1")
			allowed <- ok
		}()
	}
	wg.Wait()
	close(allowed)

	var granted int
	for ok := range allowed {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 50, granted, "exactly the burst capacity should pass")
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-1" })(inner)

	req := httptest.NewRequest("POST", "/v1/intents", nil)
	req.RemoteAddr = "10.0.0.1:4000"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	var resp model.APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeRateLimited, resp.Error.Code)
	assert.Equal(t, "req-1", resp.Meta.RequestID)

	// A different client IP is not affected.
	other := httptest.NewRequest("POST", "/v1/intents", nil)
	other.RemoteAddr = "10.0.0.2:4000"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, other)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMiddlewareSkipsWithoutKey(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := Middleware(m, func(*http.Request) string { return "" }, nil)(inner)

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
		require.Equal(t, http.StatusNoContent, rr.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", IPKeyFunc(r))

	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "[2001:db8::1]", IPKeyFunc(r))
}
