package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("ip:10.0.0.1"), "request %d should pass", i)
	}
	assert.False(t, rl.Allow("ip:10.0.0.1"))

	// Keys are independent.
	assert.True(t, rl.Allow("ip:10.0.0.2"))
}

func TestRateLimiter_Remaining(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    time.Minute,
		BurstSize:         2,
	})

	assert.Equal(t, 7, rl.Remaining("ip:10.0.0.1"))
	rl.Allow("ip:10.0.0.1")
	assert.Equal(t, 6, rl.Remaining("ip:10.0.0.1"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    10 * time.Millisecond,
		BurstSize:         0,
	})
	rl.Allow("ip:10.0.0.1")

	time.Sleep(30 * time.Millisecond)
	rl.Cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.buckets)
}

func TestRateLimitMiddleware(t *testing.T) {
	m := NewRateLimitMiddleware(&RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/sso/1/login", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do("10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)

	rec = do("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Another client is unaffected.
	assert.Equal(t, http.StatusOK, do("10.0.0.9").Code)
}

func testRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	_, client := testRedisClient(t)
	rl := NewDistributedRateLimiter(client, &RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
	}, "ratelimit:test")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := rl.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, err := rl.Remaining(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ttl, err := rl.TTL(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, rl.Reset(ctx, "ip:10.0.0.1"))
	allowed, err = rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestDistributedRateLimitMiddleware(t *testing.T) {
	mr, client := testRedisClient(t)
	m := NewDistributedRateLimitMiddleware(client, &RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
	}, "ratelimit:login")
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/sso/1/login", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusTooManyRequests, do().Code)

	// Redis loss fails open by default.
	mr.Close()
	assert.Equal(t, http.StatusOK, do().Code)

	// Fail closed when configured to.
	m.SetFallbackEnabled(false)
	assert.Equal(t, http.StatusServiceUnavailable, do().Code)
}
