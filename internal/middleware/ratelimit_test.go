package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/hatstore/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         3,
		Enabled:           true,
	}, metrics.New(), zerolog.Nop())
	defer rl.Stop()

	h := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst must pass", i)
	}
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
		Enabled:           true,
	}, metrics.New(), zerolog.Nop())
	defer rl.Stop()

	h := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "a third request beyond burst size must be rejected")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimiter_DisabledPassesEverythingThrough(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Enabled:           false,
	}, metrics.New(), zerolog.Nop())
	defer rl.Stop()

	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.3:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "a disabled limiter must never reject")
	}
}

func TestRateLimiter_BucketsAreIndependentPerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Enabled:           true,
	}, metrics.New(), zerolog.Nop())
	defer rl.Stop()

	h := rl.Middleware(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	reqA.RemoteAddr = "10.0.0.4:1234"
	recA := httptest.NewRecorder()
	h.ServeHTTP(recA, reqA)
	assert.Equal(t, http.StatusOK, recA.Code)

	// Client A has exhausted its burst of 1, but client B is unaffected.
	reqB := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	reqB.RemoteAddr = "10.0.0.5:1234"
	recB := httptest.NewRecorder()
	h.ServeHTTP(recB, reqB)
	assert.Equal(t, http.StatusOK, recB.Code)

	reqA2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	reqA2.RemoteAddr = "10.0.0.4:1234"
	recA2 := httptest.NewRecorder()
	h.ServeHTTP(recA2, reqA2)
	assert.Equal(t, http.StatusTooManyRequests, recA2.Code)
}

func TestRateLimiter_UsesForwardedForHeader(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Enabled:           true,
	}, metrics.New(), zerolog.Nop())
	defer rl.Stop()

	h := rl.Middleware(okHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req1.RemoteAddr = "10.0.0.6:1111"
	req1.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	// Same forwarded client from a different connecting address must
	// still be tracked as the same bucket.
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req2.RemoteAddr = "10.0.0.7:2222"
	req2.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstSize:         1,
		Enabled:           true,
	}, metrics.New(), zerolog.Nop())
	defer rl.Stop()

	h := rl.Middleware(okHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req1.RemoteAddr = "10.0.0.8:1234"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	time.Sleep(10 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req2.RemoteAddr = "10.0.0.8:1234"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code, "after enough elapsed time at a high refill rate, tokens must replenish")
}

func TestRateLimiter_CleanupRemovesStaleBuckets(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Enabled:           true,
		CleanupInterval:   time.Hour, // prevent the background loop from racing this test's direct cleanup() call
	}, metrics.New(), zerolog.Nop())
	defer rl.Stop()

	rl.allow("stale-client")
	b, ok := rl.buckets.Load("stale-client")
	require.True(t, ok)
	b.(*bucket).lastRefill = time.Now().Add(-2 * time.Hour)

	rl.cleanup()

	_, ok = rl.buckets.Load("stale-client")
	assert.False(t, ok, "cleanup must evict buckets whose lastRefill is older than the cleanup interval")
}

func TestRateLimiter_Stop_IdempotentWhenDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Enabled: false}, metrics.New(), zerolog.Nop())
	assert.NotPanics(t, func() { rl.Stop(); rl.Stop() }, "Stop on a disabled limiter must not attempt to close an unused channel path twice")
}
