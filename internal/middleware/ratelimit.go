// Package middleware provides HTTP middleware for hatstore's admin
// surface.
package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/metrics"
)

// RateLimiter implements per-client token bucket rate limiting in
// front of the admin HTTP surface (internal/adminserver). It is not
// part of the key-store actor's own contract: spec §5's bounded
// inbound channel is the actor's own backpressure mechanism, this
// middleware only protects the operational endpoints sitting beside it.
type RateLimiter struct {
	requestsPerSecond float64
	burstSize         int
	enabled           bool

	buckets sync.Map // map[string]*bucket

	metrics *metrics.Metrics
	logger  zerolog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// bucket represents a token bucket for a single client.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	Enabled           bool
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		Enabled:           true,
		CleanupInterval:   5 * time.Minute,
	}
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig, m *metrics.Metrics, logger zerolog.Logger) *RateLimiter {
	rl := &RateLimiter{
		requestsPerSecond: config.RequestsPerSecond,
		burstSize:         config.BurstSize,
		enabled:           config.Enabled,
		metrics:           m,
		logger:            logger.With().Str("component", "ratelimiter").Logger(),
		cleanupInterval:   config.CleanupInterval,
		stopCleanup:       make(chan struct{}),
	}

	if config.Enabled && config.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}

	return rl
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		clientID := rl.getClientID(r)

		if !rl.allow(clientID) {
			rl.logger.Warn().
				Str("client_id", clientID).
				Str("path", r.URL.Path).
				Msg("rate limit exceeded")

			if rl.metrics != nil {
				rl.metrics.RecordRateLimited("request")
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded, retry after 1s",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientID extracts the client identifier from the request.
func (rl *RateLimiter) getClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// allow checks if a request is allowed under the rate limit.
func (rl *RateLimiter) allow(clientID string) bool {
	b := rl.getBucket(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * rl.requestsPerSecond
	if b.tokens > float64(rl.burstSize) {
		b.tokens = float64(rl.burstSize)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) getBucket(clientID string) *bucket {
	if b, ok := rl.buckets.Load(clientID); ok {
		return b.(*bucket)
	}

	b := &bucket{
		tokens:     float64(rl.burstSize),
		lastRefill: time.Now(),
	}

	actual, _ := rl.buckets.LoadOrStore(clientID, b)
	return actual.(*bucket)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.cleanupInterval)
	deleted := 0

	rl.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if b.lastRefill.Before(threshold) {
			rl.buckets.Delete(key)
			deleted++
		}
		b.mu.Unlock()
		return true
	})

	if deleted > 0 {
		rl.logger.Debug().Int("deleted", deleted).Msg("cleaned up stale rate limit buckets")
	}
}

// Stop stops the rate limiter's background cleanup.
func (rl *RateLimiter) Stop() {
	if rl.enabled {
		close(rl.stopCleanup)
	}
}
