// Package adminserver exposes the key store's operational HTTP
// surface: liveness/readiness/health probes and a Prometheus scrape
// endpoint. The key store itself has no transport of its own (spec §1
// treats transport as out of scope); this is tooling around the actor,
// not the actor's API.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pinger is implemented by a key-index or hash-index backend (the
// postgres, sqlite and redis backends) to support a readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendHealthChecker is implemented by a blob-store backend that can
// report its own reachability (e.g. internal/blobstore/filesystem's
// data-directory stat). Backends that don't implement it are treated
// as always healthy.
type BackendHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthChecker answers liveness/readiness/health HTTP probes for the
// key-index, hash-index, and blob-store backends wired into this
// deployment.
type HealthChecker struct {
	dbChecker   Pinger
	hashChecker Pinger
	blobChecker BackendHealthChecker
	logger      zerolog.Logger

	mu           sync.RWMutex
	cachedStatus *HealthStatus
	cacheExpiry  time.Time
	cacheTTL     time.Duration
}

// HealthCheckerConfig contains health checker configuration. Any
// checker may be nil if the deployment has no corresponding durable
// backend (e.g. the in-memory indices used by a single-binary CLI run).
type HealthCheckerConfig struct {
	DBChecker   Pinger
	HashChecker Pinger
	BlobChecker BackendHealthChecker
	Logger      zerolog.Logger
	CacheTTL    time.Duration
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(config HealthCheckerConfig) *HealthChecker {
	cacheTTL := config.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}

	return &HealthChecker{
		dbChecker:   config.DBChecker,
		hashChecker: config.HashChecker,
		blobChecker: config.BlobChecker,
		logger:      config.Logger.With().Str("component", "adminserver.health").Logger(),
		cacheTTL:    cacheTTL,
	}
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status     string                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     string                      `json:"uptime,omitempty"`
	Components map[string]*ComponentStatus `json:"components"`
}

// ComponentStatus represents the health of a single component.
type ComponentStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var startTime = time.Now()

// HandleLiveness handles liveness probe requests (/livez). Always
// succeeds if the handler is being called at all.
func (h *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": StatusHealthy})
}

// HandleReadiness handles readiness probe requests (/readyz): checks
// the key-index, hash-index and blob-store backends are reachable.
func (h *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.checkComponents(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusHealthy || status.Status == StatusDegraded {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// HandleHealth handles detailed health check requests (/healthz), the
// main admin endpoint with full component status, cached for cacheTTL
// to avoid hammering backends on frequent polling.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	if h.cachedStatus != nil && time.Now().Before(h.cacheExpiry) {
		status := h.cachedStatus
		h.mu.RUnlock()
		h.writeHealthResponse(w, status)
		return
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := h.checkComponents(ctx)
	status.Uptime = time.Since(startTime).Round(time.Second).String()

	h.mu.Lock()
	h.cachedStatus = status
	h.cacheExpiry = time.Now().Add(h.cacheTTL)
	h.mu.Unlock()

	h.writeHealthResponse(w, status)
}

func (h *HealthChecker) writeHealthResponse(w http.ResponseWriter, status *HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	switch status.Status {
	case StatusHealthy, StatusDegraded:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (h *HealthChecker) checkComponents(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]*ComponentStatus),
	}

	status.Components["keyindex"] = h.checkKeyIndex(ctx)
	status.Components["hashindex"] = h.checkHashIndex(ctx)
	status.Components["blobstore"] = h.checkBlobStore(ctx)

	for _, comp := range status.Components {
		if comp.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
			break
		}
		if comp.Status == StatusDegraded {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthChecker) checkKeyIndex(ctx context.Context) *ComponentStatus {
	if h.dbChecker == nil {
		return &ComponentStatus{Status: StatusHealthy}
	}

	start := time.Now()
	err := h.dbChecker.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn().Err(err).Msg("key-index health check failed")
		return &ComponentStatus{Status: StatusUnhealthy, Latency: latency.String(), Error: err.Error()}
	}

	status := StatusHealthy
	if latency > 100*time.Millisecond {
		status = StatusDegraded
	}
	return &ComponentStatus{Status: status, Latency: latency.String()}
}

func (h *HealthChecker) checkHashIndex(ctx context.Context) *ComponentStatus {
	if h.hashChecker == nil {
		return &ComponentStatus{Status: StatusHealthy}
	}

	start := time.Now()
	err := h.hashChecker.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn().Err(err).Msg("hash-index health check failed")
		return &ComponentStatus{Status: StatusUnhealthy, Latency: latency.String(), Error: err.Error()}
	}

	status := StatusHealthy
	if latency > 100*time.Millisecond {
		status = StatusDegraded
	}
	return &ComponentStatus{Status: status, Latency: latency.String()}
}

func (h *HealthChecker) checkBlobStore(ctx context.Context) *ComponentStatus {
	if h.blobChecker == nil {
		return &ComponentStatus{Status: StatusHealthy}
	}

	start := time.Now()
	err := h.blobChecker.HealthCheck(ctx)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn().Err(err).Msg("blob store health check failed")
		return &ComponentStatus{Status: StatusUnhealthy, Latency: latency.String(), Error: err.Error()}
	}

	status := StatusHealthy
	if latency > 500*time.Millisecond {
		status = StatusDegraded
	}
	return &ComponentStatus{Status: status, Latency: latency.String()}
}
