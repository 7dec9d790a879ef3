// Package metrics provides Prometheus metrics for the key store and
// its HTTP admin surface, adapted from the promauto + Record* pattern
// used throughout this codebase's services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace for all hatstore metrics.
const namespace = "hatstore"

// Metrics contains all Prometheus metrics for the key store.
type Metrics struct {
	registry *prometheus.Registry

	// Key-store actor
	InsertsTotal          prometheus.Counter
	InsertsCompleted      prometheus.Counter
	KeyDedupHitsTotal     prometheus.Counter
	ChunkDedupHitsTotal   prometheus.Counter
	ChunkStoresTotal      prometheus.Counter
	SizeMismatchesTotal   prometheus.Counter
	ReserveConflictsTotal prometheus.Counter
	FlushDuration         *prometheus.HistogramVec
	HashTreeNodesTotal    *prometheus.CounterVec

	// HTTP admin surface
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Reservation reconciler
	ReconcilerRunsTotal     prometheus.Counter
	ReconcilerResolvedTotal prometheus.Counter

	// Admin surface rate limiting
	RateLimitedTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics against a fresh
// registry, rather than the global prometheus.DefaultRegisterer, so
// that multiple Keystore instances (as in tests) never collide over
// duplicate collector registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InsertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "inserts_total",
			Help:      "Total number of Insert requests answered by the key-level dedup fast path; other Inserts do not increment it.",
		}),
		InsertsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "inserts_completed_total",
			Help:      "Total number of Insert ingestions that finalized a data hash.",
		}),
		KeyDedupHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "key_dedup_hits_total",
			Help:      "Total number of Insert calls short-circuited by key-level dedup.",
		}),
		ChunkDedupHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "chunk_dedup_hits_total",
			Help:      "Total number of chunks resolved via an already-known hash (ReserveKnown).",
		}),
		ChunkStoresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "chunk_stores_total",
			Help:      "Total number of chunks actually written to the blob store (ReserveOK).",
		}),
		SizeMismatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "size_mismatches_total",
			Help:      "Total number of inserts where bytes read differed from the declared data length.",
		}),
		ReserveConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hashindex",
			Name:      "reserve_conflicts_total",
			Help:      "Total number of Reserve calls that found the hash already known.",
		}),
		FlushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "keystore",
				Name:      "flush_duration_seconds",
				Help:      "Flush duration in seconds, by stage (blob, hash, key).",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"stage"},
		),
		HashTreeNodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hashtree",
				Name:      "nodes_total",
				Help:      "Total number of hash-tree nodes created, by level kind.",
			},
			[]string{"kind"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of admin HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of in-flight admin HTTP requests.",
		}),
		ReconcilerRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "reconciler_runs_total",
			Help:      "Total number of reservation reconciler passes.",
		}),
		ReconcilerResolvedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "reconciler_resolved_total",
			Help:      "Total number of reserved-but-refless hash entries resolved or dropped by the reconciler.",
		}),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Total number of admin HTTP requests rejected by the rate limiter, by limiter kind.",
			},
			[]string{"kind"},
		),
	}
}

// Handler returns the Prometheus scrape endpoint handler for this
// Metrics instance's own registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordKeyDedupHit records an Insert short-circuited by key-level dedup.
func (m *Metrics) RecordKeyDedupHit() {
	m.InsertsTotal.Inc()
	m.KeyDedupHitsTotal.Inc()
}

// RecordInsertCompleted records an Insert ingestion finalizing its data hash.
func (m *Metrics) RecordInsertCompleted() {
	m.InsertsCompleted.Inc()
}

// RecordSizeMismatch records a declared-vs-actual data length mismatch.
func (m *Metrics) RecordSizeMismatch() {
	m.SizeMismatchesTotal.Inc()
}

// RecordChunkDedupHit records a chunk resolved via an already-known hash.
func (m *Metrics) RecordChunkDedupHit() {
	m.ChunkDedupHitsTotal.Inc()
	m.ReserveConflictsTotal.Inc()
}

// RecordChunkStore records a chunk actually written to the blob store.
func (m *Metrics) RecordChunkStore() {
	m.ChunkStoresTotal.Inc()
}

// RecordFlushDuration records how long a flush stage took.
func (m *Metrics) RecordFlushDuration(stage string, seconds float64) {
	m.FlushDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordHashTreeNode records a hash-tree node of the given kind ("leaf" or "interior").
func (m *Metrics) RecordHashTreeNode(kind string) {
	m.HashTreeNodesTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records one admin HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordRateLimited records an admin request rejected by the rate
// limiter, by limiter kind ("request" or "bandwidth").
func (m *Metrics) RecordRateLimited(kind string) {
	m.RateLimitedTotal.WithLabelValues(kind).Inc()
}

// RecordReconcilerRun records one reservation reconciler pass and how
// many entries it resolved or dropped.
func (m *Metrics) RecordReconcilerRun(resolved int) {
	m.ReconcilerRunsTotal.Inc()
	m.ReconcilerResolvedTotal.Add(float64(resolved))
}
