// Package reservation implements the background reconciler spec §9
// alludes to but leaves to the hash-index implementation: "If a crash
// occurs between StoreOk and UpdateReserved, the hash entry is left in
// a reserved-but-refless state; recovery policy ... lives in the
// hash-index implementation and is out of scope here." This package is
// that policy, grounded on the teacher's internal/migration/interfaces.go
// Worker shape (Start/Stop/RunOnce/batch result), narrowed to the one
// scenario spec §9 names: periodically scan for reservations older
// than a grace period and try to resolve or drop them.
package reservation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/hashindex"
	"github.com/prn-tf/hatstore/internal/metrics"
)

// Config configures the reconciler's batch loop.
type Config struct {
	// Interval between reconciliation passes.
	Interval time.Duration
	// GracePeriod is how long a reservation may sit without a
	// persistent ref before the reconciler considers it stuck.
	GracePeriod time.Duration
	// BatchLimit bounds how many stuck reservations one pass resolves,
	// so a large backlog doesn't monopolize the scanner in one pass.
	BatchLimit int
}

// BatchResult reports the outcome of one reconciliation pass, mirroring
// the teacher's migration.BatchResult shape.
type BatchResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Scanned   int
	Resolved  int
	Dropped   int
	Errors    []string
}

// Reconciler periodically scans a hash index's reserved-but-refless
// entries and resolves them: if FetchPersistentRef now succeeds
// (Commit ran since the scan), nothing to do; if the hash index still
// reports no ref past the grace period, the reservation is dropped so
// a future Insert can re-reserve and re-store the chunk cleanly.
type Reconciler struct {
	index   hashindex.Index
	scanner hashindex.ReservationScanner
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastResult *BatchResult
}

// New constructs a reconciler over index. It returns an error if index
// does not implement hashindex.ReservationScanner — not every backend
// needs one (the in-memory and redis backends both do).
func New(index hashindex.Index, cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Reconciler, error) {
	scanner, ok := index.(hashindex.ReservationScanner)
	if !ok {
		return nil, fmt.Errorf("reservation: hash index %T does not implement ReservationScanner", index)
	}

	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 256
	}

	return &Reconciler{
		index:   index,
		scanner: scanner,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "reservation.reconciler").Logger(),
	}, nil
}

// Start launches the periodic reconciliation loop; it returns
// immediately, running the loop on its own goroutine until Stop is
// called or ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reservation: reconciler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.Error().Err(err).Msg("reconciliation pass failed")
				}
			}
		}
	}()
	return nil
}

// Stop halts the reconciliation loop and waits for the in-flight pass,
// if any, to finish.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	return nil
}

// RunOnce performs a single reconciliation batch: list reservations
// older than the grace period, and for each, try to resolve via
// FetchPersistentRef (which may have settled since the scan); drop any
// that remain refless.
func (r *Reconciler) RunOnce(ctx context.Context) (*BatchResult, error) {
	result := &BatchResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		r.mu.Lock()
		r.lastResult = result
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.RecordReconcilerRun(result.Resolved + result.Dropped)
		}
	}()

	cutoff := time.Now().Add(-r.cfg.GracePeriod)
	stuck, err := r.scanner.ListReserved(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("reservation: list reserved: %w", err)
	}

	if len(stuck) > r.cfg.BatchLimit {
		r.logger.Warn().
			Int("stuck", len(stuck)).
			Int("batch_limit", r.cfg.BatchLimit).
			Msg("more stuck reservations than this pass's batch limit; remainder carries to next pass")
		stuck = stuck[:r.cfg.BatchLimit]
	}
	result.Scanned = len(stuck)

	for _, hash := range stuck {
		ref, err := r.index.FetchPersistentRef(ctx, hash)
		if err == nil && ref != nil {
			result.Resolved++
			continue
		}

		if err := r.scanner.Drop(ctx, hash); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%x: drop failed: %v", hash, err))
			continue
		}
		result.Dropped++
		r.logger.Warn().
			Str("hash", fmt.Sprintf("%x", hash)).
			Msg("dropped reservation stuck past grace period with no persistent ref")
	}

	return result, nil
}

// LastResult returns the most recent completed batch's result, or nil
// if no pass has completed yet.
func (r *Reconciler) LastResult() *BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastResult
}
