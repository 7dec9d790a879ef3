// Package hashindex defines the hash-index contract consumed by
// internal/keystore's HashStoreBackend (spec §6 "Hash-index contract")
// and provides an in-memory reference implementation; the redis
// subpackage provides a durable, cross-process backend implementing
// the reserve/commit atomicity the dedup protocol depends on.
package hashindex

import (
	"context"
	"errors"
	"time"

	"github.com/prn-tf/hatstore/internal/domain"
)

// ErrNotKnown is returned by FetchPersistentRef/FetchPayload when the
// hash has never been reserved. HashExists reports that case as
// (false, nil) instead.
var ErrNotKnown = errors.New("hashindex: hash not known")

// ErrRetry signals that the hash is reserved but not yet committed;
// callers must re-issue FetchPersistentRef, not treat this as failure
// (spec §9 "Retry as liveness signal").
var ErrRetry = errors.New("hashindex: retry, not yet committed")

// ReserveResult is the outcome of Reserve.
type ReserveResult int

const (
	// ReserveOK means the caller owns the commit for this hash.
	ReserveOK ReserveResult = iota
	// ReserveKnown means another path already owns (or owned) this
	// hash; the caller must resolve the ref via FetchPersistentRef.
	ReserveKnown
)

// Index is the hash-index contract.
type Index interface {
	// HashExists reports whether hash has ever been reserved.
	HashExists(ctx context.Context, hash []byte) (bool, error)

	// Reserve atomically claims hash for entry, or reports that it is
	// already known. This is the sole synchronization point preventing
	// duplicate chunk writes (spec §9 "Reserve/Commit race").
	Reserve(ctx context.Context, entry domain.HashEntry) (ReserveResult, error)

	// UpdateReserved records ref for an already-reserved hash, ahead of
	// durability confirmation; FetchPersistentRef may serve from this
	// state at the index's discretion.
	UpdateReserved(ctx context.Context, entry domain.HashEntry) error

	// Commit marks hash as durably written with the given ref, driven
	// by the blob store's on-commit callback.
	Commit(ctx context.Context, hash []byte, ref domain.ChunkRef) error

	// FetchPersistentRef resolves hash to its ref. Returns ErrNotKnown
	// if the hash was never reserved, or ErrRetry if it is reserved but
	// the index's policy requires waiting for Commit.
	FetchPersistentRef(ctx context.Context, hash []byte) (domain.ChunkRef, error)

	// FetchPayload returns the opaque payload attached to an interior
	// node's hash entry.
	FetchPayload(ctx context.Context, hash []byte) ([]byte, error)

	// Flush durably persists all prior writes.
	Flush(ctx context.Context) error
}

// ReservationScanner is an optional capability a hash-index backend
// may implement to support internal/reservation's reconciler (spec §9
// "a compaction pass that re-resolves or drops such entries"). Not
// part of the key-store's own contract.
type ReservationScanner interface {
	// ListReserved returns the hashes reserved without a persistent ref
	// whose reservation is older than olderThan, i.e. past the
	// reconciler's grace period for resolving naturally via Commit.
	ListReserved(ctx context.Context, olderThan time.Time) ([][]byte, error)

	// Drop removes a reservation entirely, used when the reconciler
	// decides a stuck reservation cannot be resolved.
	Drop(ctx context.Context, hash []byte) error
}
