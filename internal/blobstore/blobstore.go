// Package blobstore defines the blob-store contract consumed by
// internal/keystore's HashStoreBackend (spec §6 "Blob-store contract"):
// batch chunks into durable storage and hand back an opaque locator.
package blobstore

import (
	"context"

	"github.com/prn-tf/hatstore/internal/domain"
)

// OnCommit is invoked by a Store implementation once the chunk's
// containing blob is durably written, receiving the final ref. An
// implementation that writes synchronously (e.g. the filesystem
// backend) may call it before Store even returns; callers must not
// assume it runs on any particular goroutine.
type OnCommit func(ref domain.ChunkRef)

// Store is the blob-store contract.
type Store interface {
	// StoreChunk persists chunk and returns its ref immediately,
	// while onCommit (if non-nil) fires separately once the blob
	// containing it is durable.
	StoreChunk(ctx context.Context, chunk []byte, onCommit OnCommit) (domain.ChunkRef, error)

	// Retrieve returns the bytes located by ref.
	Retrieve(ctx context.Context, ref domain.ChunkRef) ([]byte, error)

	// Flush durably persists all prior writes.
	Flush(ctx context.Context) error
}
