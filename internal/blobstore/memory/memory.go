// Package memory provides an in-process blobstore.Store used by tests.
package memory

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/blobstore"
	"github.com/prn-tf/hatstore/internal/domain"
)

// Store is a map-backed blobstore.Store keyed by content hash, with a
// StoreCalls counter so tests can assert chunk-level dedup (spec
// invariant 4 / S4 / S5).
type Store struct {
	mu         sync.Mutex
	chunks     map[string][]byte
	StoreCalls int
	logger     zerolog.Logger
}

var _ blobstore.Store = (*Store)(nil)

// New creates an empty in-memory blob store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		chunks: make(map[string][]byte),
		logger: logger.With().Str("component", "blobstore.memory").Logger(),
	}
}

// StoreChunk implements blobstore.Store. Writes are synchronous and
// durable immediately, so onCommit fires before StoreChunk returns.
func (s *Store) StoreChunk(ctx context.Context, chunk []byte, onCommit blobstore.OnCommit) (domain.ChunkRef, error) {
	sum := sha256.Sum256(chunk)
	ref := domain.ChunkRef(sum[:])

	s.mu.Lock()
	s.StoreCalls++
	if _, exists := s.chunks[string(ref)]; !exists {
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		s.chunks[string(ref)] = buf
	}
	s.mu.Unlock()

	if onCommit != nil {
		onCommit(ref)
	}
	return ref, nil
}

// Retrieve implements blobstore.Store.
func (s *Store) Retrieve(ctx context.Context, ref domain.ChunkRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunks[string(ref)]
	if !ok {
		return nil, blobstore.ErrChunkNotFound
	}
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out, nil
}

// Flush implements blobstore.Store.
func (s *Store) Flush(ctx context.Context) error {
	s.logger.Debug().Msg("flush (no-op, in-memory)")
	return nil
}
