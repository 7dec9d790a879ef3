// Package memory provides an in-process hashindex.Index used by tests
// and by single-binary deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/hashindex"
)

type row struct {
	entry      domain.HashEntry
	committed  bool
	reservedAt time.Time
}

// Index is a map-backed hashindex.Index guarded by a mutex, with the
// UpdateReserved state trusted immediately (FetchPersistentRef never
// returns ErrRetry once UpdateReserved has run), matching the policy
// option spec §4.2 step 4/§9 explicitly leaves to the implementation.
type Index struct {
	mu     sync.Mutex
	rows   map[string]row
	logger zerolog.Logger
}

var _ hashindex.Index = (*Index)(nil)

// New creates an empty in-memory hash index.
func New(logger zerolog.Logger) *Index {
	return &Index{
		rows:   make(map[string]row),
		logger: logger.With().Str("component", "hashindex.memory").Logger(),
	}
}

// HashExists implements hashindex.Index.
func (idx *Index) HashExists(ctx context.Context, hash []byte) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, ok := idx.rows[string(hash)]
	return ok, nil
}

// Reserve implements hashindex.Index.
func (idx *Index) Reserve(ctx context.Context, entry domain.HashEntry) (hashindex.ReserveResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := string(entry.Hash)
	if _, ok := idx.rows[key]; ok {
		return hashindex.ReserveKnown, nil
	}
	idx.rows[key] = row{entry: entry, reservedAt: time.Now()}
	return hashindex.ReserveOK, nil
}

// UpdateReserved implements hashindex.Index.
func (idx *Index) UpdateReserved(ctx context.Context, entry domain.HashEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := string(entry.Hash)
	r, ok := idx.rows[key]
	if !ok {
		r = row{}
	}
	r.entry = entry
	idx.rows[key] = r
	return nil
}

// Commit implements hashindex.Index.
func (idx *Index) Commit(ctx context.Context, hash []byte, ref domain.ChunkRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := string(hash)
	r := idx.rows[key]
	r.entry.Hash = hash
	r.entry.PersistentRef = ref
	r.committed = true
	idx.rows[key] = r
	return nil
}

// FetchPersistentRef implements hashindex.Index.
func (idx *Index) FetchPersistentRef(ctx context.Context, hash []byte) (domain.ChunkRef, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	r, ok := idx.rows[string(hash)]
	if !ok {
		return nil, hashindex.ErrNotKnown
	}
	if r.entry.PersistentRef == nil {
		return nil, hashindex.ErrRetry
	}
	return r.entry.PersistentRef, nil
}

// FetchPayload implements hashindex.Index.
func (idx *Index) FetchPayload(ctx context.Context, hash []byte) ([]byte, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	r, ok := idx.rows[string(hash)]
	if !ok {
		return nil, hashindex.ErrNotKnown
	}
	return r.entry.Payload, nil
}

// Flush implements hashindex.Index.
func (idx *Index) Flush(ctx context.Context) error {
	idx.logger.Debug().Msg("flush (no-op, in-memory)")
	return nil
}

var _ hashindex.ReservationScanner = (*Index)(nil)

// ListReserved implements hashindex.ReservationScanner.
func (idx *Index) ListReserved(ctx context.Context, olderThan time.Time) ([][]byte, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out [][]byte
	for k, r := range idx.rows {
		if r.entry.PersistentRef == nil && r.reservedAt.Before(olderThan) {
			out = append(out, []byte(k))
		}
	}
	return out, nil
}

// Drop implements hashindex.ReservationScanner.
func (idx *Index) Drop(ctx context.Context, hash []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.rows, string(hash))
	return nil
}
