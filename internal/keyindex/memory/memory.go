// Package memory provides an in-process keyindex.Index used by tests
// and by single-binary deployments of hatstore that do not need a
// separate relational store.
package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/keyindex"
)

// Index is a map-backed keyindex.Index guarded by a mutex. It is safe
// for concurrent use, matching the actor model's expectation that
// index implementations may be called from the key store's single
// worker goroutine without additional synchronization, but tolerate
// direct concurrent use in tests too.
type Index struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]domain.Entry
	refs   map[uint64]domain.ChunkRef
	logger zerolog.Logger
}

var _ keyindex.Index = (*Index)(nil)

// New creates an empty in-memory key index.
func New(logger zerolog.Logger) *Index {
	return &Index{
		byID:   make(map[uint64]domain.Entry),
		refs:   make(map[uint64]domain.ChunkRef),
		logger: logger.With().Str("component", "keyindex.memory").Logger(),
	}
}

// matches compares the full match key from spec §4.1.1 step 1:
// (parent_id, name, created, modified, accessed, permissions, user_id,
// group_id). Two entries with the same (parent, name) but different
// metadata are distinct rows, matching the sqlite/postgres backends'
// "IS NOT DISTINCT FROM" semantics over every nullable field.
func matches(e domain.Entry, k domain.MatchKey) bool {
	if e.HasParent != k.HasParent || (k.HasParent && e.ParentID != k.ParentID) {
		return false
	}
	if string(e.Name) != k.Name {
		return false
	}
	return int64PtrEqual(e.Created, k.Created) &&
		int64PtrEqual(e.Modified, k.Modified) &&
		int64PtrEqual(e.Accessed, k.Accessed) &&
		uint32PtrEqual(e.Permissions, k.Permissions) &&
		uint64PtrEqual(e.UserID, k.UserID) &&
		uint64PtrEqual(e.GroupID, k.GroupID)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func uint32PtrEqual(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func uint64PtrEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// LookupExact implements keyindex.Index. There is no secondary index on
// (parent, name) because that tuple alone is not a unique key (spec
// §4.1.1): two entries may share it while differing in the rest of the
// match key, so every lookup scans the full metadata tuple.
func (idx *Index) LookupExact(ctx context.Context, key domain.MatchKey) (domain.Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range idx.byID {
		if matches(e, key) {
			return e, nil
		}
	}
	return domain.Entry{}, keyindex.ErrNotFound
}

// Insert implements keyindex.Index.
func (idx *Index) Insert(ctx context.Context, entry domain.Entry) (domain.Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.nextID++
	entry.ID = idx.nextID
	entry.HasID = true

	idx.byID[entry.ID] = entry
	return entry, nil
}

// ListDir implements keyindex.Index.
func (idx *Index) ListDir(ctx context.Context, parentID uint64, hasParent bool) ([]keyindex.ListEntry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []keyindex.ListEntry
	for _, e := range idx.byID {
		if e.HasParent != hasParent {
			continue
		}
		if hasParent && e.ParentID != parentID {
			continue
		}
		out = append(out, keyindex.ListEntry{Entry: e, ChunkRef: idx.refs[e.ID]})
	}
	return out, nil
}

// UpdateDataHash implements keyindex.Index.
func (idx *Index) UpdateDataHash(ctx context.Context, id uint64, hash []byte, ref domain.ChunkRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.byID[id]
	if !ok {
		return keyindex.ErrNotFound
	}
	e.DataHash = hash
	idx.byID[id] = e
	if ref != nil {
		idx.refs[id] = ref
	} else {
		delete(idx.refs, id)
	}
	return nil
}

// Flush implements keyindex.Index. The in-memory index has no durable
// backing store, so Flush is a no-op kept to satisfy the interface and
// the spec's flush-ordering contract in aggregate use.
func (idx *Index) Flush(ctx context.Context) error {
	idx.logger.Debug().Msg("flush (no-op, in-memory)")
	return nil
}
