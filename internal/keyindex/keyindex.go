// Package keyindex defines the key-index contract consumed by the key
// store (spec §6 "Key-index contract") and provides an in-memory
// reference implementation; internal/keyindex/postgres and
// internal/keyindex/sqlite provide durable backends.
package keyindex

import (
	"context"
	"errors"

	"github.com/prn-tf/hatstore/internal/domain"
)

// ErrNotFound is returned by LookupExact when no row matches the key,
// and by UpdateDataHash when the referenced id does not exist. ListDir
// returns an empty list for a parent with no children.
var ErrNotFound = errors.New("keyindex: entry not found")

// Index is the key-index contract: a relational table of entries,
// addressed by (parent_id, name) for lookup and by id for linkage and
// update.
type Index interface {
	// LookupExact finds the row matching key's identity tuple. Returns
	// ErrNotFound if no row matches.
	LookupExact(ctx context.Context, key domain.MatchKey) (domain.Entry, error)

	// Insert assigns a fresh id to entry and persists it, returning the
	// entry with ID/HasID populated.
	Insert(ctx context.Context, entry domain.Entry) (domain.Entry, error)

	// ListDir returns the immediate children of parentID (hasParent
	// false lists roots), each paired with its chunk ref if it has
	// data.
	ListDir(ctx context.Context, parentID uint64, hasParent bool) ([]ListEntry, error)

	// UpdateDataHash patches the row identified by id with the
	// final data hash and chunk ref (both nil for dataless entries).
	UpdateDataHash(ctx context.Context, id uint64, hash []byte, ref domain.ChunkRef) error

	// Flush durably persists all prior writes.
	Flush(ctx context.Context) error
}

// ListEntry pairs an entry with its chunk ref, mirroring the
// (entry, optional chunk_ref) pairs spec §6 describes for ListDir.
type ListEntry struct {
	Entry    domain.Entry
	ChunkRef domain.ChunkRef
}
