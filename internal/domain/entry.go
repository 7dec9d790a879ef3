// Package domain holds the value types shared by the key store and its
// collaborating indices: entries in the key namespace, hash-index rows,
// and the opaque locators the blob store hands back.
package domain

import "fmt"

// Entry is a single key (file or directory) in the namespace.
//
// (ParentID, Name) is the logical identity used for lookup; ID is the
// surrogate identity assigned by the key index on first insert and used
// for child linkage. All metadata fields beyond ParentID/Name are opaque
// to the key store: they are compared bitwise for change detection and
// never interpreted.
type Entry struct {
	ID        uint64
	HasID     bool
	ParentID  uint64
	HasParent bool
	Name      []byte

	Created  *int64
	Modified *int64
	Accessed *int64

	Permissions *uint32
	UserID      *uint64
	GroupID     *uint64

	// DataHash is the root hash of the entry's hash tree, or nil if the
	// entry carries no data.
	DataHash []byte
	// DataLength is the expected byte length of the data, used only for
	// a best-effort size-mismatch warning during ingestion.
	DataLength *uint64
}

// MatchKey is the tuple LookupExact matches on: everything but ID and
// DataHash/DataLength, which are outputs of insertion, not identity.
type MatchKey struct {
	HasParent   bool
	ParentID    uint64
	Name        string
	Created     *int64
	Modified    *int64
	Accessed    *int64
	Permissions *uint32
	UserID      *uint64
	GroupID     *uint64
}

// Key returns the entry's match key for LookupExact comparisons.
func (e Entry) Key() MatchKey {
	return MatchKey{
		HasParent:   e.HasParent,
		ParentID:    e.ParentID,
		Name:        string(e.Name),
		Created:     e.Created,
		Modified:    e.Modified,
		Accessed:    e.Accessed,
		Permissions: e.Permissions,
		UserID:      e.UserID,
		GroupID:     e.GroupID,
	}
}

// HasData reports whether the entry carries a data hash.
func (e Entry) HasData() bool {
	return e.DataHash != nil
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{id=%d, parent=%d, name=%q, hasData=%v}", e.ID, e.ParentID, e.Name, e.HasData())
}

// ChunkRef is an opaque locator returned by the blob store, sufficient
// to retrieve a chunk later. The key store never interprets its
// contents; it only stores and forwards them.
type ChunkRef []byte

func (r ChunkRef) String() string {
	if r == nil {
		return "<nil-ref>"
	}
	return fmt.Sprintf("ref(%x)", []byte(r))
}

// HashEntry is a hash-index row: one node (leaf or interior) of a hash
// tree, keyed by its content hash.
//
// A hash entry passes through the states Reserved -> Committed. A
// reserved entry has PersistentRef == nil; a committed entry has one.
// Reservation is globally unique per Hash.
type HashEntry struct {
	Hash  []byte
	Level uint8
	// Payload is opaque bytes attached to the node; populated for
	// interior nodes (enumerating children) and nil for leaves.
	Payload []byte
	// PersistentRef is present iff the chunk has been committed.
	PersistentRef ChunkRef
}

// Committed reports whether the hash entry has a persistent ref.
func (h HashEntry) Committed() bool {
	return h.PersistentRef != nil
}

// DirElem is what ListDir returns for each child of a directory: the
// entry itself, its chunk ref (if it has data), and a lazy reader
// factory (present iff Entry.DataHash is set).
//
// Open is safe to call any number of times; each call constructs an
// independent reader rooted at the same hash, sharing only cheap-to-
// clone backend handles.
type DirElem struct {
	Entry    Entry
	ChunkRef ChunkRef
	Open     func() (ChunkReader, error)
}

// ChunkReader is a forward-only, finite sequence of leaf chunks
// produced by descending a hash tree. Implementations are returned by
// DirElem.Open and by the key store's own reader construction path.
type ChunkReader interface {
	// Next returns the next chunk, or io.EOF when exhausted.
	Next() ([]byte, error)
	Close() error
}
