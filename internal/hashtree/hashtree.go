// Package hashtree implements the fanout-8 Merkle-style hash tree
// summarized by spec §4.3: a writer that folds a sequence of opaque
// chunks into interior summary nodes bottom-up, and a lazy reader that
// descends those summaries to reproduce the original chunk sequence.
//
// Every node, leaf or interior, passes through the same Backend.InsertChunk
// call, so deduplication (owned by the backend, not this package)
// applies uniformly regardless of tree depth.
package hashtree

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/hatstore/internal/domain"
)

// prefetchLimit bounds how many of a node's siblings the reader
// resolves concurrently when descending into it, so fanning out across
// a wide interior node does not open unbounded concurrent requests
// against the backend.
const prefetchLimit = Fanout

// Fanout is the maximum number of children per interior node.
const Fanout = 8

// Backend is the four-operation adapter the writer and reader drive
// against (spec §4.2's HashStoreBackend, as consumed by this package).
type Backend interface {
	FetchChunk(ctx context.Context, hash []byte, ref domain.ChunkRef) ([]byte, error)
	FetchPersistentRef(ctx context.Context, hash []byte) (domain.ChunkRef, error)
	FetchPayload(ctx context.Context, hash []byte) ([]byte, error)
	InsertChunk(ctx context.Context, hash []byte, level uint8, payload []byte, chunk []byte) (domain.ChunkRef, error)
}

type child struct {
	hash []byte
	ref  domain.ChunkRef
}

// Writer accumulates chunks via Append and produces a root (hash, ref)
// pair via Hash. A Writer is single-use: after Hash returns, Append
// must not be called again.
type Writer struct {
	backend Backend
	levels  [][]child
}

// NewWriter creates a hash-tree writer backed by the given adapter.
func NewWriter(backend Backend) *Writer {
	return &Writer{backend: backend}
}

func (w *Writer) levelAt(i int) []child {
	for len(w.levels) <= i {
		w.levels = append(w.levels, nil)
	}
	return w.levels[i]
}

// Append submits one leaf chunk to the writer, dedupes it through the
// backend, and cascades full groups of Fanout children upward into
// interior summary nodes.
func (w *Writer) Append(ctx context.Context, chunk []byte) error {
	sum := sha256.Sum256(chunk)
	hash := sum[:]

	ref, err := w.backend.InsertChunk(ctx, hash, 0, nil, chunk)
	if err != nil {
		return fmt.Errorf("hashtree: insert leaf chunk: %w", err)
	}

	w.levelAt(0)
	w.levels[0] = append(w.levels[0], child{hash: hash, ref: ref})

	for i := 0; len(w.levelAt(i)) == Fanout; i++ {
		if err := w.collapse(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// collapse summarizes every child currently buffered at level i into a
// single interior node at level i+1 and clears level i. Used both for
// full groups during Append and for partial groups during Hash.
func (w *Writer) collapse(ctx context.Context, i int) error {
	children := w.levels[i]
	if len(children) == 0 {
		return nil
	}

	payload := encodeSummary(children)
	sum := sha256.Sum256(payload)
	hash := sum[:]

	ref, err := w.backend.InsertChunk(ctx, hash, uint8(i+1), payload, payload)
	if err != nil {
		return fmt.Errorf("hashtree: insert interior node level %d: %w", i+1, err)
	}

	w.levelAt(i + 1)
	w.levels[i+1] = append(w.levels[i+1], child{hash: hash, ref: ref})
	w.levels[i] = nil
	return nil
}

// Hash finalizes the tree and returns its root (hash, ref). Returns
// (nil, nil, nil) if Append was never called — callers treat that as
// "no data", matching spec §4.1.1 step 5's dataless-entry path.
func (w *Writer) Hash(ctx context.Context) ([]byte, domain.ChunkRef, error) {
	for {
		highest := -1
		for i, lvl := range w.levels {
			if len(lvl) > 0 {
				highest = i
			}
		}
		if highest == -1 {
			return nil, nil, nil
		}

		belowEmpty := true
		for i := 0; i < highest; i++ {
			if len(w.levels[i]) > 0 {
				belowEmpty = false
				break
			}
		}
		if belowEmpty && len(w.levels[highest]) == 1 {
			c := w.levels[highest][0]
			return c.hash, c.ref, nil
		}

		lowest := -1
		for i, lvl := range w.levels {
			if len(lvl) > 0 {
				lowest = i
				break
			}
		}
		if err := w.collapse(ctx, lowest); err != nil {
			return nil, nil, err
		}
	}
}

// encodeSummary serializes a list of children as
// [count:4][hash_len:4][hash][ref_len:4][ref]...
func encodeSummary(children []child) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(children)))
	for _, c := range children {
		var hl, rl [4]byte
		binary.BigEndian.PutUint32(hl[:], uint32(len(c.hash)))
		binary.BigEndian.PutUint32(rl[:], uint32(len(c.ref)))
		buf = append(buf, hl[:]...)
		buf = append(buf, c.hash...)
		buf = append(buf, rl[:]...)
		buf = append(buf, c.ref...)
	}
	return buf
}

func decodeSummary(payload []byte) ([]child, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("hashtree: truncated summary header")
	}
	count := binary.BigEndian.Uint32(payload[:4])
	off := 4

	children := make([]child, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(payload) {
			return nil, fmt.Errorf("hashtree: truncated hash length")
		}
		hl := int(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		if off+hl > len(payload) {
			return nil, fmt.Errorf("hashtree: truncated hash")
		}
		hash := payload[off : off+hl]
		off += hl

		if off+4 > len(payload) {
			return nil, fmt.Errorf("hashtree: truncated ref length")
		}
		rl := int(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		if off+rl > len(payload) {
			return nil, fmt.Errorf("hashtree: truncated ref")
		}
		ref := payload[off : off+rl]
		off += rl

		children = append(children, child{hash: hash, ref: domain.ChunkRef(ref)})
	}
	return children, nil
}

// Reader produces a forward-only, finite sequence of leaf chunks by
// recursively descending a hash tree's interior nodes. Each call to
// Open on the same root constructs an independent Reader.
type Reader struct {
	ctx     context.Context
	backend Backend
	stack   []frame
}

type frame struct {
	children []child
	payloads [][]byte
	pos      int
}

// Open constructs a reader rooted at (hash, ref). ref may be nil if
// only the hash is known; the backend resolves it. Level is not
// needed by the reader: it distinguishes leaf from interior by
// whether FetchPayload returns a non-nil payload.
func Open(ctx context.Context, backend Backend, hash []byte, ref domain.ChunkRef) (*Reader, error) {
	r := &Reader{ctx: ctx, backend: backend}
	root := []child{{hash: hash, ref: ref}}
	payloads, err := prefetchPayloads(ctx, backend, root)
	if err != nil {
		return nil, err
	}
	r.stack = []frame{{children: root, payloads: payloads}}
	return r, nil
}

// prefetchPayloads resolves FetchPayload for every child of a node
// concurrently, bounded by prefetchLimit, so that descending into a
// wide interior node (up to Fanout siblings) does not serialize one
// round trip per sibling.
func prefetchPayloads(ctx context.Context, backend Backend, children []child) ([][]byte, error) {
	payloads := make([][]byte, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchLimit)
	for i, c := range children {
		i, c := i, c
		g.Go(func() error {
			payload, err := backend.FetchPayload(gctx, c.hash)
			if err != nil {
				return fmt.Errorf("hashtree: prefetch payload: %w", err)
			}
			payloads[i] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

var _ domain.ChunkReader = (*Reader)(nil)

// Next returns the next leaf chunk, or io.EOF when the tree is
// exhausted. It uses the context the reader was opened with, since
// domain.ChunkReader's signature (shared with other iterator-style
// consumers) carries none of its own.
func (r *Reader) Next() ([]byte, error) {
	ctx := r.ctx
	for len(r.stack) > 0 {
		top := &r.stack[len(r.stack)-1]
		if top.pos >= len(top.children) {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}

		c := top.children[top.pos]
		payload := top.payloads[top.pos]
		top.pos++

		if payload == nil {
			// Leaf node: fetch and return its data chunk.
			chunk, err := r.backend.FetchChunk(ctx, c.hash, c.ref)
			if err != nil {
				return nil, fmt.Errorf("hashtree: fetch leaf chunk: %w", err)
			}
			return chunk, nil
		}

		children, err := decodeSummary(payload)
		if err != nil {
			return nil, fmt.Errorf("hashtree: decode interior node: %w", err)
		}
		payloads, err := prefetchPayloads(ctx, r.backend, children)
		if err != nil {
			return nil, err
		}
		r.stack = append(r.stack, frame{children: children, payloads: payloads})
	}
	return nil, io.EOF
}

// Close releases any resources held by the reader. The reader holds
// none beyond its own stack, so this is a no-op kept to satisfy
// domain.ChunkReader.
func (r *Reader) Close() error {
	return nil
}
