package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/prn-tf/hatstore/internal/blobstore"
	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/hashindex"
	"github.com/prn-tf/hatstore/internal/hashtree"
	"github.com/prn-tf/hatstore/internal/metrics"
)

// ErrProtocolViolation is returned when a downstream actor replies
// with something the protocol does not allow — spec §7 classifies
// this as fatal, not a user-visible error.
var ErrProtocolViolation = errors.New("keystore: protocol violation")

// HashStoreBackend bridges the hash-tree writer/reader to the hash
// index and blob store (spec §4.2). It is a cheap-to-clone value: its
// fields are handles, never actor-local mutable state, so one can be
// constructed per Insert/ListDir call as spec §4.1.1 step 4 and
// §4.1.2 require.
type HashStoreBackend struct {
	hashIndex hashindex.Index
	blobStore blobstore.Store
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	retryBase time.Duration
	retryCap  time.Duration

	// resolveGroup collapses concurrent FetchPersistentRef retry loops
	// for the same hash into a single backing call, shared across every
	// HashStoreBackend built from the same Keystore (see
	// Keystore.resolveGroup) since readers of a popular shared chunk
	// would otherwise each poll the hash index independently.
	resolveGroup *singleflight.Group
}

var _ hashtree.Backend = (*HashStoreBackend)(nil)

// NewHashStoreBackend constructs a backend over the given hash index
// and blob store. m may be nil. group, if non-nil, is shared across
// every backend built for the same Keystore so concurrent callers
// resolving the same hash collapse onto one retry loop; pass nil to
// get independent (non-shared) resolution, as in tests.
func NewHashStoreBackend(hashIndex hashindex.Index, blobStore blobstore.Store, m *metrics.Metrics, logger zerolog.Logger, group *singleflight.Group) *HashStoreBackend {
	if group == nil {
		group = &singleflight.Group{}
	}
	return &HashStoreBackend{
		hashIndex:    hashIndex,
		blobStore:    blobStore,
		metrics:      m,
		logger:       logger.With().Str("component", "keystore.backend").Logger(),
		retryBase:    time.Millisecond,
		retryCap:     50 * time.Millisecond,
		resolveGroup: group,
	}
}

// FetchChunk implements hashtree.Backend. If ref is provided, it asks
// the blob store directly; otherwise it resolves hash via the hash
// index first.
func (b *HashStoreBackend) FetchChunk(ctx context.Context, hash []byte, ref domain.ChunkRef) ([]byte, error) {
	if ref == nil {
		resolved, err := b.FetchPersistentRef(ctx, hash)
		if err != nil {
			return nil, err
		}
		ref = resolved
	}

	chunk, err := b.blobStore.Retrieve(ctx, ref)
	if err != nil {
		if errors.Is(err, blobstore.ErrChunkNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: fetch chunk: %w", err)
	}
	return chunk, nil
}

// FetchPersistentRef implements hashtree.Backend, looping on
// hashindex.ErrRetry (spec §9 "Retry as liveness signal") with a
// capped exponential backoff until a terminal reply arrives. Concurrent
// calls for the same hash share one retry loop via resolveGroup.
func (b *HashStoreBackend) FetchPersistentRef(ctx context.Context, hash []byte) (domain.ChunkRef, error) {
	v, err, _ := b.resolveGroup.Do(string(hash), func() (any, error) {
		return b.resolvePersistentRef(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	ref, _ := v.(domain.ChunkRef)
	return ref, nil
}

func (b *HashStoreBackend) resolvePersistentRef(ctx context.Context, hash []byte) (domain.ChunkRef, error) {
	backoff := b.retryBase
	for {
		ref, err := b.hashIndex.FetchPersistentRef(ctx, hash)
		if err == nil {
			return ref, nil
		}
		if errors.Is(err, hashindex.ErrNotKnown) {
			return nil, nil
		}
		if !errors.Is(err, hashindex.ErrRetry) {
			return nil, fmt.Errorf("%w: fetch persistent ref: %v", ErrProtocolViolation, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.retryCap {
			backoff = b.retryCap
		}
	}
}

// FetchPayload implements hashtree.Backend.
func (b *HashStoreBackend) FetchPayload(ctx context.Context, hash []byte) ([]byte, error) {
	payload, err := b.hashIndex.FetchPayload(ctx, hash)
	if err != nil {
		if errors.Is(err, hashindex.ErrNotKnown) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: fetch payload: %w", err)
	}
	return payload, nil
}

// InsertChunk implements hashtree.Backend: the deduplication heart
// (spec §4.2 "insert_chunk"). Reserve decides whether this caller
// owns the commit (ReserveOK) or must resolve an already-known hash
// (ReserveKnown); on ownership, the chunk is submitted to the blob
// store and the ref is recorded via UpdateReserved immediately, with
// Commit driven from the blob store's own on-commit callback.
func (b *HashStoreBackend) InsertChunk(ctx context.Context, hash []byte, level uint8, payload []byte, chunk []byte) (domain.ChunkRef, error) {
	result, err := b.hashIndex.Reserve(ctx, domain.HashEntry{Hash: hash, Level: level, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("keystore: reserve: %w", err)
	}

	switch result {
	case hashindex.ReserveKnown:
		if b.metrics != nil {
			b.metrics.RecordChunkDedupHit()
		}
		ref, err := b.FetchPersistentRef(ctx, hash)
		if err != nil {
			return nil, err
		}
		return ref, nil

	case hashindex.ReserveOK:
		if b.metrics != nil {
			b.metrics.RecordChunkStore()
			kind := "leaf"
			if level > 0 {
				kind = "interior"
			}
			b.metrics.RecordHashTreeNode(kind)
		}
		ref, err := b.blobStore.StoreChunk(ctx, chunk, func(committedRef domain.ChunkRef) {
			if err := b.hashIndex.Commit(context.Background(), hash, committedRef); err != nil {
				b.logger.Error().Err(err).Msg("commit after blob durability failed")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("keystore: store chunk: %w", err)
		}

		if err := b.hashIndex.UpdateReserved(ctx, domain.HashEntry{
			Hash:          hash,
			Level:         level,
			Payload:       payload,
			PersistentRef: ref,
		}); err != nil {
			return nil, fmt.Errorf("keystore: update reserved: %w", err)
		}
		return ref, nil

	default:
		return nil, fmt.Errorf("%w: unexpected reserve result %v", ErrProtocolViolation, result)
	}
}
