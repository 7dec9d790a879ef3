package keystore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"

	blobmem "github.com/prn-tf/hatstore/internal/blobstore/memory"
	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/hashindex"
	hashmem "github.com/prn-tf/hatstore/internal/hashindex/memory"
)

func TestHashStoreBackend_InsertChunk_FirstWriterOwnsCommit(t *testing.T) {
	logger := zerolog.Nop()
	hashIdx := hashmem.New(logger)
	blobStore := blobmem.New(logger)
	backend := NewHashStoreBackend(hashIdx, blobStore, nil, logger, nil)
	ctx := context.Background()

	hash := []byte("h1")
	ref, err := backend.InsertChunk(ctx, hash, 0, nil, []byte("payload"))
	require.NoError(t, err)
	assert.NotNil(t, ref)
	assert.Equal(t, 1, blobStore.StoreCalls)

	ref2, err := backend.InsertChunk(ctx, hash, 0, nil, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
	assert.Equal(t, 1, blobStore.StoreCalls, "second InsertChunk for the same hash must resolve via ReserveKnown, not store again")
}

func TestHashStoreBackend_FetchChunk_ByRef(t *testing.T) {
	logger := zerolog.Nop()
	hashIdx := hashmem.New(logger)
	blobStore := blobmem.New(logger)
	backend := NewHashStoreBackend(hashIdx, blobStore, nil, logger, nil)
	ctx := context.Background()

	hash := []byte("h2")
	ref, err := backend.InsertChunk(ctx, hash, 0, nil, []byte("data"))
	require.NoError(t, err)

	got, err := backend.FetchChunk(ctx, hash, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestHashStoreBackend_FetchChunk_ResolvesRefWhenNil(t *testing.T) {
	logger := zerolog.Nop()
	hashIdx := hashmem.New(logger)
	blobStore := blobmem.New(logger)
	backend := NewHashStoreBackend(hashIdx, blobStore, nil, logger, nil)
	ctx := context.Background()

	hash := []byte("h3")
	_, err := backend.InsertChunk(ctx, hash, 0, nil, []byte("data"))
	require.NoError(t, err)

	got, err := backend.FetchChunk(ctx, hash, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestHashStoreBackend_FetchPersistentRef_RetriesUntilCommitted(t *testing.T) {
	logger := zerolog.Nop()
	hashIdx := hashmem.New(logger)
	blobStore := blobmem.New(logger)
	backend := NewHashStoreBackend(hashIdx, blobStore, nil, logger, nil)
	ctx := context.Background()

	hash := []byte("h4")
	_, err := hashIdx.Reserve(ctx, domain.HashEntry{Hash: hash})
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = hashIdx.Commit(ctx, hash, domain.ChunkRef("resolved"))
	}()

	ref, err := backend.FetchPersistentRef(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkRef("resolved"), ref)
}

func TestHashStoreBackend_FetchPersistentRef_NotKnownReturnsNil(t *testing.T) {
	logger := zerolog.Nop()
	hashIdx := hashmem.New(logger)
	blobStore := blobmem.New(logger)
	backend := NewHashStoreBackend(hashIdx, blobStore, nil, logger, nil)
	ctx := context.Background()

	ref, err := backend.FetchPersistentRef(ctx, []byte("never-seen"))
	require.NoError(t, err)
	assert.Nil(t, ref)
}

// countingIndex wraps a hashindex.Index and counts FetchPersistentRef
// calls, to prove singleflight collapses concurrent callers resolving
// the same hash into a single backing call.
type countingIndex struct {
	hashindex.Index
	fetchCalls atomic.Int32
}

func (c *countingIndex) FetchPersistentRef(ctx context.Context, hash []byte) (domain.ChunkRef, error) {
	c.fetchCalls.Add(1)
	// Hold the call open briefly so concurrently-launched callers are
	// guaranteed to still be in flight when this one is running,
	// making the singleflight collapse deterministic rather than a
	// race against how fast the map lookup below completes.
	time.Sleep(20 * time.Millisecond)
	return c.Index.FetchPersistentRef(ctx, hash)
}

func TestHashStoreBackend_FetchPersistentRef_SingleflightCollapsesConcurrentCallers(t *testing.T) {
	logger := zerolog.Nop()
	inner := hashmem.New(logger)
	counting := &countingIndex{Index: inner}
	ctx := context.Background()

	hash := []byte("shared")
	_, err := inner.Reserve(ctx, domain.HashEntry{Hash: hash})
	require.NoError(t, err)
	require.NoError(t, inner.Commit(ctx, hash, domain.ChunkRef("ref")))

	group := &singleflight.Group{}
	blobStore := blobmem.New(logger)
	backend := NewHashStoreBackend(counting, blobStore, nil, logger, group)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := backend.FetchPersistentRef(ctx, hash)
			assert.NoError(t, err)
			assert.Equal(t, domain.ChunkRef("ref"), ref)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, counting.fetchCalls.Load(), int32(n), "sanity: never more calls than goroutines")
	assert.Less(t, counting.fetchCalls.Load(), int32(n), "singleflight should collapse at least some concurrent resolutions for the same hash")
}

func TestHashStoreBackend_SharedGroupAcrossInstances(t *testing.T) {
	logger := zerolog.Nop()
	inner := hashmem.New(logger)
	ctx := context.Background()

	hash := []byte("shared2")
	_, err := inner.Reserve(ctx, domain.HashEntry{Hash: hash})
	require.NoError(t, err)
	require.NoError(t, inner.Commit(ctx, hash, domain.ChunkRef("ref2")))

	blobStore := blobmem.New(logger)
	group := &singleflight.Group{}

	// Two backend instances sharing one group, as Keystore constructs
	// per-Insert/per-ListDir backends that share ks.resolveGroup.
	b1 := NewHashStoreBackend(inner, blobStore, nil, logger, group)
	b2 := NewHashStoreBackend(inner, blobStore, nil, logger, group)

	ref1, err := b1.FetchPersistentRef(ctx, hash)
	require.NoError(t, err)
	ref2, err := b2.FetchPersistentRef(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}
