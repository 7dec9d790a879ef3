package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/hatstore/internal/blobstore"
	"github.com/prn-tf/hatstore/internal/domain"
)

func newTestStore(t *testing.T, encryptionKey []byte) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(Config{
		DataDir:       filepath.Join(dir, "data"),
		TempDir:       filepath.Join(dir, "tmp"),
		EncryptionKey: encryptionKey,
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestStore_StoreAndRetrieve(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	ref, err := s.StoreChunk(ctx, []byte("hello world"), nil)
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestStore_Retrieve_NotFound(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Retrieve(ctx, domain.ChunkRef("\x00\x01\x02\x03"))
	assert.ErrorIs(t, err, blobstore.ErrChunkNotFound)
}

func TestStore_DedupByContent_SkipsSecondWrite(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	ref1, err := s.StoreChunk(ctx, []byte("duplicate"), nil)
	require.NoError(t, err)

	var committed domain.ChunkRef
	ref2, err := s.StoreChunk(ctx, []byte("duplicate"), func(r domain.ChunkRef) { committed = r })
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, ref1, committed, "onCommit must still fire on the already-exists fast path")
}

func TestStore_OnCommitFiresForFreshWrite(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	var committed domain.ChunkRef
	ref, err := s.StoreChunk(ctx, []byte("fresh"), func(r domain.ChunkRef) { committed = r })
	require.NoError(t, err)
	assert.Equal(t, ref, committed)
}

func TestStore_Encrypted_RoundTrips(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s := newTestStore(t, key)
	ctx := context.Background()

	plaintext := []byte("secret payload that must not be stored in the clear")
	ref, err := s.StoreChunk(ctx, plaintext, nil)
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	raw, err := os.ReadFile(s.computePath(ref))
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, raw, "on-disk bytes must differ from plaintext when encryption is enabled")
}

func TestStore_HealthCheck(t *testing.T) {
	s := newTestStore(t, nil)
	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestStore_ComputePath_Shards(t *testing.T) {
	s := newTestStore(t, nil)
	ref := domain.ChunkRef([]byte{0xab, 0xcd, 0xef, 0x01})

	p := s.computePath(ref)
	assert.Equal(t, filepath.Join(s.dataDir, "ab", "cd", "abcdef01"), p)
}

func TestStore_Flush_NoError(t *testing.T) {
	s := newTestStore(t, nil)
	assert.NoError(t, s.Flush(context.Background()))
}

func TestStore_ConcurrentStoresOfDifferentChunks(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	const n = 32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_, err := s.StoreChunk(ctx, []byte{byte(i), byte(i >> 8)}, nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestStore_ImplementsInterface(t *testing.T) {
	var _ blobstore.Store = (*Store)(nil)
}
