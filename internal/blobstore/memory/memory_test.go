package memory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/hatstore/internal/blobstore"
	"github.com/prn-tf/hatstore/internal/domain"
)

func TestStore_StoreAndRetrieve(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	ref, err := s.StoreChunk(ctx, []byte("hello"), nil)
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestStore_RetrieveMissing(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	_, err := s.Retrieve(ctx, []byte("nope"))
	assert.ErrorIs(t, err, blobstore.ErrChunkNotFound)
}

func TestStore_DedupByContent(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	ref1, err := s.StoreChunk(ctx, []byte("same"), nil)
	require.NoError(t, err)
	ref2, err := s.StoreChunk(ctx, []byte("same"), nil)
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, 2, s.StoreCalls, "StoreCalls counts invocations, not distinct chunks")
}

func TestStore_OnCommitFiresSynchronously(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	var committed domain.ChunkRef
	ref, err := s.StoreChunk(ctx, []byte("x"), func(r domain.ChunkRef) {
		committed = r
	})
	require.NoError(t, err)
	assert.Equal(t, ref, committed, "onCommit must fire before StoreChunk returns, with the final ref")
}

func TestStore_ValueImmutability(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	data := []byte("mutate-me")
	ref, err := s.StoreChunk(ctx, data, nil)
	require.NoError(t, err)

	data[0] = 'X'

	got, err := s.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, byte('m'), got[0])
}
