package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/hashindex"
)

func TestIndex_ReserveOwnershipIsExclusive(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	entry := domain.HashEntry{Hash: []byte("h1"), Level: 0}

	first, err := idx.Reserve(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, hashindex.ReserveOK, first)

	second, err := idx.Reserve(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, hashindex.ReserveKnown, second, "a second Reserve for the same hash must not claim ownership again")
}

func TestIndex_FetchPersistentRef_RetryThenResolved(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	hash := []byte("h2")
	_, err := idx.Reserve(ctx, domain.HashEntry{Hash: hash})
	require.NoError(t, err)

	_, err = idx.FetchPersistentRef(ctx, hash)
	assert.ErrorIs(t, err, hashindex.ErrRetry, "a reserved-but-uncommitted hash must signal retry, not failure")

	ref := domain.ChunkRef("ref1")
	require.NoError(t, idx.UpdateReserved(ctx, domain.HashEntry{Hash: hash, PersistentRef: ref}))

	got, err := idx.FetchPersistentRef(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}

func TestIndex_FetchPersistentRef_NotKnown(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	_, err := idx.FetchPersistentRef(ctx, []byte("never-reserved"))
	assert.ErrorIs(t, err, hashindex.ErrNotKnown)
}

func TestIndex_Commit(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	hash := []byte("h3")
	_, err := idx.Reserve(ctx, domain.HashEntry{Hash: hash})
	require.NoError(t, err)

	require.NoError(t, idx.Commit(ctx, hash, domain.ChunkRef("final")))

	got, err := idx.FetchPersistentRef(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkRef("final"), got)
}

func TestIndex_FetchPayload(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	hash := []byte("h4")
	_, err := idx.Reserve(ctx, domain.HashEntry{Hash: hash, Payload: []byte("summary")})
	require.NoError(t, err)

	payload, err := idx.FetchPayload(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), payload)
}

func TestIndex_HashExists(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	exists, err := idx.HashExists(ctx, []byte("unknown"))
	require.NoError(t, err)
	assert.False(t, exists)

	hash := []byte("h5")
	_, err = idx.Reserve(ctx, domain.HashEntry{Hash: hash})
	require.NoError(t, err)

	exists, err = idx.HashExists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIndex_ListReserved_OnlyUncommittedPastCutoff(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	stuck := []byte("stuck")
	_, err := idx.Reserve(ctx, domain.HashEntry{Hash: stuck})
	require.NoError(t, err)

	committed := []byte("committed")
	_, err = idx.Reserve(ctx, domain.HashEntry{Hash: committed})
	require.NoError(t, err)
	require.NoError(t, idx.Commit(ctx, committed, domain.ChunkRef("ref")))

	reserved, err := idx.ListReserved(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, stuck, reserved[0])

	tooSoon, err := idx.ListReserved(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, tooSoon)
}

func TestIndex_Drop(t *testing.T) {
	idx := New(zerolog.Nop())
	ctx := context.Background()

	hash := []byte("droppable")
	_, err := idx.Reserve(ctx, domain.HashEntry{Hash: hash})
	require.NoError(t, err)

	require.NoError(t, idx.Drop(ctx, hash))

	exists, err := idx.HashExists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIndex_ImplementsInterfaces(t *testing.T) {
	var _ hashindex.Index = (*Index)(nil)
	var _ hashindex.ReservationScanner = (*Index)(nil)
}
