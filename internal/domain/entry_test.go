package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntry_Key(t *testing.T) {
	created := int64(1)
	modified := int64(2)
	perm := uint32(0644)

	e := Entry{
		HasParent:   true,
		ParentID:    7,
		Name:        []byte("a"),
		Created:     &created,
		Modified:    &modified,
		Permissions: &perm,
	}

	key := e.Key()
	assert.True(t, key.HasParent)
	assert.Equal(t, uint64(7), key.ParentID)
	assert.Equal(t, "a", key.Name)
	assert.Equal(t, &created, key.Created)
	assert.Equal(t, &modified, key.Modified)
	assert.Nil(t, key.Accessed)
}

func TestEntry_HasData(t *testing.T) {
	var e Entry
	assert.False(t, e.HasData())

	e.DataHash = []byte{0xAB}
	assert.True(t, e.HasData())
}

func TestEntry_String(t *testing.T) {
	e := Entry{ID: 1, ParentID: 0, Name: []byte("root")}
	assert.Contains(t, e.String(), "id=1")
	assert.Contains(t, e.String(), "root")
}

func TestHashEntry_Committed(t *testing.T) {
	h := HashEntry{Hash: []byte{1}}
	assert.False(t, h.Committed())

	h.PersistentRef = ChunkRef{9}
	assert.True(t, h.Committed())
}

func TestChunkRef_String(t *testing.T) {
	var nilRef ChunkRef
	assert.Equal(t, "<nil-ref>", nilRef.String())

	ref := ChunkRef([]byte{0xDE, 0xAD})
	assert.Equal(t, "ref(dead)", ref.String())
}
