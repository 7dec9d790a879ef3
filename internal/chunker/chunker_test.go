package chunker

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllChunks(t *testing.T, it *Iterator) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		c, err := it.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	return chunks
}

func TestIterator_SmallInputYieldsSingleChunk(t *testing.T) {
	it := Open(bytes.NewReader([]byte("hello world")), DefaultPolynomial)
	chunks := readAllChunks(t, it)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("hello world"), chunks[0])
}

func TestIterator_EmptyInputYieldsNoChunks(t *testing.T) {
	it := Open(bytes.NewReader(nil), DefaultPolynomial)
	chunks := readAllChunks(t, it)
	assert.Empty(t, chunks)
}

func TestIterator_ReassemblesToOriginalContent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	data := make([]byte, 4*1024*1024)
	r.Read(data)

	it := Open(bytes.NewReader(data), DefaultPolynomial)
	chunks := readAllChunks(t, it)
	require.NotEmpty(t, chunks)

	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c...)
	}
	assert.Equal(t, data, reassembled, "concatenating chunk boundaries must reproduce the exact original bytes")
}

func TestIterator_BoundariesAreDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	data := make([]byte, 2*1024*1024)
	r.Read(data)

	it1 := Open(bytes.NewReader(data), DefaultPolynomial)
	sizes1 := chunkSizes(t, it1)

	it2 := Open(bytes.NewReader(data), DefaultPolynomial)
	sizes2 := chunkSizes(t, it2)

	assert.Equal(t, sizes1, sizes2, "chunking the same bytes with the same polynomial must produce identical boundaries")
}

func chunkSizes(t *testing.T, it *Iterator) []int {
	t.Helper()
	var sizes []int
	for _, c := range readAllChunks(t, it) {
		sizes = append(sizes, len(c))
	}
	return sizes
}

// closeTrackingReader wraps a reader and records whether Close was called.
type closeTrackingReader struct {
	io.Reader
	closed bool
}

func (c *closeTrackingReader) Close() error {
	c.closed = true
	return nil
}

func TestIterator_Close_DelegatesToCloseableReader(t *testing.T) {
	src := &closeTrackingReader{Reader: bytes.NewReader([]byte("data"))}
	it := Open(src, DefaultPolynomial)

	require.NoError(t, it.Close())
	assert.True(t, src.closed)
}

func TestIterator_Close_NoopForNonCloseableReader(t *testing.T) {
	it := Open(bytes.NewReader([]byte("data")), DefaultPolynomial)
	assert.NoError(t, it.Close())
}
