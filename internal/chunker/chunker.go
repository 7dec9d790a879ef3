// Package chunker wraps github.com/restic/chunker to turn a file's
// byte stream into content-defined chunk boundaries for the CLI
// driver. The key store itself never chunks (spec §4.1.1: "the key
// store does not re-chunk") — this package exists only to feed
// keystore.DataSourceFactory from cmd/hatctl.
package chunker

import (
	"context"
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"

	"github.com/prn-tf/hatstore/internal/keystore"
)

// DefaultPolynomial is restic's well-known default splitting
// polynomial; any fixed polynomial works as long as it is shared
// across all chunkers in the deployment, since the polynomial affects
// chunk boundaries and therefore the resulting content hashes.
const DefaultPolynomial = resticchunker.Pol(0x3DA3358B4DC173)

// Iterator adapts a resticchunker.Chunker to keystore.ChunkIterator.
type Iterator struct {
	chunker *resticchunker.Chunker
	buf     []byte
	closer  io.Closer
}

var _ keystore.ChunkIterator = (*Iterator)(nil)

// Open content-defined-chunks r using pol, returning an iterator ready
// for keystore.Insert. If r also implements io.Closer, it is closed
// when the iterator is exhausted or abandoned by calling Close.
func Open(r io.Reader, pol resticchunker.Pol) *Iterator {
	it := &Iterator{
		chunker: resticchunker.New(r, pol),
		buf:     make([]byte, 8*1024*1024),
	}
	if c, ok := r.(io.Closer); ok {
		it.closer = c
	}
	return it
}

// Next implements keystore.ChunkIterator.
func (it *Iterator) Next(ctx context.Context) ([]byte, error) {
	chunk, err := it.chunker.Next(it.buf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("chunker: next chunk: %w", err)
	}

	out := make([]byte, len(chunk.Data))
	copy(out, chunk.Data)
	return out, nil
}

// Close releases the underlying reader, if closeable.
func (it *Iterator) Close() error {
	if it.closer != nil {
		return it.closer.Close()
	}
	return nil
}
