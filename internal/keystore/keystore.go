// Package keystore implements the key-store actor (spec §4.1): it
// receives Insert/ListDir/Flush, drives the insertion state machine,
// and serializes each request's access to its three collaborators.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/prn-tf/hatstore/internal/blobstore"
	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/hashindex"
	"github.com/prn-tf/hatstore/internal/hashtree"
	"github.com/prn-tf/hatstore/internal/keyindex"
	"github.com/prn-tf/hatstore/internal/metrics"
	"github.com/prn-tf/hatstore/internal/process"
)

// ChunkIterator yields the chunks of a data source in order. Next
// returns io.EOF once exhausted.
type ChunkIterator interface {
	Next(ctx context.Context) ([]byte, error)
}

// ErrUnreadable is returned by a DataSourceFactory when the underlying
// resource vanished between discovery and ingestion (spec §4.1.1 step 5).
var ErrUnreadable = errors.New("keystore: data source unreadable")

// DataSourceFactory is Insert's lazy_data_source: a deferred factory
// that, when invoked, yields a chunk iterator or ErrUnreadable. A nil
// factory means "no data" (spec's "absent" case).
type DataSourceFactory func(ctx context.Context) (ChunkIterator, error)

// Config bounds the actor's mailbox (spec §5's bounded inbound
// channel, the sole backpressure mechanism on producers) and how many
// Inserts may have their post-reply ingestion work in flight at once.
// The latter is this Go implementation's refinement: it replies with
// Id synchronously and continues streaming in a tracked background
// goroutine rather than occupying the single mailbox worker for the
// whole ingestion, so a slow Insert's ingestion never blocks a
// concurrent ListDir/Flush from being dequeued.
type Config struct {
	// InboxCapacity bounds the actor's single inbound channel.
	InboxCapacity int
	// MaxInFlightInserts bounds concurrent background ingestions.
	MaxInFlightInserts int
}

// Keystore is the key-store actor: a single mailbox goroutine
// (internal/process.Mailbox) processes Insert/ListDir/Flush requests
// one at a time, in submission order, per spec §5's ordering
// guarantee (i).
type Keystore struct {
	keyIndex  keyindex.Index
	hashIndex hashindex.Index
	blobStore blobstore.Store
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mailbox      *process.Mailbox
	admission    chan struct{}
	resolveGroup singleflight.Group

	mu       sync.Mutex
	wg       sync.WaitGroup
	fatalErr error
}

// New constructs a key-store actor over its three collaborators and
// starts its mailbox goroutine; the mailbox runs until ctx is
// cancelled.
func New(ctx context.Context, keyIndex keyindex.Index, hashIndex hashindex.Index, blobStore blobstore.Store, m *metrics.Metrics, logger zerolog.Logger, cfg Config) *Keystore {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 256
	}
	if cfg.MaxInFlightInserts <= 0 {
		cfg.MaxInFlightInserts = 64
	}
	return &Keystore{
		keyIndex:  keyIndex,
		hashIndex: hashIndex,
		blobStore: blobStore,
		metrics:   m,
		logger:    logger.With().Str("component", "keystore").Logger(),
		mailbox:   process.NewMailbox(ctx, cfg.InboxCapacity),
		admission: make(chan struct{}, cfg.MaxInFlightInserts),
	}
}

// Insert implements spec §4.1.1. It resolves or creates the key-index
// row, returns its id synchronously, and continues ingesting any data
// source in the background; use Flush to wait for a consistent,
// fully-ingested view.
func (ks *Keystore) Insert(ctx context.Context, entry domain.Entry, source DataSourceFactory) (uint64, error) {
	return process.Send(ctx, ks.mailbox, func(ctx context.Context) (uint64, error) {
		return ks.insertOnActor(ctx, entry, source)
	})
}

// insertOnActor runs on the mailbox's single worker goroutine: steps
// 1-3 of spec §4.1.1 execute here, then the background ingestion
// goroutine (steps 4-7) is spawned and insertOnActor returns,
// freeing the mailbox for the next request.
func (ks *Keystore) insertOnActor(ctx context.Context, entry domain.Entry, source DataSourceFactory) (uint64, error) {
	// Step 1: key-level dedup.
	if existing, err := ks.keyIndex.LookupExact(ctx, entry.Key()); err == nil {
		if existing.HasData() {
			known, err := ks.hashIndex.HashExists(ctx, existing.DataHash)
			if err != nil {
				return 0, fmt.Errorf("keystore: hash exists check: %w", err)
			}
			if known {
				if ks.metrics != nil {
					ks.metrics.RecordKeyDedupHit()
				}
				return existing.ID, nil
			}
		}
		// Row exists but its hash is absent/unknown: reuse the row.
		entry = existing
	} else if !errors.Is(err, keyindex.ErrNotFound) {
		return 0, fmt.Errorf("keystore: lookup exact: %w", err)
	} else {
		// Step 2: fresh key-index insert.
		inserted, err := ks.keyIndex.Insert(ctx, entry)
		if err != nil {
			return 0, fmt.Errorf("keystore: insert: %w", err)
		}
		entry = inserted
	}

	id := entry.ID

	if source == nil {
		if err := ks.keyIndex.UpdateDataHash(ctx, id, nil, nil); err != nil {
			return 0, fmt.Errorf("keystore: update data hash (no data): %w", err)
		}
		return id, nil
	}

	select {
	case ks.admission <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	ks.wg.Add(1)
	go func() {
		defer ks.wg.Done()
		defer func() { <-ks.admission }()
		ks.ingest(context.WithoutCancel(ctx), id, entry.DataLength, source)
	}()

	return id, nil
}

// ingest runs steps 4-7 of spec §4.1.1 for one entry's data source.
func (ks *Keystore) ingest(ctx context.Context, id uint64, dataLength *uint64, source DataSourceFactory) {
	iter, err := source(ctx)
	if err != nil {
		if errors.Is(err, ErrUnreadable) {
			if err := ks.keyIndex.UpdateDataHash(ctx, id, nil, nil); err != nil {
				ks.recordFatal(fmt.Errorf("keystore: update data hash (unreadable): %w", err))
			}
			return
		}
		ks.recordFatal(fmt.Errorf("keystore: data source factory: %w", err))
		return
	}

	if closer, ok := iter.(io.Closer); ok {
		defer closer.Close()
	}

	backend := NewHashStoreBackend(ks.hashIndex, ks.blobStore, ks.metrics, ks.logger, &ks.resolveGroup)
	writer := hashtree.NewWriter(backend)

	var bytesRead uint64
	for {
		chunk, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ks.recordFatal(fmt.Errorf("keystore: read chunk: %w", err))
			return
		}
		bytesRead += uint64(len(chunk))
		if err := writer.Append(ctx, chunk); err != nil {
			ks.recordFatal(fmt.Errorf("keystore: append chunk: %w", err))
			return
		}
	}

	if dataLength != nil && *dataLength != bytesRead {
		ks.logger.Warn().
			Uint64("entry_id", id).
			Uint64("expected", *dataLength).
			Uint64("actual", bytesRead).
			Msg("data length mismatch during ingestion, proceeding with bytes actually read")
		if ks.metrics != nil {
			ks.metrics.RecordSizeMismatch()
		}
	}

	hash, ref, err := writer.Hash(ctx)
	if err != nil {
		ks.recordFatal(fmt.Errorf("keystore: finalize hash tree: %w", err))
		return
	}

	if err := ks.keyIndex.UpdateDataHash(ctx, id, hash, ref); err != nil {
		ks.recordFatal(fmt.Errorf("keystore: update data hash: %w", err))
		return
	}

	if ks.metrics != nil {
		ks.metrics.RecordInsertCompleted()
	}
}

func (ks *Keystore) recordFatal(err error) {
	ks.logger.Error().Err(err).Msg("protocol violation or fatal ingestion error")
	ks.mu.Lock()
	if ks.fatalErr == nil {
		ks.fatalErr = err
	}
	ks.mu.Unlock()
}

// ListDir implements spec §4.1.2.
func (ks *Keystore) ListDir(ctx context.Context, parentID uint64, hasParent bool) ([]domain.DirElem, error) {
	return process.Send(ctx, ks.mailbox, func(ctx context.Context) ([]domain.DirElem, error) {
		return ks.listDirOnActor(ctx, parentID, hasParent)
	})
}

func (ks *Keystore) listDirOnActor(ctx context.Context, parentID uint64, hasParent bool) ([]domain.DirElem, error) {
	entries, err := ks.keyIndex.ListDir(ctx, parentID, hasParent)
	if err != nil {
		return nil, fmt.Errorf("keystore: list dir: %w", err)
	}

	out := make([]domain.DirElem, 0, len(entries))
	for _, le := range entries {
		elem := domain.DirElem{Entry: le.Entry, ChunkRef: le.ChunkRef}
		if le.Entry.HasData() {
			hash := le.Entry.DataHash
			ref := le.ChunkRef
			hashIndex := ks.hashIndex
			blobStore := ks.blobStore
			m := ks.metrics
			logger := ks.logger
			group := &ks.resolveGroup
			elem.Open = func() (domain.ChunkReader, error) {
				backend := NewHashStoreBackend(hashIndex, blobStore, m, logger, group)
				return hashtree.Open(context.Background(), backend, hash, ref)
			}
		}
		out = append(out, elem)
	}
	return out, nil
}

// Flush implements spec §4.1.3: wait for in-flight ingestion to
// settle, then flush downstream in the required order blob store ->
// hash index -> key index, since the key index may only reference
// hashes the hash index has durably recorded, and the hash index may
// only reference refs the blob store has durably written.
func (ks *Keystore) Flush(ctx context.Context) error {
	if _, err := process.Send(ctx, ks.mailbox, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, ks.flushOnActor(ctx)
	}); err != nil {
		return err
	}
	return nil
}

func (ks *Keystore) flushOnActor(ctx context.Context) error {
	ks.wg.Wait()

	ks.mu.Lock()
	fatal := ks.fatalErr
	ks.mu.Unlock()
	if fatal != nil {
		return fmt.Errorf("keystore: flush after fatal ingestion error: %w", fatal)
	}

	if err := ks.blobStore.Flush(ctx); err != nil {
		return fmt.Errorf("keystore: flush blob store: %w", err)
	}
	if err := ks.hashIndex.Flush(ctx); err != nil {
		return fmt.Errorf("keystore: flush hash index: %w", err)
	}
	if err := ks.keyIndex.Flush(ctx); err != nil {
		return fmt.Errorf("keystore: flush key index: %w", err)
	}
	return nil
}
