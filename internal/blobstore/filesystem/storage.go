// Package filesystem implements blobstore.Store over the local
// filesystem, adapted from the teacher's storage backend: the chunk's
// SHA-256 is computed up front, the content is written to a temp file,
// then atomically renamed into a 2-level hex-sharded path keyed by that
// hash, with 256-way sharded locking (keyed by the hash's first byte)
// so concurrent writes to chunks in different shards never contend.
package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/blobstore"
	hcrypto "github.com/prn-tf/hatstore/internal/pkg/crypto"

	"github.com/prn-tf/hatstore/internal/domain"
)

const shardCount = 256

// shardedLock provides fine-grained locking keyed by the first byte of
// a content hash: 256 independent locks instead of one global lock, so
// concurrent Store/Retrieve calls on chunks whose hashes start with
// different bytes never contend.
type shardedLock struct {
	locks [shardCount]sync.RWMutex
}

func (sl *shardedLock) shardIndex(ref domain.ChunkRef) int {
	if len(ref) == 0 {
		return 0
	}
	return int(ref[0])
}

func (sl *shardedLock) Lock(ref domain.ChunkRef)    { sl.locks[sl.shardIndex(ref)].Lock() }
func (sl *shardedLock) Unlock(ref domain.ChunkRef)  { sl.locks[sl.shardIndex(ref)].Unlock() }
func (sl *shardedLock) RLock(ref domain.ChunkRef)   { sl.locks[sl.shardIndex(ref)].RLock() }
func (sl *shardedLock) RUnlock(ref domain.ChunkRef) { sl.locks[sl.shardIndex(ref)].RUnlock() }

// Store implements blobstore.Store using the local filesystem.
type Store struct {
	dataDir   string
	tempDir   string
	logger    zerolog.Logger
	shards    shardedLock
	tempMu    sync.Mutex
	encryptor *hcrypto.ChaChaStreamEncryptor // nil unless encryption is enabled
}

var _ blobstore.Store = (*Store)(nil)

// Config holds configuration for the filesystem blob-store backend.
type Config struct {
	DataDir string
	TempDir string

	// EncryptionKey, if non-nil, enables at-rest ChaCha20-Poly1305
	// encryption (spec §1 permits this: the key store itself does not
	// encrypt, but the blob layer may).
	EncryptionKey []byte
}

// NewStore creates a new filesystem blob-store backend.
func NewStore(cfg Config, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: create temp dir: %w", err)
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: abs data dir: %w", err)
	}
	tempDir, err := filepath.Abs(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: abs temp dir: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		tempDir: tempDir,
		logger:  logger.With().Str("component", "blobstore.filesystem").Logger(),
	}

	if cfg.EncryptionKey != nil {
		enc, err := hcrypto.NewChaChaStreamEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("blobstore/filesystem: encryptor: %w", err)
		}
		s.encryptor = enc
	}

	s.logger.Info().
		Str("data_dir", dataDir).
		Str("temp_dir", tempDir).
		Bool("encrypted", s.encryptor != nil).
		Msg("filesystem blob store initialized")

	return s, nil
}

// computePath applies the teacher's 2-level hex sharding
// (basePath/ab/cd/abcdef...) to a ref's hex encoding.
func (s *Store) computePath(ref domain.ChunkRef) string {
	h := hex.EncodeToString(ref)
	if len(h) < 4 {
		return filepath.Join(s.dataDir, h)
	}
	return filepath.Join(s.dataDir, h[0:2], h[2:4], h)
}

// StoreChunk implements blobstore.Store.
func (s *Store) StoreChunk(ctx context.Context, chunk []byte, onCommit blobstore.OnCommit) (domain.ChunkRef, error) {
	sum := sha256.Sum256(chunk)
	ref := domain.ChunkRef(sum[:])

	s.shards.Lock(ref)
	defer s.shards.Unlock(ref)

	fullPath := s.computePath(ref)
	if _, err := os.Stat(fullPath); err == nil {
		s.logger.Debug().Str("ref", ref.String()).Msg("chunk already exists, skipping write")
		if onCommit != nil {
			onCommit(ref)
		}
		return ref, nil
	}

	s.tempMu.Lock()
	tempFile, err := os.CreateTemp(s.tempDir, "chunk-*")
	s.tempMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	payload := chunk
	if s.encryptor != nil {
		payload, err = s.encryptor.EncryptBlob(chunk, ref)
		if err != nil {
			_ = tempFile.Close()
			return nil, fmt.Errorf("blobstore/filesystem: encrypt chunk: %w", err)
		}
	}

	if _, err := tempFile.Write(payload); err != nil {
		_ = tempFile.Close()
		return nil, fmt.Errorf("blobstore/filesystem: write temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: close temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: create target dir: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if err := copyFile(tempPath, fullPath); err != nil {
			return nil, fmt.Errorf("blobstore/filesystem: move to storage: %w", err)
		}
		_ = os.Remove(tempPath)
	}

	s.logger.Debug().Str("ref", ref.String()).Int("size", len(chunk)).Msg("chunk stored")

	success = true
	if onCommit != nil {
		onCommit(ref)
	}
	return ref, nil
}

// Retrieve implements blobstore.Store.
func (s *Store) Retrieve(ctx context.Context, ref domain.ChunkRef) ([]byte, error) {
	s.shards.RLock(ref)
	defer s.shards.RUnlock(ref)

	fullPath := s.computePath(ref)
	raw, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blobstore.ErrChunkNotFound
		}
		return nil, fmt.Errorf("blobstore/filesystem: read chunk: %w", err)
	}

	if s.encryptor == nil {
		return raw, nil
	}
	plaintext, err := s.encryptor.DecryptBlob(raw, ref)
	if err != nil {
		return nil, fmt.Errorf("blobstore/filesystem: decrypt chunk: %w", err)
	}
	return plaintext, nil
}

// Flush implements blobstore.Store. Every write above is already
// fsync-free-but-renamed durable at the filesystem layer by the time
// StoreChunk returns, so Flush here is a logged no-op; a future
// implementation wanting stronger durability would fsync the
// containing directory here.
func (s *Store) Flush(ctx context.Context) error {
	s.logger.Debug().Msg("flush")
	return nil
}

// HealthCheck verifies the data directory is reachable, used by
// internal/adminserver's readiness probe.
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.dataDir); err != nil {
		return fmt.Errorf("blobstore/filesystem: health check: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
