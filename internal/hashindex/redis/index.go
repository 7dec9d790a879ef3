// Package redis implements hashindex.Index against Redis, giving the
// reserve/commit protocol a cross-process atomic home: Reserve claims a
// hash exactly once with a Lua script that creates the entry only if it
// is absent. Commit reads the entry, sets its persistent ref client-side
// and writes it back through a Lua script that only writes if the key
// still exists; the read and the write are separate round trips, so
// Commit is not atomic against a concurrent UpdateReserved or Commit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/hashindex"
)

const (
	prefixEntry = "hatstore:hashidx:entry:"
)

// entryDoc is the JSON document stored per hash; it carries the whole
// HashEntry so FetchPayload/FetchPersistentRef never need a second
// round trip. ReservedAt (unix seconds) lets the reservation
// reconciler find reservations stuck past their grace period.
type entryDoc struct {
	Level         uint8  `json:"level"`
	Payload       []byte `json:"payload,omitempty"`
	PersistentRef []byte `json:"persistent_ref,omitempty"`
	ReservedAt    int64  `json:"reserved_at"`
}

// Index is a redis-backed hashindex.Index.
type Index struct {
	client *goredis.Client
	logger zerolog.Logger
}

var _ hashindex.Index = (*Index)(nil)

// New wraps an existing redis client.
func New(client *goredis.Client, logger zerolog.Logger) *Index {
	return &Index{client: client, logger: logger.With().Str("component", "hashindex.redis").Logger()}
}

func entryKey(hash []byte) string {
	return prefixEntry + string(hash)
}

// HashExists implements hashindex.Index.
func (idx *Index) HashExists(ctx context.Context, hash []byte) (bool, error) {
	n, err := idx.client.Exists(ctx, entryKey(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("hashindex/redis: exists: %w", err)
	}
	return n > 0, nil
}

// reserveScript atomically creates the entry document only if absent
// (SETNX semantics, done as EXISTS then SET inside one script).
const reserveScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`

// Reserve implements hashindex.Index.
func (idx *Index) Reserve(ctx context.Context, entry domain.HashEntry) (hashindex.ReserveResult, error) {
	doc, err := json.Marshal(entryDoc{Level: entry.Level, Payload: entry.Payload, ReservedAt: time.Now().Unix()})
	if err != nil {
		return 0, fmt.Errorf("hashindex/redis: marshal reserve doc: %w", err)
	}

	res, err := idx.client.Eval(ctx, reserveScript, []string{entryKey(entry.Hash)}, doc).Int64()
	if err != nil {
		return 0, fmt.Errorf("hashindex/redis: reserve: %w", err)
	}
	if res == 0 {
		return hashindex.ReserveKnown, nil
	}
	idx.logger.Debug().Str("hash", fmt.Sprintf("%x", entry.Hash)).Msg("hash reserved")
	return hashindex.ReserveOK, nil
}

// UpdateReserved implements hashindex.Index.
func (idx *Index) UpdateReserved(ctx context.Context, entry domain.HashEntry) error {
	doc, err := json.Marshal(entryDoc{
		Level:         entry.Level,
		Payload:       entry.Payload,
		PersistentRef: entry.PersistentRef,
	})
	if err != nil {
		return fmt.Errorf("hashindex/redis: marshal updated doc: %w", err)
	}
	if err := idx.client.Set(ctx, entryKey(entry.Hash), doc, 0).Err(); err != nil {
		return fmt.Errorf("hashindex/redis: update reserved: %w", err)
	}
	return nil
}

// commitScript replaces an existing entry with the document Commit built
// from its earlier read (payload/level carried over, persistent_ref
// set), and is a no-op if the key vanished
// (which should not happen under correct usage, but we do not want a
// racing expiry to turn a Commit into a spurious create).
const commitScript = `
local raw = redis.call("GET", KEYS[1])
if raw == false then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`

// Commit implements hashindex.Index.
func (idx *Index) Commit(ctx context.Context, hash []byte, ref domain.ChunkRef) error {
	raw, err := idx.client.Get(ctx, entryKey(hash)).Bytes()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("hashindex/redis: commit get: %w", err)
	}

	var existing entryDoc
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("hashindex/redis: commit unmarshal: %w", err)
		}
	}
	existing.PersistentRef = ref

	doc, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("hashindex/redis: commit marshal: %w", err)
	}

	if _, err := idx.client.Eval(ctx, commitScript, []string{entryKey(hash)}, doc).Int64(); err != nil {
		return fmt.Errorf("hashindex/redis: commit: %w", err)
	}
	return nil
}

// FetchPersistentRef implements hashindex.Index.
func (idx *Index) FetchPersistentRef(ctx context.Context, hash []byte) (domain.ChunkRef, error) {
	raw, err := idx.client.Get(ctx, entryKey(hash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, hashindex.ErrNotKnown
	}
	if err != nil {
		return nil, fmt.Errorf("hashindex/redis: fetch persistent ref: %w", err)
	}

	var doc entryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("hashindex/redis: fetch persistent ref unmarshal: %w", err)
	}
	if doc.PersistentRef == nil {
		return nil, hashindex.ErrRetry
	}
	return domain.ChunkRef(doc.PersistentRef), nil
}

// FetchPayload implements hashindex.Index.
func (idx *Index) FetchPayload(ctx context.Context, hash []byte) ([]byte, error) {
	raw, err := idx.client.Get(ctx, entryKey(hash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, hashindex.ErrNotKnown
	}
	if err != nil {
		return nil, fmt.Errorf("hashindex/redis: fetch payload: %w", err)
	}

	var doc entryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("hashindex/redis: fetch payload unmarshal: %w", err)
	}
	return doc.Payload, nil
}

// Flush implements hashindex.Index. Redis persists per-command (or per
// the server's own AOF/RDB policy), so there is nothing client-side to
// flush; this satisfies the interface and logs for traceability.
func (idx *Index) Flush(ctx context.Context) error {
	idx.logger.Debug().Msg("flush")
	return nil
}

// Ping reports whether the Redis server is reachable, for
// internal/adminserver's readiness check.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.client.Ping(ctx).Err()
}

var _ hashindex.ReservationScanner = (*Index)(nil)

// ListReserved implements hashindex.ReservationScanner by scanning the
// entry keyspace with SCAN (never KEYS, to avoid blocking the server)
// and filtering client-side for unresolved reservations older than
// olderThan.
func (idx *Index) ListReserved(ctx context.Context, olderThan time.Time) ([][]byte, error) {
	cutoff := olderThan.Unix()

	var out [][]byte
	var cursor uint64
	for {
		keys, next, err := idx.client.Scan(ctx, cursor, prefixEntry+"*", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("hashindex/redis: scan: %w", err)
		}

		for _, key := range keys {
			raw, err := idx.client.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("hashindex/redis: scan get: %w", err)
			}

			var doc entryDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("hashindex/redis: scan unmarshal: %w", err)
			}
			if doc.PersistentRef != nil || doc.ReservedAt > cutoff {
				continue
			}
			out = append(out, []byte(strings.TrimPrefix(key, prefixEntry)))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Drop implements hashindex.ReservationScanner.
func (idx *Index) Drop(ctx context.Context, hash []byte) error {
	if err := idx.client.Del(ctx, entryKey(hash)).Err(); err != nil {
		return fmt.Errorf("hashindex/redis: drop: %w", err)
	}
	return nil
}
