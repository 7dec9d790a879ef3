// Package postgres implements keyindex.Index against a PostgreSQL
// "entries" table, in the pgx query/Scan/error-wrap idiom used
// throughout this codebase's relational backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/keyindex"
)

// Index is a postgres-backed keyindex.Index.
type Index struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ keyindex.Index = (*Index)(nil)

// New wraps an existing pool. Neither this package nor cmd/hatctl
// creates the schema: the "entries" table must already exist.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Index {
	return &Index{pool: pool, logger: logger.With().Str("component", "keyindex.postgres").Logger()}
}

const entryColumns = `id, parent_id, has_parent, name, created, modified, accessed,
	permissions, user_id, group_id, data_hash, data_length, chunk_ref`

func scanEntry(row pgx.Row) (domain.Entry, domain.ChunkRef, error) {
	var e domain.Entry
	var ref []byte
	var hasParent bool
	var parentID *uint64

	err := row.Scan(
		&e.ID, &parentID, &hasParent, &e.Name,
		&e.Created, &e.Modified, &e.Accessed,
		&e.Permissions, &e.UserID, &e.GroupID,
		&e.DataHash, &e.DataLength, &ref,
	)
	if err != nil {
		return domain.Entry{}, nil, err
	}
	e.HasID = true
	e.HasParent = hasParent
	if parentID != nil {
		e.ParentID = *parentID
	}
	if ref != nil {
		return e, domain.ChunkRef(ref), nil
	}
	return e, nil, nil
}

// LookupExact implements keyindex.Index.
func (idx *Index) LookupExact(ctx context.Context, key domain.MatchKey) (domain.Entry, error) {
	row := idx.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE has_parent = $1
		  AND (parent_id IS NOT DISTINCT FROM $2)
		  AND name = $3
		  AND created IS NOT DISTINCT FROM $4
		  AND modified IS NOT DISTINCT FROM $5
		  AND accessed IS NOT DISTINCT FROM $6
		  AND permissions IS NOT DISTINCT FROM $7
		  AND user_id IS NOT DISTINCT FROM $8
		  AND group_id IS NOT DISTINCT FROM $9`,
		key.HasParent, nullableParent(key), key.Name,
		key.Created, key.Modified, key.Accessed,
		key.Permissions, key.UserID, key.GroupID,
	)

	e, _, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entry{}, keyindex.ErrNotFound
		}
		return domain.Entry{}, fmt.Errorf("keyindex/postgres: lookup exact: %w", err)
	}
	return e, nil
}

func nullableParent(key domain.MatchKey) *uint64 {
	if !key.HasParent {
		return nil
	}
	return &key.ParentID
}

// Insert implements keyindex.Index.
func (idx *Index) Insert(ctx context.Context, entry domain.Entry) (domain.Entry, error) {
	var parentID *uint64
	if entry.HasParent {
		parentID = &entry.ParentID
	}

	row := idx.pool.QueryRow(ctx, `INSERT INTO entries
		(parent_id, has_parent, name, created, modified, accessed, permissions, user_id, group_id, data_hash, data_length)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id`,
		parentID, entry.HasParent, entry.Name, entry.Created, entry.Modified, entry.Accessed,
		entry.Permissions, entry.UserID, entry.GroupID, entry.DataHash, entry.DataLength,
	)

	var id uint64
	if err := row.Scan(&id); err != nil {
		return domain.Entry{}, fmt.Errorf("keyindex/postgres: insert: %w", err)
	}
	entry.ID = id
	entry.HasID = true
	return entry, nil
}

// ListDir implements keyindex.Index.
func (idx *Index) ListDir(ctx context.Context, parentID uint64, hasParent bool) ([]keyindex.ListEntry, error) {
	var rows pgx.Rows
	var err error
	if hasParent {
		rows, err = idx.pool.Query(ctx, `SELECT `+entryColumns+` FROM entries WHERE has_parent AND parent_id = $1`, parentID)
	} else {
		rows, err = idx.pool.Query(ctx, `SELECT `+entryColumns+` FROM entries WHERE NOT has_parent`)
	}
	if err != nil {
		return nil, fmt.Errorf("keyindex/postgres: list dir: %w", err)
	}
	defer rows.Close()

	var out []keyindex.ListEntry
	for rows.Next() {
		e, ref, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("keyindex/postgres: list dir scan: %w", err)
		}
		out = append(out, keyindex.ListEntry{Entry: e, ChunkRef: ref})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keyindex/postgres: list dir rows: %w", err)
	}
	return out, nil
}

// UpdateDataHash implements keyindex.Index.
func (idx *Index) UpdateDataHash(ctx context.Context, id uint64, hash []byte, ref domain.ChunkRef) error {
	tag, err := idx.pool.Exec(ctx, `UPDATE entries SET data_hash = $1, chunk_ref = $2 WHERE id = $3`, hash, []byte(ref), id)
	if err != nil {
		return fmt.Errorf("keyindex/postgres: update data hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return keyindex.ErrNotFound
	}
	return nil
}

// Flush implements keyindex.Index. PostgreSQL commits are already
// durable per-statement under the default autocommit mode this package
// uses, so Flush is a logged no-op here; a transactional caller would
// commit its own *pgx.Tx before calling Flush.
func (idx *Index) Flush(ctx context.Context) error {
	idx.logger.Debug().Msg("flush")
	return nil
}

// Ping reports whether the pool can reach PostgreSQL, for
// internal/adminserver's readiness check.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.pool.Ping(ctx)
}
