// Package sqlite implements keyindex.Index against an embedded SQLite
// database via modernc.org/sqlite, for single-binary deployments that
// do not want a separate PostgreSQL server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/keyindex"
)

// Index is a sqlite-backed keyindex.Index using database/sql with the
// modernc.org/sqlite driver (registered under driver name "sqlite").
type Index struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ keyindex.Index = (*Index)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER,
	has_parent INTEGER NOT NULL,
	name BLOB NOT NULL,
	created INTEGER,
	modified INTEGER,
	accessed INTEGER,
	permissions INTEGER,
	user_id INTEGER,
	group_id INTEGER,
	data_hash BLOB,
	data_length INTEGER,
	chunk_ref BLOB
);
CREATE INDEX IF NOT EXISTS entries_parent_name ON entries(has_parent, parent_id, name);
`

// Open opens (creating if necessary) a sqlite key index at path, which
// may be ":memory:" for an ephemeral in-process database.
func Open(path string, logger zerolog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keyindex/sqlite: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("keyindex/sqlite: migrate: %w", err)
	}
	return &Index{db: db, logger: logger.With().Str("component", "keyindex.sqlite").Logger()}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func scanRow(row interface{ Scan(...any) error }) (domain.Entry, domain.ChunkRef, error) {
	var e domain.Entry
	var ref []byte
	var hasParent int
	var parentID sql.NullInt64

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
	e.HasParent = hasParent != 0
	if parentID.Valid {
		e.ParentID = uint64(parentID.Int64)
	}
	if ref != nil {
		return e, domain.ChunkRef(ref), nil
	}
	return e, nil, nil
}

const entryColumns = `id, parent_id, has_parent, name, created, modified, accessed,
	permissions, user_id, group_id, data_hash, data_length, chunk_ref`

// LookupExact implements keyindex.Index.
func (idx *Index) LookupExact(ctx context.Context, key domain.MatchKey) (domain.Entry, error) {
	var parentID any
	if key.HasParent {
		parentID = key.ParentID
	}

	row := idx.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE has_parent = ?
		  AND (parent_id IS ? OR parent_id = ?)
		  AND name = ?
		  AND (created IS ? OR created = ?)
		  AND (modified IS ? OR modified = ?)
		  AND (accessed IS ? OR accessed = ?)
		  AND (permissions IS ? OR permissions = ?)
		  AND (user_id IS ? OR user_id = ?)
		  AND (group_id IS ? OR group_id = ?)`,
		boolToInt(key.HasParent),
		parentID, parentID,
		key.Name,
		key.Created, key.Created,
		key.Modified, key.Modified,
		key.Accessed, key.Accessed,
		key.Permissions, key.Permissions,
		key.UserID, key.UserID,
		key.GroupID, key.GroupID,
	)

	e, _, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Entry{}, keyindex.ErrNotFound
		}
		return domain.Entry{}, fmt.Errorf("keyindex/sqlite: lookup exact: %w", err)
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Insert implements keyindex.Index.
func (idx *Index) Insert(ctx context.Context, entry domain.Entry) (domain.Entry, error) {
	var parentID any
	if entry.HasParent {
		parentID = entry.ParentID
	}

	res, err := idx.db.ExecContext(ctx, `INSERT INTO entries
		(parent_id, has_parent, name, created, modified, accessed, permissions, user_id, group_id, data_hash, data_length)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		parentID, boolToInt(entry.HasParent), entry.Name, entry.Created, entry.Modified, entry.Accessed,
		entry.Permissions, entry.UserID, entry.GroupID, entry.DataHash, entry.DataLength,
	)
	if err != nil {
		return domain.Entry{}, fmt.Errorf("keyindex/sqlite: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Entry{}, fmt.Errorf("keyindex/sqlite: last insert id: %w", err)
	}
	entry.ID = uint64(id)
	entry.HasID = true
	return entry, nil
}

// ListDir implements keyindex.Index.
func (idx *Index) ListDir(ctx context.Context, parentID uint64, hasParent bool) ([]keyindex.ListEntry, error) {
	var rows *sql.Rows
	var err error
	if hasParent {
		rows, err = idx.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE has_parent = 1 AND parent_id = ?`, parentID)
	} else {
		rows, err = idx.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE has_parent = 0`)
	}
	if err != nil {
		return nil, fmt.Errorf("keyindex/sqlite: list dir: %w", err)
	}
	defer rows.Close()

	var out []keyindex.ListEntry
	for rows.Next() {
		e, ref, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("keyindex/sqlite: list dir scan: %w", err)
		}
		out = append(out, keyindex.ListEntry{Entry: e, ChunkRef: ref})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keyindex/sqlite: list dir rows: %w", err)
	}
	return out, nil
}

// UpdateDataHash implements keyindex.Index.
func (idx *Index) UpdateDataHash(ctx context.Context, id uint64, hash []byte, ref domain.ChunkRef) error {
	res, err := idx.db.ExecContext(ctx, `UPDATE entries SET data_hash = ?, chunk_ref = ? WHERE id = ?`, hash, []byte(ref), id)
	if err != nil {
		return fmt.Errorf("keyindex/sqlite: update data hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keyindex/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return keyindex.ErrNotFound
	}
	return nil
}

// Flush implements keyindex.Index by issuing a WAL checkpoint, the
// sqlite analogue of fsyncing pending writes to the main database file.
func (idx *Index) Flush(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("keyindex/sqlite: flush checkpoint: %w", err)
	}
	return nil
}

// Ping reports whether the database handle is reachable, for
// internal/adminserver's readiness check.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.db.PingContext(ctx)
}
