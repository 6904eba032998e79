// Package sqlite persists memory records and knowledge chunks in SQLite.
// Vector indexes are derived from these tables at startup.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id      TEXT NOT NULL,
	content       TEXT NOT NULL,
	embedding     BLOB,
	confidence    REAL,
	active        INTEGER NOT NULL DEFAULT 1,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	expires_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS memory_records_owner_active_idx ON memory_records(owner_id, active);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id   TEXT NOT NULL,
	title         TEXT NOT NULL,
	title_key     TEXT NOT NULL,
	category      TEXT NOT NULL,
	industry      TEXT NOT NULL DEFAULT '',
	language      TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	embedding     BLOB,
	chunk_index   INTEGER NOT NULL,
	total_chunks  INTEGER NOT NULL,
	active        INTEGER NOT NULL DEFAULT 1,
	version       INTEGER NOT NULL DEFAULT 1,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS knowledge_chunks_doc_idx ON knowledge_chunks(document_id);
CREATE INDEX IF NOT EXISTS knowledge_chunks_title_idx ON knowledge_chunks(title_key, category, active);
`

// DB is an open SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path. An empty path or ":memory:"
// opens a private in-memory database.
func Open(path string) (*DB, error) {
	dsn := path
	if path == "" || path == ":memory:" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", path))
	}
	// One connection: keeps an in-memory database alive and avoids
	// writer lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, goerr.Wrap(err, "failed to configure database", goerr.V("pragma", pragma))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to create tables")
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Records returns the memory record repository.
func (d *DB) Records() *RecordRepository {
	return &RecordRepository{db: d.db}
}

// Chunks returns the knowledge chunk repository.
func (d *DB) Chunks() *ChunkRepository {
	return &ChunkRepository{db: d.db}
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
