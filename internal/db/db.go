// Package db opens the local sqlite database and owns its schema: the
// durable sync operation queue, per-book sync state (baseline + version),
// and cached-book metadata.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the DB at path, creates dir if needed, runs migrations.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("ping failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	if err := migrate(conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrate failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	return conn, nil
}

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	op_id TEXT PRIMARY KEY,
	book_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	platform TEXT NOT NULL,
	created_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_book ON sync_queue(book_id, created_at);

CREATE TABLE IF NOT EXISTS sync_state (
	book_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0,
	etag TEXT NOT NULL DEFAULT '',
	last_sync REAL NOT NULL DEFAULT 0,
	baseline BLOB
);

CREATE TABLE IF NOT EXISTS cached_books (
	book_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT 'epub',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	cached_at REAL NOT NULL,
	last_accessed REAL NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	is_favorite INTEGER NOT NULL DEFAULT 0,
	will_keep INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cached_books_evict ON cached_books(will_keep, priority, is_favorite, last_accessed);
`
