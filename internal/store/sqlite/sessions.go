// Package sqlite provides the SQLite session backend. The driver is pure
// Go (no CGO); all goroutines serialize through a single connection to
// avoid SQLITE_BUSY from concurrent writers.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/nextlevelbuilder/kestrel/internal/store"
)

var queries = store.Queries{
	Select: `SELECT messages, last_consolidated, metadata, created_at, updated_at
	         FROM sessions WHERE session_key = ?`,
	Upsert: `INSERT INTO sessions (session_key, messages, last_consolidated, metadata, created_at, updated_at)
	         VALUES (?, ?, ?, ?, ?, ?)
	         ON CONFLICT(session_key) DO UPDATE SET
	           messages = excluded.messages,
	           last_consolidated = excluded.last_consolidated,
	           metadata = excluded.metadata,
	           updated_at = excluded.updated_at`,
	Delete: `DELETE FROM sessions WHERE session_key = ?`,
	List:   `SELECT session_key, messages, last_consolidated, updated_at FROM sessions ORDER BY updated_at DESC`,
}

// Open migrates the schema and returns a session store backed by the
// SQLite file at path.
func Open(path string) (*store.DBSessionStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	if err := store.MigrateUp(store.BackendSQLite, "sqlite://"+path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return store.NewDBSessionStore(db, queries), nil
}
