// Package pg provides the Postgres session backend via the pgx stdlib
// driver.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/kestrel/internal/store"
)

var queries = store.Queries{
	Select: `SELECT messages, last_consolidated, metadata, created_at, updated_at
	         FROM sessions WHERE session_key = $1`,
	Upsert: `INSERT INTO sessions (session_key, messages, last_consolidated, metadata, created_at, updated_at)
	         VALUES ($1, $2, $3, $4, $5, $6)
	         ON CONFLICT (session_key) DO UPDATE SET
	           messages = excluded.messages,
	           last_consolidated = excluded.last_consolidated,
	           metadata = excluded.metadata,
	           updated_at = excluded.updated_at`,
	Delete: `DELETE FROM sessions WHERE session_key = $1`,
	List:   `SELECT session_key, messages, last_consolidated, updated_at FROM sessions ORDER BY updated_at DESC`,
}

// Open migrates the schema, opens a connection pool, and verifies
// reachability with a short ping.
func Open(dsn string) (*store.DBSessionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is not set (config database.postgres_dsn or KESTREL_POSTGRES_DSN)")
	}
	if err := store.MigrateUp(store.BackendPostgres, dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store.NewDBSessionStore(db, queries), nil
}
