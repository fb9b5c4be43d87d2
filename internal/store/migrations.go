package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// NewMigrator builds a migrator over the embedded migration files for the
// given backend. dsn uses golang-migrate URL schemes: "sqlite://<path>" or
// "postgres://…".
func NewMigrator(backend, dsn string) (*migrate.Migrate, error) {
	var dir string
	switch backend {
	case BackendSQLite:
		dir = "migrations/sqlite"
	case BackendPostgres:
		dir = "migrations/postgres"
	default:
		return nil, fmt.Errorf("backend %q has no migrations", backend)
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations. An already-current schema is
// not an error.
func MigrateUp(backend, dsn string) error {
	m, err := NewMigrator(backend, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
