// Package migrations applies the embedded schema migrations to the SQLite
// database that backs the tenant registry and usage records.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/clawmux/clawmux/internal/log"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

// Migrator brings a SQLite database to the latest schema version.
type Migrator struct {
	db     *sql.DB
	logger log.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sql.DB, logger log.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	return &Migrator{db: db, logger: logger}, nil
}

// Up applies all pending migrations. A database already at the latest
// version is not an error.
func (m *Migrator) Up(ctx context.Context) error {
	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(schemaFiles, "sql")
	if err != nil {
		return fmt.Errorf("could not read embedded schema: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			m.logger.Errorf("could not close schema source: %s", cerr)
		}
	}()

	inst, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}

	err = inst.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		m.logger.Debugf("Schema already at the latest version")
	case err != nil:
		return fmt.Errorf("could not apply migrations: %w", err)
	default:
		m.logger.Debugf("Schema migrated to the latest version")
	}

	return nil
}
