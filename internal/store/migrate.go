package store

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/caresync/resilience-core/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator handles database migrations from the embedded migration set
type Migrator struct {
	migrate *migrate.Migrate
}

// NewMigrator creates a migrator bound to an open database connection
func NewMigrator(db *DB) (*Migrator, error) {
	if db == nil || db.DB == nil {
		return nil, errors.NewValidationError("database connection is required")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.NewInternalError("failed to load embedded migrations").WithCause(err)
	}

	driver, err := postgres.WithInstance(db.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.NewDatabaseError("failed to create postgres driver").WithCause(err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to create migrate instance").WithCause(err)
	}

	return &Migrator{migrate: m}, nil
}

// Up runs all available migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return errors.NewDatabaseError("failed to run migrations").WithCause(err)
	}
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return errors.NewDatabaseError("failed to rollback migrations").WithCause(err)
	}
	return nil
}

// Steps runs n migrations up (positive) or down (negative)
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return errors.NewDatabaseError("failed to run migration steps").WithCause(err)
	}
	return nil
}

// Force sets the migration version without running any migrations,
// clearing a dirty state
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return errors.NewDatabaseError("failed to force migration version").WithCause(err)
	}
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			return 0, false, nil
		}
		return 0, false, errors.NewDatabaseError("failed to get migration version").WithCause(err)
	}
	return version, dirty, nil
}

// Close releases the migrator's source. The database connection stays
// open and is owned by the caller.
func (m *Migrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil || dbErr != nil {
		return fmt.Errorf("source error: %v, db error: %v", sourceErr, dbErr)
	}
	return nil
}
