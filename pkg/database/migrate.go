package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	// File source for migration scripts.
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/gnosis-kg/gnosis/pkg/observability"
)

// Migrate applies all pending up migrations from path. It opens a dedicated
// connection so the migrator never touches the serving pool. A database
// already at the latest version is not an error.
func Migrate(dsn, path string, logger observability.Logger) error {
	m, cleanup, err := newMigrator(dsn, path)
	if err != nil {
		return err
	}
	defer cleanup(logger)

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("Schema already up to date", nil)
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("Applied migrations", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}

// Rollback rolls back the most recent migration.
func Rollback(dsn, path string, logger observability.Logger) error {
	m, cleanup, err := newMigrator(dsn, path)
	if err != nil {
		return err
	}
	defer cleanup(logger)

	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// SchemaVersion reports the current migration version and dirty flag.
// A never-migrated database reports version 0.
func SchemaVersion(dsn, path string, logger observability.Logger) (uint, bool, error) {
	m, cleanup, err := newMigrator(dsn, path)
	if err != nil {
		return 0, false, err
	}
	defer cleanup(logger)

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(dsn, path string) (*migrate.Migrate, func(observability.Logger), error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", path), "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	cleanup := func(logger observability.Logger) {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close migration source", map[string]interface{}{"error": srcErr.Error()})
		}
		if dbErr != nil {
			logger.Warn("Failed to close migration connection", map[string]interface{}{"error": dbErr.Error()})
		}
	}
	return m, cleanup, nil
}
