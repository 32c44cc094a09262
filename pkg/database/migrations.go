package database

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/migrations"
)

// newMigrator builds a migrate instance over the embedded system schema.
func newMigrator(dsn string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, db, nil
}

// RunMigrations brings the system database schema up to date. It is
// idempotent and safe to call on every process start.
func RunMigrations(dsn string, logger *zap.Logger) error {
	m, db, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	defer closeMigrator(m, logger)

	err = m.Up()
	if err == migrate.ErrNoChange {
		logger.Info("No migrations to apply (system database up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("Applied system database migrations", zap.Uint("version", newVersion))
	return nil
}

// RollbackMigration reverts the most recent system database migration.
func RollbackMigration(dsn string, logger *zap.Logger) error {
	m, db, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	defer closeMigrator(m, logger)

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("Rolled back one migration", zap.Uint("version", newVersion))
	return nil
}

func closeMigrator(m *migrate.Migrate, logger *zap.Logger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logger.Warn("Failed to close migration source", zap.Error(srcErr))
	}
	if dbErr != nil {
		logger.Warn("Failed to close migration database", zap.Error(dbErr))
	}
}
