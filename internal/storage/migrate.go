package storage

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver registration
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationFiles lists the embedded migration file names.
func MigrationFiles() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// RunMigrations applies all pending up migrations to the database at
// databaseURL. The URL must use the postgres:// or postgresql:// scheme.
func RunMigrations(databaseURL string, logger *zap.Logger) error {
	if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
		return fmt.Errorf("storage: migrate requires a postgres:// URL")
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("storage: init migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("closing migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("closing migration database", zap.Error(dbErr))
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		version, _, _ := m.Version()
		logger.Info("no new migrations to apply", zap.Uint("version", version))
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		logger.Warn("could not determine migration version", zap.Error(err))
		return nil
	}
	if dirty {
		return fmt.Errorf("storage: migration version %d is dirty", version)
	}
	logger.Info("database migrations applied", zap.Uint("version", version))
	return nil
}
