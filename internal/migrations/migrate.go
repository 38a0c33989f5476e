package migrations

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const migrationsTable = "schema_migrations_arena"

// Run applies every pending migration from source (for example
// "file://migrations") against db. A dirty database is reported, never forced.
func Run(db *sqlx.DB, source string, log *zap.Logger) error {
	if source == "" {
		return errors.New("migrations source is empty")
	}

	driver, err := pg.WithInstance(db.DB, &pg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	before, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; fix it by hand before starting", before)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema up to date", zap.Uint("version", before))
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}

	after, _, _ := m.Version()
	log.Info("migrations applied", zap.Uint("from", before), zap.Uint("to", after))
	return nil
}
