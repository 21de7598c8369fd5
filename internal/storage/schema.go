package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed schema
var schemaFS embed.FS

// applySchema brings the postgres database up to the current schema.
// Already-applied versions are a no-op.
func applySchema(db *sql.DB) error {
	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("schema driver: %w", err)
	}
	source, err := iofs.New(schemaFS, "schema")
	if err != nil {
		return fmt.Errorf("schema source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("schema migrator: %w", err)
	}
	upErr := m.Up()
	srcErr, dbErr := m.Close()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply schema: %w", upErr)
	}
	return errors.Join(srcErr, dbErr)
}
