// Package migrations owns the postgres schema shared by both store backends.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	sourceName   = "iofs"
	databaseName = "postgres"
	sqlDir       = "sql"
	pgxDriver    = "pgx"
)

//go:embed sql/*.sql
var files embed.FS

// Source returns the embedded migration files.
func Source() (source.Driver, error) {
	src, err := iofs.New(files, sqlDir)
	if err != nil {
		return nil, fmt.Errorf("iofs source: %w", err)
	}
	return src, nil
}

// Up applies every pending migration to the database at dsn and returns the
// resulting schema version.
func Up(ctx context.Context, dsn string) (uint, error) {
	db, err := sql.Open(pgxDriver, dsn)
	if err != nil {
		return 0, fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("ping db: %w", err)
	}
	return UpWithDB(db)
}

// UpWithDB applies pending migrations over an existing connection.
func UpWithDB(db *sql.DB) (uint, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return 0, fmt.Errorf("init postgres driver: %w", err)
	}
	src, err := Source()
	if err != nil {
		return 0, err
	}
	migrator, err := migrate.NewWithInstance(sourceName, src, databaseName, driver)
	if err != nil {
		return 0, fmt.Errorf("migrate instance: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("migrate version %d is dirty", version)
	}
	return version, nil
}
