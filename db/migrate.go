package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrator builds a migrator over the embedded migrations. The migrator
// takes ownership of conn; closing it closes conn.
func newMigrator(conn *sql.DB) (*migrate.Migrate, error) {
	if conn == nil {
		return nil, errors.New("database connection is required")
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(conn, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// MigrateUp applies pending migrations to the database at path. It uses
// its own connection.
func MigrateUp(path string) error {
	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		return err
	}
	m, err := newMigrator(conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back steps migrations, or all of them when steps is -1.
func MigrateDown(path string, steps int) error {
	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		return err
	}
	m, err := newMigrator(conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer m.Close()

	if steps == -1 {
		err = m.Down()
	} else {
		err = m.Steps(-steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied version and dirty flag. A database
// without migrations reports version 0.
func MigrationVersion(path string) (uint, bool, error) {
	conn, err := NewSQLiteConnection(DefaultConnectionConfig(path))
	if err != nil {
		return 0, false, err
	}
	m, err := newMigrator(conn)
	if err != nil {
		conn.Close()
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}
