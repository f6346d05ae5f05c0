package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("db: database is closed")

// Database owns the history connection.
//
//	d, err := db.Open("picgo.db")
//	if err != nil {
//	    return err
//	}
//	defer d.Close()
type Database struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open creates the parent directory if needed, applies pending migrations
// and opens the connection.
func Open(path string) (*Database, error) {
	return OpenWithConfig(DefaultConnectionConfig(path))
}

// OpenWithConfig is Open with explicit connection settings.
func OpenWithConfig(config ConnectionConfig) (*Database, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(config.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	// golang-migrate closes the connection it is given, so migrations run
	// on their own connection first.
	if err := MigrateUp(config.Path); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	conn, err := NewSQLiteConnection(config)
	if err != nil {
		return nil, err
	}
	return &Database{db: conn, path: config.Path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Close closes the connection. Safe to call twice.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return d.db.PingContext(ctx)
}

func (d *Database) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db.ExecContext(ctx, query, args...)
}

func (d *Database) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db.QueryContext(ctx, query, args...)
}

func (d *Database) queryRow(ctx context.Context, dest []any, query string, args ...any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return d.db.QueryRowContext(ctx, query, args...).Scan(dest...)
}
