// Package db stores load and generation history in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	// pure Go SQLite driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

// ConnectionConfig describes how the history file is opened.
type ConnectionConfig struct {
	Path        string
	BusyTimeout time.Duration
	// WAL lets the history command read while the app is writing.
	WAL bool
	// MaxOpenConns of 1 keeps SQLite to a single writer.
	MaxOpenConns int
}

// DefaultConnectionConfig is one WAL connection with a 5s busy timeout.
func DefaultConnectionConfig(path string) ConnectionConfig {
	return ConnectionConfig{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		WAL:          true,
		MaxOpenConns: 1,
	}
}

// dsn carries the pragmas; modernc applies them to each new connection.
func (c ConnectionConfig) dsn() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	if c.WAL {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + c.Path + "?" + q.Encode()
}

// NewSQLiteConnection opens and pings the database described by config.
func NewSQLiteConnection(config ConnectionConfig) (*sql.DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	conn, err := sql.Open("sqlite", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Path, err)
	}
	if config.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(config.MaxOpenConns)
		conn.SetMaxIdleConns(config.MaxOpenConns)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", config.Path, err)
	}
	return conn, nil
}
