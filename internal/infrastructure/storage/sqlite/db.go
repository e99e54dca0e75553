// Package sqlite implements the client-side store on an embedded SQLite
// database: watched table access, the change log, and engine state.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration.
type Config struct {
	// Path is the database file path. ":memory:" opens a private in-memory
	// database.
	Path string

	// BusyTimeout bounds how long a statement waits on a locked database
	// before failing with SQLITE_BUSY.
	BusyTimeout time.Duration
}

// DefaultConfig returns sensible defaults for a client database.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 5 * time.Second,
	}
}

// DB wraps sql.DB opened with the settings sync depends on: WAL journaling,
// immediate write transactions, and a single connection so row writes and
// change-log appends share one serialized view of the database.
type DB struct {
	*sql.DB
}

// Open opens the database at cfg.Path, creating it when absent.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db}, nil
}

func dsn(cfg Config) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	return fmt.Sprintf("file:%s?%s", cfg.Path, params.Encode())
}
