package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SessionBatchSize is the number of sessions written per transaction
const SessionBatchSize = 50

// DB wraps the SQLite database connection
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens a connection to the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		conn:   conn,
		logger: slog.Default().With("component", "database"),
	}, nil
}

// Init creates all tables and indexes. It is safe to run repeatedly.
func (db *DB) Init(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Health checks if the database connection is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
