// Package db provides the on-device SQLite store for local records and the
// sync queue.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "wellnest.db"

// DB wraps the sql.DB with Wellnest-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single connection, since SQLite has a single writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db, err := configure(sqlDB, true)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a private in-memory database with the full schema. It is
// used by tests and by the CLI's --ephemeral mode.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db, err := configure(sqlDB, false)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func configure(sqlDB *sql.DB, wal bool) (*DB, error) {
	// Every in-memory connection is its own database, and SQLite only
	// supports one writer anyway.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if wal {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrator := NewMigrator(sqlDB, Migrations())
	if err := migrator.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
