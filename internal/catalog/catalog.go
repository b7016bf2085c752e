// Package catalog implements the durable relational metadata store (C1):
// directories, images, and persisted embedder fusion weights.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

// Directory is a registered folder tracked by the catalog.
type Directory struct {
	ID         int64
	Path       string
	IsIndexed  bool
	IsEnabled  bool
}

// Image is a file discovered under some Directory.
type Image struct {
	ID          int64
	Path        string
	DirectoryID int64
	IsIndexed   bool
}

// ErrNotFound is returned when a lookup finds no matching row.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// Store is the Catalog Store (C1). One Store per process, backed by a
// single SQLite database file in WAL mode for concurrent access.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the catalog database at path. An empty path
// opens an in-memory database, useful for tests.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
		if err := validateIntegrity(path); err != nil {
			slog.Warn("catalog_db_corrupted", slog.String("path", path), slog.String("error", err.Error()))
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("catalog corrupted at %s and cannot remove: %w (original error: %v)", path, rmErr, err)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("catalog_db_cleared", slog.String("path", path), slog.String("reason", "corruption detected, reindex required"))
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY under the WAL-mode + pure-Go driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}
	return s, nil
}

func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS directories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT UNIQUE NOT NULL,
			is_indexed BOOLEAN NOT NULL DEFAULT 0,
			is_enabled BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT UNIQUE NOT NULL,
			directory_id INTEGER NOT NULL REFERENCES directories(id) ON DELETE CASCADE,
			is_indexed BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_directory_id ON images(directory_id)`,
		`CREATE INDEX IF NOT EXISTS idx_images_is_indexed ON images(is_indexed)`,
		`CREATE TABLE IF NOT EXISTS embedder_weights (
			name TEXT PRIMARY KEY,
			weight REAL NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
