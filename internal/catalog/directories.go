package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateDirectory registers a new directory, enabled and unindexed.
func (s *Store) CreateDirectory(ctx context.Context, path string) (*Directory, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO directories (path, is_indexed, is_enabled) VALUES (?, 0, 1)`, path)
	if err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return &Directory{ID: id, Path: path, IsIndexed: false, IsEnabled: true}, nil
}

// GetDirectoryByPath returns the directory registered at path, or
// ErrNotFound if none exists.
func (s *Store) GetDirectoryByPath(ctx context.Context, path string) (*Directory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, is_indexed, is_enabled FROM directories WHERE path = ?`, path)
	return scanDirectory(row, path)
}

// GetDirectory returns the directory by id.
func (s *Store) GetDirectory(ctx context.Context, id int64) (*Directory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, is_indexed, is_enabled FROM directories WHERE id = ?`, id)
	return scanDirectory(row, fmt.Sprintf("id=%d", id))
}

func scanDirectory(row *sql.Row, key string) (*Directory, error) {
	var d Directory
	if err := row.Scan(&d.ID, &d.Path, &d.IsIndexed, &d.IsEnabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound{Kind: "directory", Key: key}
		}
		return nil, fmt.Errorf("get directory: %w", err)
	}
	return &d, nil
}

// ListDirectories returns every registered directory.
func (s *Store) ListDirectories(ctx context.Context) ([]*Directory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, is_indexed, is_enabled FROM directories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	defer rows.Close()

	var dirs []*Directory
	for rows.Next() {
		var d Directory
		if err := rows.Scan(&d.ID, &d.Path, &d.IsIndexed, &d.IsEnabled); err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		dirs = append(dirs, &d)
	}
	return dirs, rows.Err()
}

// ListEnabledIndexedDirectoryIDs returns the ids of directories that are
// both is_indexed and is_enabled — the search-eligible set D* of §4.10.
func (s *Store) ListEnabledIndexedDirectoryIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM directories WHERE is_indexed = 1 AND is_enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("list enabled indexed directories: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan directory id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteDirectory removes a directory and, via foreign-key cascade, all of
// its images.
func (s *Store) DeleteDirectory(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM directories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete directory: %w", err)
	}
	return nil
}

// SetDirectoryEnabled toggles whether a directory participates in search.
func (s *Store) SetDirectoryEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE directories SET is_enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("set directory enabled: %w", err)
	}
	return nil
}

// MarkDirectoryIndexed sets or clears a directory's is_indexed flag. The
// reconciler (C8) is the only caller allowed to clear it outside of normal
// indexing completion (§4.8).
func (s *Store) MarkDirectoryIndexed(ctx context.Context, id int64, indexed bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE directories SET is_indexed = ? WHERE id = ?`, indexed, id)
	if err != nil {
		return fmt.Errorf("mark directory indexed: %w", err)
	}
	return nil
}
