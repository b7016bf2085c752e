package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetImageByPath returns the image registered at path, or ErrNotFound.
func (s *Store) GetImageByPath(ctx context.Context, path string) (*Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, directory_id, is_indexed FROM images WHERE path = ?`, path)
	var img Image
	if err := row.Scan(&img.ID, &img.Path, &img.DirectoryID, &img.IsIndexed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound{Kind: "image", Key: path}
		}
		return nil, fmt.Errorf("get image: %w", err)
	}
	return &img, nil
}

// AddImages inserts unindexed rows for paths under directoryID, skipping
// any path already present. Returns the number of rows actually inserted.
func (s *Store) AddImages(ctx context.Context, directoryID int64, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("add images: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO images (path, directory_id, is_indexed) VALUES (?, ?, 0)`)
	if err != nil {
		return 0, fmt.Errorf("add images: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range paths {
		res, err := stmt.ExecContext(ctx, p, directoryID)
		if err != nil {
			return 0, fmt.Errorf("add image %q: %w", p, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("add image %q: %w", p, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("add images: %w", err)
	}
	return inserted, nil
}

// ListUnindexed returns images under directoryID that have not yet been
// embedded, ordered by id so batches are deterministic.
func (s *Store) ListUnindexed(ctx context.Context, directoryID int64) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, directory_id, is_indexed FROM images
		 WHERE directory_id = ? AND is_indexed = 0 ORDER BY id`, directoryID)
	if err != nil {
		return nil, fmt.Errorf("list unindexed images: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// ListImagesByDirectory returns every image row under directoryID.
func (s *Store) ListImagesByDirectory(ctx context.Context, directoryID int64) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, directory_id, is_indexed FROM images
		 WHERE directory_id = ? ORDER BY id`, directoryID)
	if err != nil {
		return nil, fmt.Errorf("list images by directory: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

func scanImages(rows *sql.Rows) ([]*Image, error) {
	var imgs []*Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.Path, &img.DirectoryID, &img.IsIndexed); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		imgs = append(imgs, &img)
	}
	return imgs, rows.Err()
}

// MarkImagesIndexed flips is_indexed to true for the given paths, in a
// single transaction.
func (s *Store) MarkImagesIndexed(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark images indexed: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE images SET is_indexed = 1 WHERE path = ?`)
	if err != nil {
		return fmt.Errorf("mark images indexed: %w", err)
	}
	defer stmt.Close()

	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("mark image %q indexed: %w", p, err)
		}
	}
	return tx.Commit()
}

// DeleteImagesByPaths removes image rows by path, in a single transaction.
// Used by the watcher (C7) and reconciler (C8) after vector deletion.
func (s *Store) DeleteImagesByPaths(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM images WHERE path = ?`)
	if err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	defer stmt.Close()

	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("delete image %q: %w", p, err)
		}
	}
	return tx.Commit()
}

// DeleteImagesByDirectory removes every image row under directoryID.
func (s *Store) DeleteImagesByDirectory(ctx context.Context, directoryID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE directory_id = ?`, directoryID)
	if err != nil {
		return fmt.Errorf("delete images by directory: %w", err)
	}
	return nil
}

// RenameImage updates an image's path, used when the watcher observes a
// move/rename event (§4.7.d). The image's is_indexed flag is left
// unchanged; the watcher moves its vectors to the new path beforehand.
func (s *Store) RenameImage(ctx context.Context, oldPath, newPath string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE images SET path = ? WHERE path = ?`, newPath, oldPath)
	if err != nil {
		return fmt.Errorf("rename image: %w", err)
	}
	return nil
}

// SetImageIndexed clears or sets a single image's is_indexed flag, used
// when the watcher observes a modification (§4.7.c).
func (s *Store) SetImageIndexed(ctx context.Context, path string, indexed bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE images SET is_indexed = ? WHERE path = ?`, indexed, path)
	if err != nil {
		return fmt.Errorf("set image indexed: %w", err)
	}
	return nil
}
