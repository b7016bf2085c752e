package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
)

// Scanner discovers image files in a directory tree (C4).
type Scanner struct{}

// New creates a new Scanner instance.
func New() *Scanner {
	return &Scanner{}
}

// Scan discovers every image file under opts.RootDir, streaming results on
// the returned channel as they are found. The channel is closed when the
// scan completes. Symlinked subdirectories are skipped unless
// opts.FollowSymlinks is set. Unreadable entries are skipped with a
// logged warning rather than failing the scan (§4.4).
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (<-chan ScanResult, error) {
	if opts == nil || opts.RootDir == "" {
		return nil, needleerrors.New(needleerrors.ErrCodeInvalidPath, "scan requires a root directory", nil)
	}

	absRoot, err := filepath.Abs(opts.RootDir)
	if err != nil {
		return nil, needleerrors.New(needleerrors.ErrCodeInvalidPath, "resolve absolute path", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsPermission(err) {
			return nil, needleerrors.New(needleerrors.ErrCodeFilePermission, "stat root directory", err)
		}
		return nil, needleerrors.New(needleerrors.ErrCodeInvalidPath, "stat root directory", err)
	}
	if !info.IsDir() {
		return nil, needleerrors.New(needleerrors.ErrCodeInvalidPath,
			fmt.Sprintf("root path is not a directory: %s", absRoot), nil)
	}

	results := make(chan ScanResult, 64)
	go func() {
		defer close(results)
		s.walk(ctx, absRoot, opts, results)
	}()
	return results, nil
}

func (s *Scanner) walk(ctx context.Context, absRoot string, opts *ScanOptions, results chan<- ScanResult) {
	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			slog.Warn("scan_entry_unreadable", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == absRoot {
				return nil
			}
			if !opts.Recursive {
				return filepath.SkipDir
			}
			if s.isSymlink(path) && !opts.FollowSymlinks {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if !opts.FollowSymlinks {
				return nil
			}
			// WalkDir does not descend into symlinks; walk a linked
			// directory through its own path so results keep that prefix.
			if target, statErr := os.Stat(path); statErr == nil && target.IsDir() {
				if opts.Recursive {
					s.walk(ctx, path+string(filepath.Separator), opts, results)
				}
				return nil
			}
		}

		if !hasImageExtension(path) {
			return nil
		}

		fi, statErr := d.Info()
		if statErr != nil {
			code := needleerrors.ErrCodeFileNotFound
			if os.IsPermission(statErr) {
				code = needleerrors.ErrCodeFilePermission
			}
			warnErr := needleerrors.New(code, "scan_file_unreadable", statErr)
			slog.Warn("scan_file_unreadable", slog.String("path", path), slog.String("error", warnErr.Error()))
			return nil
		}
		if opts.MaxFileBytes > 0 && fi.Size() > opts.MaxFileBytes {
			warnErr := needleerrors.New(needleerrors.ErrCodeFileTooLarge,
				fmt.Sprintf("file exceeds %d bytes", opts.MaxFileBytes), nil)
			slog.Warn("scan_file_too_large", slog.String("path", path), slog.Int64("size", fi.Size()), slog.String("error", warnErr.Error()))
			return nil
		}

		select {
		case results <- ScanResult{File: &FileInfo{AbsPath: path}}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		select {
		case results <- ScanResult{Error: err}:
		case <-ctx.Done():
		}
	}
}

func (s *Scanner) isSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

func hasImageExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return imageExtensions[ext]
}
