// Package reconciler implements the Consistency Reconciler (C8): a
// periodic three-way reconciliation between the filesystem, the catalog,
// and every embedder's vector collection.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/UIC-InDeXLab/Needle/internal/catalog"
	"github.com/UIC-InDeXLab/Needle/internal/scanner"
	"github.com/UIC-InDeXLab/Needle/internal/vectorstore"
)

// DefaultInterval mirrors §4.8's design default.
const DefaultInterval = 1800 * time.Second

// Catalog is the subset of catalog.Store the reconciler needs.
type Catalog interface {
	ListDirectories(ctx context.Context) ([]*catalog.Directory, error)
	DeleteDirectory(ctx context.Context, id int64) error
	ListImagesByDirectory(ctx context.Context, directoryID int64) ([]*catalog.Image, error)
	AddImages(ctx context.Context, directoryID int64, paths []string) (int, error)
	DeleteImagesByPaths(ctx context.Context, paths []string) error
	SetImageIndexed(ctx context.Context, path string, indexed bool) error
	MarkDirectoryIndexed(ctx context.Context, id int64, indexed bool) error
}

// VectorSet exposes the embedder collections the reconciler must scan
// for orphaned or missing vectors, without requiring one to exist yet.
type VectorSet interface {
	Get(name string) (vectorstore.Collection, bool)
}

// Embedders names every configured embedder, so an embedder whose
// collection has never been created (because nothing has been embedded
// yet) is still accounted for.
type Embedders interface {
	Names() []string
}

// Enqueuer schedules a directory for (re-)indexing, satisfied by the
// indexing queue (C5).
type Enqueuer interface {
	Enqueue(ctx context.Context, directoryID int64, directoryPath string, priority int) error
}

const reconcilePriority = 5

// Options configures a Reconciler run.
type Options struct {
	Interval  time.Duration
	Recursive bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Reconciler is the Consistency Reconciler (C8). It is the only
// component besides the watcher (C7) authorized to reset
// directory.is_indexed: on drift it marks the affected images unindexed,
// clears the directory's flag explicitly, and re-enqueues the directory
// so C6 re-marks it once it catches up.
type Reconciler struct {
	catalog   Catalog
	vectors   VectorSet
	embedders Embedders
	queue     Enqueuer
	scanner   *scanner.Scanner
	opts      Options
}

// New constructs a Reconciler.
func New(catalog Catalog, vectors VectorSet, embedders Embedders, queue Enqueuer, opts Options) *Reconciler {
	return &Reconciler{
		catalog:   catalog,
		vectors:   vectors,
		embedders: embedders,
		queue:     queue,
		scanner:   scanner.New(),
		opts:      opts.withDefaults(),
	}
}

// Run blocks, reconciling every Options.Interval until ctx is cancelled.
func (rc *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rc.ReconcileAll(ctx); err != nil {
				slog.Error("reconciler_pass_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReconcileAll reconciles every registered directory once.
func (rc *Reconciler) ReconcileAll(ctx context.Context) error {
	dirs, err := rc.catalog.ListDirectories(ctx)
	if err != nil {
		return fmt.Errorf("list directories: %w", err)
	}
	for _, d := range dirs {
		if err := rc.reconcileDirectory(ctx, d); err != nil {
			slog.Error("reconciler_directory_failed",
				slog.String("directory", d.Path), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (rc *Reconciler) reconcileDirectory(ctx context.Context, d *catalog.Directory) error {
	if _, err := os.Stat(d.Path); os.IsNotExist(err) {
		slog.Info("reconciler_directory_vanished", slog.String("directory", d.Path))
		return rc.deleteVanishedDirectory(ctx, d)
	}

	fs, err := rc.scanFS(ctx, d.Path)
	if err != nil {
		return fmt.Errorf("scan %s: %w", d.Path, err)
	}

	dbImages, err := rc.catalog.ListImagesByDirectory(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("list images for %s: %w", d.Path, err)
	}
	db := make(map[string]bool, len(dbImages))
	dbIndexed := make(map[string]bool, len(dbImages))
	for _, img := range dbImages {
		db[img.Path] = true
		if img.IsIndexed {
			dbIndexed[img.Path] = true
		}
	}

	var toAdd []string
	for p := range fs {
		if !db[p] {
			toAdd = append(toAdd, p)
		}
	}
	if len(toAdd) > 0 {
		if _, err := rc.catalog.AddImages(ctx, d.ID, toAdd); err != nil {
			return fmt.Errorf("add fs-only images for %s: %w", d.Path, err)
		}
		slog.Info("reconciler_added_missing_rows", slog.String("directory", d.Path), slog.Int("count", len(toAdd)))
	}

	var toDelete []string
	for p := range db {
		if !fs[p] {
			toDelete = append(toDelete, p)
		}
	}
	if len(toDelete) > 0 {
		if err := rc.deletePaths(ctx, d.ID, toDelete); err != nil {
			return fmt.Errorf("delete fs-missing images for %s: %w", d.Path, err)
		}
		slog.Info("reconciler_deleted_stale_rows", slog.String("directory", d.Path), slog.Int("count", len(toDelete)))
	}

	needsReindex := false
	for _, name := range rc.embedders.Names() {
		coll, ok := rc.vectors.Get(name)
		if !ok {
			continue
		}

		vePaths, err := rc.collectionPaths(ctx, coll, d.ID)
		if err != nil {
			return fmt.Errorf("collect vectors for %s/%s: %w", d.Path, name, err)
		}

		var missing []string
		for p := range dbIndexed {
			if !vePaths[p] {
				missing = append(missing, p)
			}
		}
		for _, p := range missing {
			if err := rc.catalog.SetImageIndexed(ctx, p, false); err != nil {
				return fmt.Errorf("mark unindexed %s: %w", p, err)
			}
			needsReindex = true
		}
		if len(missing) > 0 {
			slog.Info("reconciler_missing_vectors",
				slog.String("directory", d.Path), slog.String("embedder", name), slog.Int("count", len(missing)))
		}

		var orphanCount int
		n, err := coll.Delete(ctx, func(imagePath string, directoryID int64) bool {
			if directoryID != d.ID {
				return false
			}
			if db[imagePath] {
				return false
			}
			orphanCount++
			return true
		})
		if err != nil {
			return fmt.Errorf("delete orphan vectors for %s/%s: %w", d.Path, name, err)
		}
		if n > 0 {
			slog.Info("reconciler_deleted_orphan_vectors",
				slog.String("directory", d.Path), slog.String("embedder", name), slog.Int("count", n))
		}
	}

	if needsReindex || len(toAdd) > 0 {
		// Drift was detected: is_indexed must go back to false until the
		// re-enqueued batch actually completes, per §4.8/§3's invariant
		// that the reconciler is the only authority allowed to reset it
		// outside of the watcher.
		if err := rc.catalog.MarkDirectoryIndexed(ctx, d.ID, false); err != nil {
			return fmt.Errorf("mark directory unindexed for %s: %w", d.Path, err)
		}
		if err := rc.queue.Enqueue(ctx, d.ID, d.Path, reconcilePriority); err != nil {
			return fmt.Errorf("enqueue reindex for %s: %w", d.Path, err)
		}
	}
	return nil
}

func (rc *Reconciler) deleteVanishedDirectory(ctx context.Context, d *catalog.Directory) error {
	for _, name := range rc.embedders.Names() {
		coll, ok := rc.vectors.Get(name)
		if !ok {
			continue
		}
		if _, err := coll.Delete(ctx, func(_ string, directoryID int64) bool {
			return directoryID == d.ID
		}); err != nil {
			return fmt.Errorf("delete vectors for vanished directory %s/%s: %w", d.Path, name, err)
		}
	}
	return rc.catalog.DeleteDirectory(ctx, d.ID)
}

func (rc *Reconciler) deletePaths(ctx context.Context, directoryID int64, paths []string) error {
	stale := make(map[string]bool, len(paths))
	for _, p := range paths {
		stale[p] = true
	}
	for _, name := range rc.embedders.Names() {
		coll, ok := rc.vectors.Get(name)
		if !ok {
			continue
		}
		if _, err := coll.Delete(ctx, func(imagePath string, dirID int64) bool {
			return dirID == directoryID && stale[imagePath]
		}); err != nil {
			return fmt.Errorf("delete vectors for %s: %w", name, err)
		}
	}
	return rc.catalog.DeleteImagesByPaths(ctx, paths)
}

func (rc *Reconciler) collectionPaths(ctx context.Context, coll vectorstore.Collection, directoryID int64) (map[string]bool, error) {
	paths := make(map[string]bool)
	err := coll.Iterate(ctx, func(p string, dirID int64) bool {
		return dirID == directoryID
	}, 256, func(entries []vectorstore.Entry) error {
		for _, e := range entries {
			paths[e.ImagePath] = true
		}
		return nil
	})
	return paths, err
}

func (rc *Reconciler) scanFS(ctx context.Context, root string) (map[string]bool, error) {
	results, err := rc.scanner.Scan(ctx, &scanner.ScanOptions{RootDir: root, Recursive: rc.opts.Recursive})
	if err != nil {
		return nil, err
	}
	fs := make(map[string]bool)
	for r := range results {
		if r.Error != nil {
			return nil, r.Error
		}
		fs[r.File.AbsPath] = true
	}
	return fs, nil
}
