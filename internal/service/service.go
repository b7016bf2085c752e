// Package service wires the catalog, vector store, embedder set, indexing
// queue, watcher, reconciler, registry, generator, retrieval pipeline, and
// feedback updater into one runnable process (§4's end-to-end assembly).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/UIC-InDeXLab/Needle/internal/catalog"
	"github.com/UIC-InDeXLab/Needle/internal/config"
	"github.com/UIC-InDeXLab/Needle/internal/embed"
	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
	"github.com/UIC-InDeXLab/Needle/internal/feedback"
	"github.com/UIC-InDeXLab/Needle/internal/generator"
	"github.com/UIC-InDeXLab/Needle/internal/indexer"
	"github.com/UIC-InDeXLab/Needle/internal/queue"
	"github.com/UIC-InDeXLab/Needle/internal/reconciler"
	"github.com/UIC-InDeXLab/Needle/internal/registry"
	"github.com/UIC-InDeXLab/Needle/internal/retrieval"
	"github.com/UIC-InDeXLab/Needle/internal/scanner"
	"github.com/UIC-InDeXLab/Needle/internal/vectorstore"
	"github.com/UIC-InDeXLab/Needle/internal/watcher"
)

// lockFileName is the process-wide indexing lock acquired under
// Config.DataDir, preventing two needle processes from racing on the
// same catalog and vector store files.
const lockFileName = "indexing.lock"

// Service owns every long-lived collaborator and coordinates their
// startup and shutdown order.
type Service struct {
	cfg *config.Config

	lock *flock.Flock

	Catalog   *catalog.Store
	Vectors   *vectorstore.Set
	Embedders *embed.Set
	Registry  *registry.Registry
	Generator *generator.Client
	Pipeline  *retrieval.Pipeline
	Feedback  *feedback.Updater

	scanner    *scanner.Scanner
	queue      *queue.Queue
	pool       *queue.Pool
	reactor    *watcher.Reactor
	reconciler *reconciler.Reconciler

	cancelReconciler context.CancelFunc
}

// New constructs every collaborator in dependency order but starts
// nothing; call Start to begin background work.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	store, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	vectors := vectorstore.NewSet(cfg.DataDir)

	embedders := make([]embed.Embedder, 0, len(cfg.Embedders))
	for _, e := range cfg.Embedders {
		rpcCfg := embed.DefaultRPCConfig(e.Name, e.Endpoint)
		rpcCfg.ModelName = e.ModelName
		rpcCfg.Dimensions = e.Dimensions
		emb, err := embed.NewRPCEmbedder(ctx, rpcCfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("construct embedder %q: %w", e.Name, err)
		}
		embedders = append(embedders, emb)
	}

	embedderSet, err := embed.NewSet(ctx, embedders, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("construct embedder set: %w", err)
	}

	reg := registry.New()

	genEngines := make([]generator.Engine, 0, len(cfg.Generator.Engines))
	for _, e := range cfg.Generator.Engines {
		genEngines = append(genEngines, generator.Engine{Name: e.Name, Params: e.Params})
	}
	genClient := generator.New(generator.Config{
		Endpoint:        cfg.Generator.Endpoint,
		Timeout:         cfg.Generator.Timeout,
		Engines:         genEngines,
		NumEnginesToUse: cfg.Retrieval.NumEnginesToUse,
	})

	pipeline := retrieval.New(store, embedderSet, vectors, reg, genClient.AsGenerateFunc())
	fb := feedback.New(embedderSet, reg)

	idx := indexer.New(store, vectors, embedderSet, cfg.Directories.BatchSize)
	q := queue.New()
	pool := queue.NewPool(q, idx.IndexDirectory, cfg.Directories.NumWatcherWorkers)

	reactor, err := watcher.NewReactor(store, vectors, q, watcher.Options{})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("construct watcher: %w", err)
	}

	rc := reconciler.New(store, vectors, embedderSet, q, reconciler.Options{
		Interval:  time.Duration(cfg.Reconciler.IntervalSeconds) * time.Second,
		Recursive: cfg.Directories.Recursive,
	})

	return &Service{
		cfg:        cfg,
		lock:       flock.New(filepath.Join(cfg.DataDir, lockFileName)),
		Catalog:    store,
		Vectors:    vectors,
		Embedders:  embedderSet,
		Registry:   reg,
		Generator:  genClient,
		Pipeline:   pipeline,
		Feedback:   fb,
		scanner:    scanner.New(),
		queue:      q,
		pool:       pool,
		reactor:    reactor,
		reconciler: rc,
	}, nil
}

// Start acquires the indexing lock and begins the worker pool, watcher,
// and reconciler. Returns an error without starting anything if another
// process already holds the lock.
func (s *Service) Start(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire indexing lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("indexing lock %s is held by another process", s.lock.Path())
	}

	s.pool.Start(ctx)
	s.reactor.Start(ctx)

	reconcileCtx, cancel := context.WithCancel(ctx)
	s.cancelReconciler = cancel
	go s.reconciler.Run(reconcileCtx)

	go func() {
		for err := range s.reactor.Errors() {
			slog.Error("watcher_error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("service_started", slog.String("data_dir", s.cfg.DataDir))
	return nil
}

// Stop shuts every component down in reverse dependency order and
// releases the indexing lock.
func (s *Service) Stop() error {
	if s.cancelReconciler != nil {
		s.cancelReconciler()
	}
	if err := s.reactor.Stop(); err != nil {
		slog.Warn("watcher_stop_failed", slog.String("error", err.Error()))
	}
	s.pool.Stop()

	if err := s.Embedders.Close(); err != nil {
		slog.Warn("embedders_close_failed", slog.String("error", err.Error()))
	}
	if err := s.Vectors.SaveAll(); err != nil {
		slog.Warn("vectors_save_failed", slog.String("error", err.Error()))
	}
	if err := s.Vectors.CloseAll(); err != nil {
		slog.Warn("vectors_close_failed", slog.String("error", err.Error()))
	}
	if err := s.Catalog.Close(); err != nil {
		slog.Warn("catalog_close_failed", slog.String("error", err.Error()))
	}

	if s.lock.Locked() {
		if err := s.lock.Unlock(); err != nil {
			return fmt.Errorf("release indexing lock: %w", err)
		}
	}
	return nil
}

// AddDirectory registers path for indexing and watching: it creates the
// catalog row (idempotent if already present), performs an initial scan,
// records discovered images, enqueues the directory for indexing, and
// starts watching it for subsequent changes (§4.4, §4.7).
func (s *Service) AddDirectory(ctx context.Context, path string) (*catalog.Directory, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve directory path: %w", err)
	}

	dir, err := s.Catalog.GetDirectoryByPath(ctx, abs)
	if err != nil {
		if _, ok := err.(catalog.ErrNotFound); !ok {
			return nil, fmt.Errorf("look up directory: %w", err)
		}
		dir, err = s.Catalog.CreateDirectory(ctx, abs)
		if err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	results, err := s.scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:        abs,
		Recursive:      s.cfg.Directories.Recursive,
		FollowSymlinks: s.cfg.Directories.FollowSymlinks,
		MaxFileBytes:   s.cfg.Directories.MaxFileBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}

	var paths []string
	for r := range results {
		if r.Error != nil {
			slog.Warn("directory_scan_error", slog.String("path", abs), slog.String("error", r.Error.Error()))
			continue
		}
		paths = append(paths, r.File.AbsPath)
	}

	if _, err := s.Catalog.AddImages(ctx, dir.ID, paths); err != nil {
		return nil, fmt.Errorf("record discovered images: %w", err)
	}

	if err := s.queue.Enqueue(ctx, dir.ID, abs, 0); err != nil {
		return nil, fmt.Errorf("enqueue directory: %w", err)
	}

	if err := s.reactor.Watch(abs); err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	return dir, nil
}

// RemoveDirectory stops watching path and deletes its catalog and vector
// store entries.
func (s *Service) RemoveDirectory(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve directory path: %w", err)
	}
	dir, err := s.Catalog.GetDirectoryByPath(ctx, abs)
	if err != nil {
		if _, ok := err.(catalog.ErrNotFound); ok {
			return needleerrors.NotFoundError(needleerrors.ErrCodeDirectoryNotFound,
				fmt.Sprintf("directory %q is not registered", abs))
		}
		return fmt.Errorf("look up directory: %w", err)
	}
	if err := s.reactor.Unwatch(abs); err != nil {
		slog.Warn("unwatch_failed", slog.String("path", abs), slog.String("error", err.Error()))
	}
	for _, name := range s.Vectors.Names() {
		coll, ok := s.Vectors.Get(name)
		if !ok {
			continue
		}
		if _, err := coll.Delete(ctx, func(_ string, directoryID int64) bool {
			return directoryID == dir.ID
		}); err != nil {
			return fmt.Errorf("delete vectors for directory %s/%s: %w", abs, name, err)
		}
	}
	if err := s.Catalog.DeleteDirectory(ctx, dir.ID); err != nil {
		return fmt.Errorf("delete directory: %w", err)
	}
	return nil
}
