// Package indexer implements the Directory Indexer (C6): batch embedding
// of a directory's unindexed images across every embedder.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/UIC-InDeXLab/Needle/internal/catalog"
	"github.com/UIC-InDeXLab/Needle/internal/embed"
	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
	"github.com/UIC-InDeXLab/Needle/internal/vectorstore"
)

// DefaultBatchSize mirrors §4.6's design default.
const DefaultBatchSize = 50

// Catalog is the subset of catalog.Store the indexer needs.
type Catalog interface {
	ListUnindexed(ctx context.Context, directoryID int64) ([]*catalog.Image, error)
	MarkImagesIndexed(ctx context.Context, paths []string) error
	MarkDirectoryIndexed(ctx context.Context, id int64, indexed bool) error
}

// Vectors is the subset of vectorstore.Set the indexer needs: one
// collection per embedder, created lazily at its native dimensionality.
type Vectors interface {
	EnsureCollection(name string, cfg vectorstore.Config) (vectorstore.Collection, error)
}

// Indexer runs the batch indexing procedure of §4.6 against a fixed set
// of embedders.
type Indexer struct {
	catalog   Catalog
	vectors   Vectors
	embedders *embed.Set
	batchSize int
}

// New constructs an Indexer. batchSize <= 0 falls back to DefaultBatchSize.
func New(catalog Catalog, vectors Vectors, embedders *embed.Set, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Indexer{catalog: catalog, vectors: vectors, embedders: embedders, batchSize: batchSize}
}

// IndexDirectory lists directoryID's unindexed images, embeds them in
// batches across every embedder, and marks the directory fully indexed
// once none remain. This is the Handler invoked by the C5 worker pool.
func (ix *Indexer) IndexDirectory(ctx context.Context, directoryID int64, directoryPath string) error {
	images, err := ix.catalog.ListUnindexed(ctx, directoryID)
	if err != nil {
		return fmt.Errorf("list unindexed images for %s: %w", directoryPath, err)
	}
	if len(images) == 0 {
		slog.Debug("indexer_nothing_to_do", slog.String("directory", directoryPath))
		return ix.catalog.MarkDirectoryIndexed(ctx, directoryID, true)
	}

	slog.Info("indexer_started",
		slog.String("directory", directoryPath),
		slog.Int("unindexed_count", len(images)))

	for start := 0; start < len(images); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(images) {
			end = len(images)
		}
		if err := ix.indexBatch(ctx, directoryID, images[start:end], start/ix.batchSize, end == len(images)); err != nil {
			return fmt.Errorf("index batch [%d:%d) of %s: %w", start, end, directoryPath, err)
		}
	}

	remaining, err := ix.catalog.ListUnindexed(ctx, directoryID)
	if err != nil {
		return fmt.Errorf("recheck unindexed images for %s: %w", directoryPath, err)
	}
	if len(remaining) == 0 {
		if err := ix.catalog.MarkDirectoryIndexed(ctx, directoryID, true); err != nil {
			return fmt.Errorf("mark directory indexed %s: %w", directoryPath, err)
		}
		slog.Info("indexer_completed", slog.String("directory", directoryPath))
	}
	return nil
}

// indexBatch embeds one batch of images across every embedder and
// commits the results atomically: per-batch ANN insert failures abort
// the batch (leaving its images unindexed for the next pass to retry);
// per-image load or embed failures are isolated to that image.
func (ix *Indexer) indexBatch(ctx context.Context, directoryID int64, images []*catalog.Image, batchIndex int, finalBatch bool) error {
	bytesByPath := make(map[string][]byte, len(images))
	for _, img := range images {
		data, err := os.ReadFile(img.Path)
		if err != nil {
			slog.Warn("indexer_image_unreadable",
				slog.String("path", img.Path), slog.String("error", err.Error()))
			data = nil // embedders substitute a zero vector for empty bytes (§4.6.a)
		}
		bytesByPath[img.Path] = data
	}

	embedders := ix.embedders.List()
	for _, e := range embedders {
		e.SetBatchIndex(batchIndex)
		e.SetFinalBatch(finalBatch)
	}

	succeeded := make(map[string]bool, len(images))
	for _, img := range images {
		succeeded[img.Path] = true
	}

	for _, e := range embedders {
		entries := make([]vectorstore.Entry, 0, len(images))
		for _, img := range images {
			vec, err := e.Embed(ctx, bytesByPath[img.Path])
			if err != nil {
				slog.Error("indexer_embed_failed",
					slog.String("path", img.Path),
					slog.String("embedder", e.Name()),
					slog.String("error", err.Error()))
				succeeded[img.Path] = false
				continue
			}
			entries = append(entries, vectorstore.Entry{
				DirectoryID: directoryID,
				ImagePath:   img.Path,
				Embedding:   vec,
			})
		}
		if len(entries) == 0 {
			continue
		}

		coll, err := ix.vectors.EnsureCollection(e.Name(), vectorstore.DefaultConfig(e.Dimensions()))
		if err != nil {
			return fmt.Errorf("ensure collection %q: %w", e.Name(), err)
		}
		if err := coll.Insert(ctx, entries); err != nil {
			return needleerrors.New(needleerrors.ErrCodeIndexFailed,
				fmt.Sprintf("insert batch into collection %q", e.Name()), err)
		}
	}

	indexedPaths := make([]string, 0, len(images))
	for _, img := range images {
		if succeeded[img.Path] {
			indexedPaths = append(indexedPaths, img.Path)
		}
	}
	if len(indexedPaths) == 0 {
		return nil
	}
	return ix.catalog.MarkImagesIndexed(ctx, indexedPaths)
}
