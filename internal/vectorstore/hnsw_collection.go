package vectorstore

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/coder/hnsw"

	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
)

// wrapDiskErr distinguishes an out-of-space write from a generic I/O
// failure so callers persisting a collection can tell a transient disk
// issue from index corruption.
func wrapDiskErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return needleerrors.New(needleerrors.ErrCodeDiskFull, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// HNSWCollection implements Collection using coder/hnsw, a pure-Go HNSW
// graph (no CGO). Deletion is lazy: a deleted key is dropped from the
// id mappings but left as an orphan node in the graph, which avoids a
// known issue in coder/hnsw when the last remaining node is deleted
// outright. Orphans are never compacted: Save exports the whole graph,
// orphans included, Load imports it as saved, and Search skips them.
type HNSWCollection struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	cfg   Config

	pathToKey map[string]uint64
	keyToPath map[uint64]string
	dirOf     map[uint64]int64
	vecOf     map[uint64][]float32
	nextKey   uint64

	closed bool
}

type hnswMetadata struct {
	PathToKey map[string]uint64
	DirOf     map[uint64]int64
	VecOf     map[uint64][]float32
	NextKey   uint64
	Config    Config
}

// NewHNSWCollection creates an empty collection with the given config.
func NewHNSWCollection(cfg Config) *HNSWCollection {
	if cfg.M == 0 {
		cfg.M = 48
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWCollection{
		graph:     graph,
		cfg:       cfg,
		pathToKey: make(map[string]uint64),
		keyToPath: make(map[uint64]string),
		dirOf:     make(map[uint64]int64),
		vecOf:     make(map[uint64][]float32),
	}
}

var _ Collection = (*HNSWCollection)(nil)

func (c *HNSWCollection) Insert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("collection is closed")
	}

	for _, e := range entries {
		if len(e.Embedding) != c.cfg.Dimensions {
			return ErrDimensionMismatch{Expected: c.cfg.Dimensions, Got: len(e.Embedding)}
		}
	}

	for _, e := range entries {
		// Duplicate image_path overwrites: orphan the previous key via
		// lazy deletion rather than calling graph.Delete.
		if oldKey, exists := c.pathToKey[e.ImagePath]; exists {
			delete(c.keyToPath, oldKey)
			delete(c.dirOf, oldKey)
			delete(c.vecOf, oldKey)
		}

		key := c.nextKey
		c.nextKey++

		vec := make([]float32, len(e.Embedding))
		copy(vec, e.Embedding)
		normalizeInPlace(vec)

		c.graph.Add(hnsw.MakeNode(key, vec))

		c.pathToKey[e.ImagePath] = key
		c.keyToPath[key] = e.ImagePath
		c.dirOf[key] = e.DirectoryID
		c.vecOf[key] = vec
	}

	return nil
}

// Move relocates the entry at oldPath to newPath without recomputing its
// embedding, reusing the already-normalized vector cached at Insert time.
// The old key is orphaned via the same lazy-delete idiom as Insert's
// overwrite path and Delete, rather than calling graph.Delete.
func (c *HNSWCollection) Move(ctx context.Context, oldPath, newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("collection is closed")
	}

	oldKey, ok := c.pathToKey[oldPath]
	if !ok {
		return fmt.Errorf("move: no entry for path %s", oldPath)
	}
	vec, ok := c.vecOf[oldKey]
	if !ok {
		return fmt.Errorf("move: no cached vector for path %s", oldPath)
	}
	dirID := c.dirOf[oldKey]

	delete(c.pathToKey, oldPath)
	delete(c.keyToPath, oldKey)
	delete(c.dirOf, oldKey)
	delete(c.vecOf, oldKey)

	if existingKey, exists := c.pathToKey[newPath]; exists {
		delete(c.keyToPath, existingKey)
		delete(c.dirOf, existingKey)
		delete(c.vecOf, existingKey)
	}

	newKey := c.nextKey
	c.nextKey++
	c.graph.Add(hnsw.MakeNode(newKey, vec))

	c.pathToKey[newPath] = newKey
	c.keyToPath[newKey] = newPath
	c.dirOf[newKey] = dirID
	c.vecOf[newKey] = vec
	return nil
}

func (c *HNSWCollection) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("collection is closed")
	}
	if len(query) != c.cfg.Dimensions {
		return nil, ErrDimensionMismatch{Expected: c.cfg.Dimensions, Got: len(query)}
	}
	if c.graph.Len() == 0 {
		return []Result{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Widen the graph search beyond k since directory filtering and
	// lazy-deleted orphans both shrink the valid result set post-hoc.
	searchK := k * 4
	if searchK < 32 {
		searchK = 32
	}

	nodes := c.graph.Search(normalized, searchK)

	results := make([]Result, 0, k)
	for _, node := range nodes {
		path, ok := c.keyToPath[node.Key]
		if !ok {
			continue // orphaned (lazily deleted) node
		}
		if !filter.allows(c.dirOf[node.Key]) {
			continue
		}

		distance := c.graph.Distance(normalized, node.Value)
		results = append(results, Result{
			ImagePath: path,
			Distance:  distance,
			Score:     distanceToScore(distance),
		})
		if len(results) == k {
			break
		}
	}

	return results, nil
}

func (c *HNSWCollection) Delete(ctx context.Context, match func(string, int64) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("collection is closed")
	}

	deleted := 0
	for path, key := range c.pathToKey {
		if !match(path, c.dirOf[key]) {
			continue
		}
		delete(c.pathToKey, path)
		delete(c.keyToPath, key)
		delete(c.dirOf, key)
		delete(c.vecOf, key)
		deleted++
	}
	return deleted, nil
}

func (c *HNSWCollection) Iterate(ctx context.Context, match func(string, int64) bool, batchSize int, fn func([]Entry) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	c.mu.RLock()
	matching := make([]Entry, 0, len(c.pathToKey))
	for path, key := range c.pathToKey {
		dirID := c.dirOf[key]
		if match == nil || match(path, dirID) {
			matching = append(matching, Entry{DirectoryID: dirID, ImagePath: path})
		}
	}
	c.mu.RUnlock()

	for i := 0; i < len(matching); i += batchSize {
		end := i + batchSize
		if end > len(matching) {
			end = len(matching)
		}
		if err := fn(matching[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *HNSWCollection) AllPaths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := make([]string, 0, len(c.pathToKey))
	for p := range c.pathToKey {
		paths = append(paths, p)
	}
	return paths
}

func (c *HNSWCollection) Contains(imagePath string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pathToKey[imagePath]
	return ok
}

func (c *HNSWCollection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pathToKey)
}

func (c *HNSWCollection) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("collection is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpIndexPath := path + ".tmp"
	f, err := os.Create(tmpIndexPath)
	if err != nil {
		return wrapDiskErr("create index file", err)
	}
	if err := c.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmpIndexPath)
		return wrapDiskErr("export graph", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return wrapDiskErr("close index file", err)
	}
	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return c.saveMetadata(path + ".meta")
}

func (c *HNSWCollection) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		PathToKey: c.pathToKey,
		DirOf:     c.dirOf,
		VecOf:     c.vecOf,
		NextKey:   c.nextKey,
		Config:    c.cfg,
	}

	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func (c *HNSWCollection) Load(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("collection is closed")
	}

	if err := c.loadMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	if err := c.graph.Import(reader); err != nil {
		return needleerrors.New(needleerrors.ErrCodeCorruptIndex, "import graph", err)
	}
	return nil
}

func (c *HNSWCollection) loadMetadata(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer f.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return needleerrors.New(needleerrors.ErrCodeCorruptIndex, "decode metadata", err)
	}

	c.pathToKey = meta.PathToKey
	c.dirOf = meta.DirOf
	c.vecOf = meta.VecOf
	c.nextKey = meta.NextKey
	c.cfg = meta.Config

	if c.vecOf == nil {
		c.vecOf = make(map[uint64][]float32, len(c.pathToKey))
	}
	c.keyToPath = make(map[uint64]string, len(c.pathToKey))
	for path, key := range c.pathToKey {
		c.keyToPath[key] = path
	}
	return nil
}

func (c *HNSWCollection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.graph = nil
	return nil
}
