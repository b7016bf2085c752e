package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
)

// Set owns one Collection per embedder name and the paths they persist to.
type Set struct {
	mu          sync.RWMutex
	dataDir     string
	collections map[string]Collection
}

// NewSet creates a Set rooted at dataDir, where each embedder's collection
// is persisted as "<dataDir>/vectors/<name>.hnsw".
func NewSet(dataDir string) *Set {
	return &Set{
		dataDir:     dataDir,
		collections: make(map[string]Collection),
	}
}

// EnsureCollection returns the named collection, creating (and loading, if
// persisted state exists on disk) it on first access.
func (s *Set) EnsureCollection(name string, cfg Config) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	c := NewHNSWCollection(cfg)
	path := s.pathFor(name)
	if err := c.Load(path); err != nil {
		// Fresh collection: absence of persisted state is not an error.
	}
	s.collections[name] = c
	return c, nil
}

// Get returns the named collection if it has already been created via
// EnsureCollection, or false otherwise.
func (s *Set) Get(name string) (Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	return c, ok
}

// Names returns the names of every collection currently tracked.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for n := range s.collections {
		names = append(names, n)
	}
	return names
}

// SaveAll persists every tracked collection.
func (s *Set) SaveAll() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, c := range s.collections {
		if err := c.Save(s.pathFor(name)); err != nil {
			return fmt.Errorf("save collection %q: %w", name, err)
		}
	}
	return nil
}

// CloseAll releases every tracked collection after saving it.
func (s *Set) CloseAll() error {
	if err := s.SaveAll(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.collections {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close collection %q: %w", name, err)
		}
	}
	return nil
}

// DeletePath removes imagePath from every tracked collection. Used by the
// change watcher (C7), which doesn't know in advance which embedder
// collections hold a given path.
func (s *Set) DeletePath(ctx context.Context, imagePath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, c := range s.collections {
		if _, err := c.Delete(ctx, func(p string, _ int64) bool { return p == imagePath }); err != nil {
			return fmt.Errorf("delete path from collection %q: %w", name, err)
		}
	}
	return nil
}

// MovePath relocates imagePath to newPath in every tracked collection that
// currently holds it. Used by the change watcher (C7) when a file is
// renamed or moved within a watched root.
func (s *Set) MovePath(ctx context.Context, oldPath, newPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, c := range s.collections {
		if !c.Contains(oldPath) {
			continue
		}
		if err := c.Move(ctx, oldPath, newPath); err != nil {
			return fmt.Errorf("move path in collection %q: %w", name, err)
		}
	}
	return nil
}

func (s *Set) pathFor(name string) string {
	return filepath.Join(s.dataDir, "vectors", name+".hnsw")
}
