package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingCacheSize is the default number of embeddings to cache.
const DefaultEmbeddingCacheSize = 1000

// CachedEmbedder wraps an Embedder with LRU caching keyed on image content,
// avoiding a redundant forward pass when the same guide image is embedded
// for more than one query (generated images are reused across searches
// once C12 has produced them).
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner with an LRU cache of the given size.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{
		inner: inner,
		cache: cache,
	}
}

// NewCachedEmbedderWithDefaults wraps inner using DefaultEmbeddingCacheSize.
func NewCachedEmbedderWithDefaults(inner Embedder) *CachedEmbedder {
	return NewCachedEmbedder(inner, DefaultEmbeddingCacheSize)
}

func (c *CachedEmbedder) cacheKey(imageBytes []byte) string {
	hash := sha256.Sum256(imageBytes)
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached embedding for imageBytes if present, otherwise
// computes it via the inner embedder and caches the result.
func (c *CachedEmbedder) Embed(ctx context.Context, imageBytes []byte) ([]float32, error) {
	key := c.cacheKey(imageBytes)

	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, imageBytes)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, vec)
	return vec, nil
}

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedder) Name() string { return c.inner.Name() }

func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

func (c *CachedEmbedder) Close() error { return c.inner.Close() }

// Inner returns the underlying embedder.
func (c *CachedEmbedder) Inner() Embedder { return c.inner }

func (c *CachedEmbedder) SetBatchIndex(idx int) { c.inner.SetBatchIndex(idx) }

func (c *CachedEmbedder) SetFinalBatch(isFinal bool) { c.inner.SetFinalBatch(isFinal) }
