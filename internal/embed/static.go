package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// StaticEmbedder produces deterministic, content-derived embeddings from
// raw image bytes without any external model server. It exists for tests
// and as a last-resort provider when no real image embedder is configured.
type StaticEmbedder struct {
	mu     sync.RWMutex
	name   string
	dims   int
	closed bool
}

// NewStaticEmbedder creates a static embedder with the given name and
// output dimension.
func NewStaticEmbedder(name string, dims int) *StaticEmbedder {
	return &StaticEmbedder{name: name, dims: dims}
}

// Embed hashes sliding 8-byte windows of imageBytes into buckets of the
// output vector, then normalizes. Two different images collide only by
// chance of the hash function; identical bytes always produce the same
// vector, which is all the zero-tensor substitution in §4.6.a requires.
func (e *StaticEmbedder) Embed(ctx context.Context, imageBytes []byte) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder %q is closed", e.name)
	}
	e.mu.RUnlock()

	vec := make([]float32, e.dims)
	if len(imageBytes) == 0 {
		return vec, nil // zero tensor, per §4.6.a substitution for unreadable images
	}

	const window = 8
	for i := 0; i < len(imageBytes); i += window {
		end := i + window
		if end > len(imageBytes) {
			end = len(imageBytes)
		}
		h := fnv.New64a()
		_, _ = h.Write(imageBytes[i:end])
		idx := int(h.Sum64() % uint64(e.dims))
		vec[idx] += 1.0
	}

	return normalizeVector(vec), nil
}

func (e *StaticEmbedder) Dimensions() int { return e.dims }

func (e *StaticEmbedder) Name() string { return e.name }

func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *StaticEmbedder) SetBatchIndex(_ int) {}

func (e *StaticEmbedder) SetFinalBatch(_ bool) {}
