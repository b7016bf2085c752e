package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultRequestTimeout bounds a single embedding call to a model server.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultBatchSize mirrors the directory indexer's default batch_size (§4.6).
	DefaultBatchSize = 50

	// DefaultMaxRetries is the default number of retry attempts for a
	// transient embedding-server failure.
	DefaultMaxRetries = 3
)

// Embedder produces a vector embedding for a single image. Implementations
// are opaque to callers: a local ONNX/CLIP model server, a remote RPC
// service, or (for tests) a deterministic hash-based stand-in.
type Embedder interface {
	// Embed computes the embedding of one image given its raw file bytes.
	Embed(ctx context.Context, imageBytes []byte) ([]float32, error)

	// Dimensions returns the embedding's vector length.
	Dimensions() int

	// Name returns the embedder's configured identifier (used as the name
	// of its C2 collection and C3 weight entry).
	Name() string

	// Available reports whether the embedder is ready to serve requests.
	Available(ctx context.Context) bool

	// Close releases resources held by the embedder.
	Close() error

	// SetBatchIndex records the embedder's position within the directory
	// indexer's current batch loop (§4.6), used by embedders backed by a
	// local accelerator to pace thermal load across a long run.
	SetBatchIndex(idx int)

	// SetFinalBatch marks whether the current batch is the last one of an
	// indexing pass, letting a thermally-paced embedder relax throttling
	// once no further batches are coming.
	SetFinalBatch(isFinal bool)
}

// normalizeVector returns v scaled to unit length, or v unchanged if it is
// the zero vector.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
