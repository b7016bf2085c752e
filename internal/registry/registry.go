// Package registry implements the Query Registry (C9): a process-wide,
// in-memory map from query id to Query, with per-query guide-image
// generation coalescing.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
)

// maxQueryLength bounds a query's prompt text; long enough for any
// reasonable natural-language description, short enough to keep the
// registry's in-memory footprint bounded per query.
const maxQueryLength = 2000

// GuideImage is one generated reference image paired with the engine
// that produced it (§4.10, §4.12).
type GuideImage struct {
	Bytes  []byte
	Engine string
}

// Query is one text-to-image retrieval request tracked for its process
// lifetime: no persistence, matching §4.9's explicit scope.
type Query struct {
	mu sync.Mutex

	id   int64
	text string

	guideImages    []GuideImage
	embedderRanked map[string][]string
	finalRanked    []string
}

// ID returns the query's monotone identifier.
func (q *Query) ID() int64 { return q.id }

// Text returns the original query prompt.
func (q *Query) Text() string { return q.text }

// GuideImages returns a snapshot of the attached guide images, or nil if
// none have been attached yet.
func (q *Query) GuideImages() []GuideImage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.guideImages) == 0 {
		return nil
	}
	out := make([]GuideImage, len(q.guideImages))
	copy(out, q.guideImages)
	return out
}

// EmbedderResult returns the ranked path list reported by embedder name,
// or false if that embedder has not reported yet.
func (q *Query) EmbedderResult(name string) ([]string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.embedderRanked[name]
	return r, ok
}

// FinalResult returns the fused result list, or false if none has been
// set yet.
func (q *Query) FinalResult() ([]string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalRanked == nil {
		return nil, false
	}
	return q.finalRanked, true
}

// SetEmbedderResults records embedder name's per-query ranked result,
// kept for the feedback computation in C11.
func (q *Query) SetEmbedderResults(name string, ranked []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.embedderRanked == nil {
		q.embedderRanked = make(map[string][]string)
	}
	q.embedderRanked[name] = ranked
}

// SetFinalResults records the fused result returned to the caller.
func (q *Query) SetFinalResults(ranked []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finalRanked = ranked
}

// attachGuideImagesIfAbsent sets guideImages only if none are attached
// yet, returning the (possibly pre-existing) attached set either way.
func (q *Query) attachGuideImagesIfAbsent(images []GuideImage) []GuideImage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.guideImages) == 0 {
		q.guideImages = images
	}
	out := make([]GuideImage, len(q.guideImages))
	copy(out, q.guideImages)
	return out
}

// Registry is the Query Registry (C9): process-wide, in-memory.
type Registry struct {
	mu      sync.RWMutex
	queries map[int64]*Query
	nextID  atomic.Int64

	sf singleflight.Group
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{queries: make(map[int64]*Query)}
}

// Create registers a new query and returns its id. Rejects empty,
// oversized, or non-UTF-8 prompt text before it ever reaches the
// retrieval pipeline or generator.
func (r *Registry) Create(text string) (*Query, error) {
	if strings.TrimSpace(text) == "" {
		return nil, needleerrors.New(needleerrors.ErrCodeQueryEmpty, "query text must not be empty", nil)
	}
	if !utf8.ValidString(text) {
		return nil, needleerrors.New(needleerrors.ErrCodeInvalidQuery, "query text is not valid UTF-8", nil)
	}
	if utf8.RuneCountInString(text) > maxQueryLength {
		return nil, needleerrors.New(needleerrors.ErrCodeQueryTooLong,
			fmt.Sprintf("query text exceeds %d characters", maxQueryLength), nil)
	}

	q := &Query{
		id:   r.nextID.Add(1),
		text: text,
	}
	r.mu.Lock()
	r.queries[q.id] = q
	r.mu.Unlock()
	return q, nil
}

// Get returns the query registered under qid, or false if unknown.
func (r *Registry) Get(qid int64) (*Query, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queries[qid]
	return q, ok
}

// List returns every tracked query.
func (r *Registry) List() []*Query {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Query, 0, len(r.queries))
	for _, q := range r.queries {
		out = append(out, q)
	}
	return out
}

// GenerateFunc produces a fresh set of guide images for a query's text.
type GenerateFunc func(ctx context.Context, text string) ([]GuideImage, error)

// EnsureGuideImages returns qid's attached guide images, generating them
// via generate on first use. Concurrent callers for the same qid share a
// single in-flight generate call (golang.org/x/sync/singleflight), so a
// race between two retrieval requests for a freshly created query never
// generates guide images twice — the idempotent re-search requirement of
// §4.10 combined with the per-Query lock in §5.
func (r *Registry) EnsureGuideImages(ctx context.Context, qid int64, generate GenerateFunc) ([]GuideImage, error) {
	q, ok := r.Get(qid)
	if !ok {
		return nil, fmt.Errorf("query %d not found", qid)
	}
	if existing := q.GuideImages(); existing != nil {
		return existing, nil
	}

	key := fmt.Sprintf("%d", qid)
	v, err, _ := r.sf.Do(key, func() (any, error) {
		if existing := q.GuideImages(); existing != nil {
			return existing, nil
		}
		images, err := generate(ctx, q.Text())
		if err != nil {
			return nil, err
		}
		return q.attachGuideImagesIfAbsent(images), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]GuideImage), nil
}
