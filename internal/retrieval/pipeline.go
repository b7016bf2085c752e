// Package retrieval implements the Retrieval Pipeline (C10): resolving a
// query's guide images, searching every embedder's collection against
// them, and fusing the per-embedder rankings into one final result.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/UIC-InDeXLab/Needle/internal/embed"
	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
	"github.com/UIC-InDeXLab/Needle/internal/registry"
	"github.com/UIC-InDeXLab/Needle/internal/vectorstore"
)

// Catalog is the subset of catalog.Store the pipeline needs to resolve D*,
// the set of directories eligible for search (§4.10 step 2).
type Catalog interface {
	ListEnabledIndexedDirectoryIDs(ctx context.Context) ([]int64, error)
}

// Vectors is the vectorstore.Set surface the pipeline searches against.
type Vectors interface {
	Get(name string) (vectorstore.Collection, bool)
}

// Registry is the C9 surface the pipeline resolves queries and guide
// images through.
type Registry interface {
	Get(qid int64) (*registry.Query, bool)
	EnsureGuideImages(ctx context.Context, qid int64, generate registry.GenerateFunc) ([]registry.GuideImage, error)
}

// Pipeline runs the retrieval procedure of §4.10.
type Pipeline struct {
	catalog   Catalog
	embedders *embed.Set
	vectors   Vectors
	registry  Registry
	generate  registry.GenerateFunc
}

// New constructs a Pipeline. generate produces fresh guide images for a
// query's prompt when none are attached yet (wired to C12 in production).
func New(catalog Catalog, embedders *embed.Set, vectors Vectors, reg Registry, generate registry.GenerateFunc) *Pipeline {
	return &Pipeline{catalog: catalog, embedders: embedders, vectors: vectors, registry: reg, generate: generate}
}

// RankedImage is one entry of a fused result list.
type RankedImage struct {
	Path  string
	Score float64
}

// EmbedderRanking is one embedder's raw per-guide-image ANN results,
// included in a Result's Raw table when verbose output is requested.
type EmbedderRanking struct {
	Embedder   string
	GuideIndex int
	Results    []vectorstore.Result
}

// Result is the outcome of one retrieval request.
type Result struct {
	Final    []RankedImage
	Previews map[string][]byte // path -> image bytes, populated only if requested
	Raw      []EmbedderRanking // raw (embedder, guide image) rankings, populated only if verbose
	Timings  map[string]time.Duration
}

// Options configures one retrieval request.
type Options struct {
	NumImagesToRetrieve int
	IncludePreviews     bool
	Verbose             bool
	// Prompt and EngineDescriptor are not read by Retrieve: missing guide
	// images are generated from the query's own text by the GenerateFunc
	// given to New, using the engines that generator was built with.
	Prompt           string
	EngineDescriptor any
}

// DefaultNumImagesToRetrieve mirrors §6's design default.
const DefaultNumImagesToRetrieve = 20

// rankTerm is one reciprocal-rank scoring contribution: image path at a
// given 0-indexed rank within one (embedder, guide image) search result.
type rankTerm struct {
	path string
	rank int
}

// weightedTerms is one embedder's full set of rankTerms across every guide
// image, tagged with that embedder's current fusion weight.
type weightedTerms struct {
	weight float64
	terms  []rankTerm
}

// Retrieve runs the full procedure of §4.10 for qid and returns its fused
// result. Idempotent: calling it again for the same qid re-runs the same
// fused computation over the query's (now cached) guide images.
func (p *Pipeline) Retrieve(ctx context.Context, qid int64, opts Options) (*Result, error) {
	n := opts.NumImagesToRetrieve
	if n <= 0 {
		n = DefaultNumImagesToRetrieve
	}
	timings := make(map[string]time.Duration, 4)

	q, ok := p.registry.Get(qid)
	if !ok {
		return nil, needleerrors.NotFoundError(needleerrors.ErrCodeQueryNotFound,
			fmt.Sprintf("query %d not found", qid))
	}

	genStart := time.Now()
	guideImages, err := p.registry.EnsureGuideImages(ctx, qid, p.generate)
	timings["generation"] = time.Since(genStart)
	if err != nil {
		return nil, fmt.Errorf("resolve guide images for query %d: %w", qid, err)
	}
	if len(guideImages) == 0 {
		return nil, fmt.Errorf("query %d has no guide images and none could be generated", qid)
	}

	dirIDs, err := p.catalog.ListEnabledIndexedDirectoryIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible directories: %w", err)
	}
	if len(dirIDs) == 0 {
		noDirs := needleerrors.New(needleerrors.ErrCodeNoEnabledDirs, "no enabled, indexed directories to search", nil)
		slog.Info("retrieval_no_eligible_directories", slog.Int64("qid", qid), slog.String("reason", noDirs.Error()))
		res := &Result{Timings: timings}
		if opts.IncludePreviews {
			res.Previews = map[string][]byte{}
		}
		return res, nil
	}
	allowed := make(map[int64]struct{}, len(dirIDs))
	for _, id := range dirIDs {
		allowed[id] = struct{}{}
	}
	filter := vectorstore.Filter{AllowedDirectories: allowed}

	embedders := p.embedders.List()

	var embedTime, searchTime, fusionTime time.Duration
	var raw []EmbedderRanking
	var crossTerms []weightedTerms

	for _, e := range embedders {
		coll, ok := p.vectors.Get(e.Name())
		if !ok {
			slog.Debug("retrieval_embedder_has_no_collection", slog.String("embedder", e.Name()))
			continue
		}

		var flat []rankTerm
		for i, g := range guideImages {
			embedStart := time.Now()
			vec, err := e.Embed(ctx, g.Bytes)
			embedTime += time.Since(embedStart)
			if err != nil {
				wrapped := needleerrors.Wrap(needleerrors.ErrCodeEmbeddingFailed, err)
				slog.Warn("retrieval_embed_failed",
					slog.String("embedder", e.Name()), slog.Int("guide_index", i),
					slog.String("error", wrapped.Error()))
				continue
			}

			searchStart := time.Now()
			results, err := coll.Search(ctx, vec, n, filter)
			searchTime += time.Since(searchStart)
			if err != nil {
				wrapped := needleerrors.Wrap(needleerrors.ErrCodeSearchFailed, err)
				slog.Warn("retrieval_search_failed",
					slog.String("embedder", e.Name()), slog.Int("guide_index", i),
					slog.String("error", wrapped.Error()))
				continue
			}

			for rank, r := range results {
				flat = append(flat, rankTerm{path: r.ImagePath, rank: rank})
			}

			if opts.Verbose {
				raw = append(raw, EmbedderRanking{Embedder: e.Name(), GuideIndex: i, Results: results})
			}
		}

		// Step 3b: per-embedder T_e, uniform weight per guide image.
		fusionStart := time.Now()
		te := accumulate([]weightedTerms{{weight: 1, terms: flat}}, n)
		fusionTime += time.Since(fusionStart)

		teRanked := make([]string, len(te))
		for i, r := range te {
			teRanked[i] = r.Path
		}
		q.SetEmbedderResults(e.Name(), teRanked)

		crossTerms = append(crossTerms, weightedTerms{weight: p.embedders.Weight(e.Name()), terms: flat})
	}

	timings["embed"] = embedTime
	timings["search"] = searchTime

	// Step 4: cross-embedder fusion, one term per (embedder, guide image).
	fusionStart := time.Now()
	finalScored := accumulate(crossTerms, n)
	timings["fusion"] = fusionTime + time.Since(fusionStart)

	final := make([]RankedImage, len(finalScored))
	finalPaths := make([]string, len(finalScored))
	for i, r := range finalScored {
		final[i] = RankedImage{Path: r.Path, Score: r.Score}
		finalPaths[i] = r.Path
	}
	q.SetFinalResults(finalPaths)

	res := &Result{Final: final, Timings: timings}
	if opts.Verbose {
		res.Raw = raw
	}
	if opts.IncludePreviews {
		res.Previews = make(map[string][]byte, len(final))
		for _, r := range final {
			data, err := os.ReadFile(r.Path)
			if err != nil {
				slog.Warn("retrieval_preview_unreadable", slog.String("path", r.Path), slog.String("error", err.Error()))
				continue
			}
			res.Previews[r.Path] = data
		}
	}
	return res, nil
}

type scoredPath struct {
	Path  string
	Score float64
}

// accumulate computes reciprocal-rank scores score(x) = Σ weight/(rank+1)
// across every group's terms, in first-occurrence order across groups and
// within each group's terms, then returns the top n sorted by descending
// score. Ties are broken by first occurrence via a stable sort over an
// already first-occurrence-ordered slice.
func accumulate(groups []weightedTerms, n int) []scoredPath {
	scores := make(map[string]float64)
	var order []string
	seen := make(map[string]bool)

	for _, g := range groups {
		for _, t := range g.terms {
			scores[t.path] += g.weight / float64(t.rank+1)
			if !seen[t.path] {
				seen[t.path] = true
				order = append(order, t.path)
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	if n > 0 && len(order) > n {
		order = order[:n]
	}

	out := make([]scoredPath, len(order))
	for i, path := range order {
		out[i] = scoredPath{Path: path, Score: scores[path]}
	}
	return out
}
