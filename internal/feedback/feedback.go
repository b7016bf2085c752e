// Package feedback implements the Feedback Updater (C11): turning a
// relevance judgement on a query's results into an updated per-embedder
// fusion weight vector.
package feedback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/UIC-InDeXLab/Needle/internal/registry"
)

// DefaultEta mirrors §6's design default learning rate.
const DefaultEta = 0.05

// Embedders is the embed.Set surface the updater needs: every embedder
// name and its current weight, plus the ability to replace the whole
// weight vector (which floors and renormalizes internally).
type Embedders interface {
	Names() []string
	Weight(name string) float64
	SetWeight(ctx context.Context, weights map[string]float64) error
}

// Registry is the C9 surface the updater reads a query's per-embedder
// reported top list from.
type Registry interface {
	Get(qid int64) (*registry.Query, bool)
}

// Updater applies feedback to the embedder weight vector per §4.11.
type Updater struct {
	embedders Embedders
	registry  Registry
}

// New constructs an Updater.
func New(embedders Embedders, reg Registry) *Updater {
	return &Updater{embedders: embedders, registry: reg}
}

// Apply updates embedder weights from a relevance judgement on qid's last
// retrieval. relevant maps image path to true (relevant) or false
// (irrelevant); paths absent from the map, and paths absent from an
// embedder's own reported top list, do not affect that embedder's weight.
// eta <= 0 falls back to DefaultEta.
func (u *Updater) Apply(ctx context.Context, qid int64, relevant map[string]bool, eta float64) error {
	if eta <= 0 {
		eta = DefaultEta
	}

	q, ok := u.registry.Get(qid)
	if !ok {
		return fmt.Errorf("query %d not found", qid)
	}

	names := u.embedders.Names()
	updated := make(map[string]float64, len(names))

	for _, name := range names {
		current := u.embedders.Weight(name)
		top, ok := q.EmbedderResult(name)
		if !ok {
			updated[name] = current
			continue
		}

		var loss float64
		for rank, path := range top {
			isRelevant, judged := relevant[path]
			if judged && !isRelevant {
				loss += 1.0 / float64(rank+1)
			}
		}

		updated[name] = current * (1 - eta*loss)
		slog.Debug("feedback_weight_updated",
			slog.Int64("qid", qid), slog.String("embedder", name),
			slog.Float64("loss", loss), slog.Float64("previous_weight", current),
			slog.Float64("raw_updated_weight", updated[name]))
	}

	return u.embedders.SetWeight(ctx, updated)
}
