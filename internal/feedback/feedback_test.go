package feedback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UIC-InDeXLab/Needle/internal/embed"
	"github.com/UIC-InDeXLab/Needle/internal/registry"
)

type fakeWeightStore struct {
	weights map[string]float64
}

func (s *fakeWeightStore) LoadWeights(context.Context) (map[string]float64, error) {
	return s.weights, nil
}
func (s *fakeWeightStore) SaveWeights(_ context.Context, w map[string]float64) error {
	s.weights = w
	return nil
}

func newSet(t *testing.T, weights map[string]float64) *embed.Set {
	t.Helper()
	s, err := embed.NewSet(context.Background(),
		[]embed.Embedder{embed.NewStaticEmbedder("clip", 4), embed.NewStaticEmbedder("resnet", 4)},
		&fakeWeightStore{weights: weights})
	require.NoError(t, err)
	return s
}

func TestUpdater_ApplyPenalizesEmbedderForApprovedNegatives(t *testing.T) {
	set := newSet(t, map[string]float64{"clip": 0.5, "resnet": 0.5})
	reg := registry.New()
	q, err := reg.Create("a red bicycle")
	require.NoError(t, err)
	q.SetEmbedderResults("clip", []string{"/a.png", "/b.png"})
	q.SetEmbedderResults("resnet", []string{"/b.png", "/a.png"})

	u := New(set, reg)

	// /a.png is marked irrelevant: clip ranked it first (heavier penalty),
	// resnet ranked it second (lighter penalty).
	err = u.Apply(context.Background(), q.ID(), map[string]bool{"/a.png": false}, 0.05)
	require.NoError(t, err)

	weights := set.Weights()
	assert.Less(t, weights["clip"], weights["resnet"])
	assert.InDelta(t, 1.0, weights["clip"]+weights["resnet"], 1e-9)
}

func TestUpdater_ApplyIgnoresImagesOutsideReportedTopList(t *testing.T) {
	set := newSet(t, map[string]float64{"clip": 0.5, "resnet": 0.5})
	reg := registry.New()
	q, err := reg.Create("a mountain lake")
	require.NoError(t, err)
	q.SetEmbedderResults("clip", []string{"/a.png"})
	q.SetEmbedderResults("resnet", []string{"/a.png"})

	u := New(set, reg)
	err = u.Apply(context.Background(), q.ID(), map[string]bool{"/never-ranked.png": false}, 0.05)
	require.NoError(t, err)

	weights := set.Weights()
	assert.InDelta(t, 0.5, weights["clip"], 1e-9)
	assert.InDelta(t, 0.5, weights["resnet"], 1e-9)
}

func TestUpdater_ApplyDefaultsEtaWhenNonPositive(t *testing.T) {
	set := newSet(t, map[string]float64{"clip": 0.5, "resnet": 0.5})
	reg := registry.New()
	q, err := reg.Create("a field of sunflowers")
	require.NoError(t, err)
	q.SetEmbedderResults("clip", []string{"/a.png"})
	q.SetEmbedderResults("resnet", []string{"/a.png"})

	u := New(set, reg)
	err = u.Apply(context.Background(), q.ID(), map[string]bool{"/a.png": false}, 0)
	require.NoError(t, err)

	weights := set.Weights()
	assert.Less(t, weights["clip"], 0.5)
}

func TestUpdater_ApplyUnknownQueryReturnsError(t *testing.T) {
	set := newSet(t, map[string]float64{"clip": 0.5, "resnet": 0.5})
	u := New(set, registry.New())
	err := u.Apply(context.Background(), 999, map[string]bool{}, 0.05)
	assert.Error(t, err)
}
