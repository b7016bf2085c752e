package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAndGetDirectory(t *testing.T) {
	// Given: an empty catalog
	s := openTestStore(t)
	ctx := context.Background()

	// When: a directory is created
	d, err := s.CreateDirectory(ctx, "/photos")
	require.NoError(t, err)

	// Then: it is enabled and unindexed by default, and retrievable by path
	assert.True(t, d.IsEnabled)
	assert.False(t, d.IsIndexed)

	got, err := s.GetDirectoryByPath(ctx, "/photos")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
}

func TestStore_GetDirectoryByPath_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetDirectoryByPath(context.Background(), "/missing")
	require.Error(t, err)
	assert.IsType(t, ErrNotFound{}, err)
}

func TestStore_ListEnabledIndexedDirectoryIDs(t *testing.T) {
	// Given: three directories in varying states
	s := openTestStore(t)
	ctx := context.Background()

	d1, err := s.CreateDirectory(ctx, "/a")
	require.NoError(t, err)
	d2, err := s.CreateDirectory(ctx, "/b")
	require.NoError(t, err)
	d3, err := s.CreateDirectory(ctx, "/c")
	require.NoError(t, err)

	require.NoError(t, s.MarkDirectoryIndexed(ctx, d1.ID, true))
	require.NoError(t, s.MarkDirectoryIndexed(ctx, d2.ID, true))
	require.NoError(t, s.SetDirectoryEnabled(ctx, d2.ID, false))
	// d3 stays unindexed

	// When: listing the search-eligible set
	ids, err := s.ListEnabledIndexedDirectoryIDs(ctx)
	require.NoError(t, err)

	// Then: only d1 qualifies (d2 disabled, d3 unindexed)
	assert.Equal(t, []int64{d1.ID}, ids)
}

func TestStore_DeleteDirectory_CascadesImages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.CreateDirectory(ctx, "/photos")
	require.NoError(t, err)
	_, err = s.AddImages(ctx, d.ID, []string{"/photos/a.png", "/photos/b.png"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDirectory(ctx, d.ID))

	imgs, err := s.ListImagesByDirectory(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, imgs)
}

func TestStore_AddImages_SkipsExisting(t *testing.T) {
	// Given: a directory with one image already registered
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.CreateDirectory(ctx, "/photos")
	require.NoError(t, err)
	n, err := s.AddImages(ctx, d.ID, []string{"/photos/a.png"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// When: adding a batch that repeats the existing path alongside a new one
	n, err = s.AddImages(ctx, d.ID, []string{"/photos/a.png", "/photos/b.png"})
	require.NoError(t, err)

	// Then: only the new path is actually inserted
	assert.Equal(t, 1, n)

	imgs, err := s.ListImagesByDirectory(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, imgs, 2)
}

func TestStore_ListUnindexed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.CreateDirectory(ctx, "/photos")
	require.NoError(t, err)
	_, err = s.AddImages(ctx, d.ID, []string{"/photos/a.png", "/photos/b.png"})
	require.NoError(t, err)

	require.NoError(t, s.MarkImagesIndexed(ctx, []string{"/photos/a.png"}))

	unindexed, err := s.ListUnindexed(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, unindexed, 1)
	assert.Equal(t, "/photos/b.png", unindexed[0].Path)
}

func TestStore_RenameImage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.CreateDirectory(ctx, "/photos")
	require.NoError(t, err)
	_, err = s.AddImages(ctx, d.ID, []string{"/photos/old.png"})
	require.NoError(t, err)

	require.NoError(t, s.RenameImage(ctx, "/photos/old.png", "/photos/new.png"))

	_, err = s.GetImageByPath(ctx, "/photos/old.png")
	assert.IsType(t, ErrNotFound{}, err)

	got, err := s.GetImageByPath(ctx, "/photos/new.png")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.DirectoryID)
}

func TestStore_Weights_RoundTrip(t *testing.T) {
	// Given: an empty catalog with no persisted weights
	s := openTestStore(t)
	ctx := context.Background()

	initial, err := s.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, initial)

	// When: weights are saved
	want := map[string]float64{"clip": 0.6, "resnet": 0.4}
	require.NoError(t, s.SaveWeights(ctx, want))

	// Then: loading returns exactly what was saved
	got, err := s.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_Weights_SaveReplacesPreviousSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWeights(ctx, map[string]float64{"clip": 0.5, "resnet": 0.5}))
	require.NoError(t, s.SaveWeights(ctx, map[string]float64{"clip": 1.0}))

	got, err := s.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"clip": 1.0}, got)
}
