package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_DeterministicForSameBytes(t *testing.T) {
	e := NewStaticEmbedder("static", 64)

	v1, err := e.Embed(context.Background(), []byte("a fake png payload"))
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), []byte("a fake png payload"))
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
}

func TestStaticEmbedder_DiffersForDifferentBytes(t *testing.T) {
	e := NewStaticEmbedder("static", 64)

	v1, err := e.Embed(context.Background(), []byte("image one"))
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), []byte("image two, quite different"))
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
}

func TestStaticEmbedder_EmptyBytesIsZeroTensor(t *testing.T) {
	e := NewStaticEmbedder("static", 16)

	v, err := e.Embed(context.Background(), []byte{})
	require.NoError(t, err)

	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestStaticEmbedder_ClosedRejectsEmbed(t *testing.T) {
	e := NewStaticEmbedder("static", 16)
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), []byte("anything"))
	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}

func TestStaticEmbedder_Dimensions(t *testing.T) {
	e := NewStaticEmbedder("probe", 768)
	assert.Equal(t, 768, e.Dimensions())
	assert.Equal(t, "probe", e.Name())
}
