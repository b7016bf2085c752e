package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(i + 1)
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestRPCEmbedder_ProbesDimensionsOnConstruction(t *testing.T) {
	// Given: a model server that always returns an 8-dim vector
	srv := newTestServer(t, 8)
	defer srv.Close()

	// When: an RPCEmbedder is constructed without an explicit dimension
	e, err := NewRPCEmbedder(context.Background(), DefaultRPCConfig("clip", srv.URL))
	require.NoError(t, err)

	// Then: it learns the dimension from the zero-tensor probe
	assert.Equal(t, 8, e.Dimensions())
}

func TestRPCEmbedder_Embed(t *testing.T) {
	srv := newTestServer(t, 4)
	defer srv.Close()

	cfg := DefaultRPCConfig("clip", srv.URL)
	cfg.Dimensions = 4
	e, err := NewRPCEmbedder(context.Background(), cfg)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), []byte("fake-image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vec)
}

func TestRPCEmbedder_Available(t *testing.T) {
	srv := newTestServer(t, 4)
	defer srv.Close()

	cfg := DefaultRPCConfig("clip", srv.URL)
	cfg.Dimensions = 4
	e, err := NewRPCEmbedder(context.Background(), cfg)
	require.NoError(t, err)

	assert.True(t, e.Available(context.Background()))
}

func TestRPCEmbedder_UnreachableServerErrors(t *testing.T) {
	cfg := DefaultRPCConfig("clip", "http://127.0.0.1:1")
	cfg.Dimensions = 4
	cfg.Retry = RetryConfig{MaxRetries: 0}
	e, err := NewRPCEmbedder(context.Background(), cfg)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []byte("x"))
	assert.Error(t, err)
}

func TestRPCEmbedder_BatchPacingHooks(t *testing.T) {
	var lastBatchIdx int
	var lastFinal bool

	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lastBatchIdx = req.BatchIdx
		lastFinal = req.FinalPass
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0, 0}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultRPCConfig("clip", srv.URL)
	cfg.Dimensions = 2
	e, err := NewRPCEmbedder(context.Background(), cfg)
	require.NoError(t, err)

	e.SetBatchIndex(7)
	e.SetFinalBatch(true)
	_, err = e.Embed(context.Background(), []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, 7, lastBatchIdx)
	assert.True(t, lastFinal)
}
