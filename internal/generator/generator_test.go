package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageResponse(t *testing.T, engineName string) generateResponse {
	t.Helper()
	return generateResponse{Images: []generateResponseImage{{
		Base64Image: base64.StdEncoding.EncodeToString([]byte("fake-image-" + engineName)),
		EngineName:  engineName,
	}}}
}

func TestClient_GenerateStopsAfterNumEnginesToUseSucceed(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Engines, 1)
		resp := imageResponse(t, req.Engines[0].Name)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := New(Config{
		Endpoint:        srv.URL,
		Engines:         []Engine{{Name: "dalle"}, {Name: "sdxl-turbo"}, {Name: "replicate"}},
		NumEnginesToUse: 1,
	})

	images, err := c.Generate(context.Background(), "a red bicycle")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "dalle", images[0].Engine)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_GenerateReturnsPartialResultWhenSomeEnginesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Engines[0].Name == "dalle" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(imageResponse(t, req.Engines[0].Name)))
	}))
	defer srv.Close()

	c := New(Config{
		Endpoint:        srv.URL,
		Engines:         []Engine{{Name: "dalle"}, {Name: "sdxl-turbo"}},
		NumEnginesToUse: 2,
	})
	c.retry.MaxRetries = 0 // don't burn test time retrying a deterministic failure

	images, err := c.Generate(context.Background(), "a red bicycle")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "sdxl-turbo", images[0].Engine)
}

func TestClient_GenerateFailsWhenEveryEngineFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Engines: []Engine{{Name: "dalle"}}, NumEnginesToUse: 1})
	c.retry.MaxRetries = 0

	_, err := c.Generate(context.Background(), "a red bicycle")
	assert.Error(t, err)
}

func TestClient_GenerateFailsWhenNoEnginesConfigured(t *testing.T) {
	c := New(Config{Endpoint: "http://unused"})
	c.cfg.Engines = nil
	_, err := c.Generate(context.Background(), "a red bicycle")
	assert.Error(t, err)
}

func TestClient_GenerateCachesByPromptAndEngineDescriptor(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(imageResponse(t, req.Engines[0].Name)))
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Engines: []Engine{{Name: "dalle"}}, NumEnginesToUse: 1})

	_, err := c.Generate(context.Background(), "a red bicycle")
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "a red bicycle")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_AsGenerateFuncAdaptsToRegistrySignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(imageResponse(t, req.Engines[0].Name)))
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Engines: []Engine{{Name: "dalle"}}, NumEnginesToUse: 1})
	fn := c.AsGenerateFunc()

	images, err := fn(context.Background(), "a field of sunflowers")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "dalle", images[0].Engine)
}
