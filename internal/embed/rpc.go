package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
)

// RPCConfig configures a model-server-backed Embedder.
type RPCConfig struct {
	Name       string        // embedder identifier, matches its C2 collection name
	ModelName  string        // model identifier passed to the server
	Endpoint   string        // base URL of the embedding server, e.g. http://localhost:9659
	Dimensions int           // expected output dimension; 0 defers to a zero-tensor probe
	Timeout    time.Duration // per-request timeout
	Retry      RetryConfig
}

// DefaultRPCConfig returns sane defaults for an RPC-backed embedder.
func DefaultRPCConfig(name, endpoint string) RPCConfig {
	return RPCConfig{
		Name:     name,
		Endpoint: endpoint,
		Timeout:  DefaultRequestTimeout,
		Retry:    DefaultRetryConfig(),
	}
}

type embedRequest struct {
	Model     string `json:"model"`
	ImageB64  string `json:"image_b64"`
	BatchIdx  int    `json:"batch_index,omitempty"`
	FinalPass bool   `json:"final_batch,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// RPCEmbedder calls a local or remote HTTP model server that accepts raw
// image bytes and returns a vector embedding. This is the shape every
// concrete image embedder in the set takes: the server process (CLIP,
// a fine-tuned ResNet, a hosted model) is opaque, only its wire contract
// matters to C3.
type RPCEmbedder struct {
	cfg        RPCConfig
	client     *http.Client
	batchIndex atomic.Int64
	finalBatch atomic.Bool
	dims       atomic.Int64
}

// NewRPCEmbedder creates an RPCEmbedder and determines its output
// dimension by embedding a zero-length probe image, per §4.3's
// "determine its vector dim by embedding a zero tensor" construction step.
func NewRPCEmbedder(ctx context.Context, cfg RPCConfig) (*RPCEmbedder, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	e := &RPCEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.Dimensions > 0 {
		e.dims.Store(int64(cfg.Dimensions))
		return e, nil
	}

	probe, err := e.Embed(ctx, nil)
	if err != nil {
		return nil, needleerrors.New(needleerrors.ErrCodeModelDownload,
			fmt.Sprintf("probe embedder %q for dimensions: server may still be loading its model", cfg.Name), err)
	}
	e.dims.Store(int64(len(probe)))
	return e, nil
}

func (e *RPCEmbedder) Embed(ctx context.Context, imageBytes []byte) ([]float32, error) {
	var result []float32
	err := WithRetry(ctx, e.cfg.Retry, func() error {
		resp, err := e.call(ctx, imageBytes)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if want := int(e.dims.Load()); want > 0 && len(result) != want {
		return nil, needleerrors.New(needleerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("embedder %q returned %d dims, want %d", e.cfg.Name, len(result), want), nil)
	}
	return result, nil
}

func (e *RPCEmbedder) call(ctx context.Context, imageBytes []byte) ([]float32, error) {
	reqBody := embedRequest{
		Model:     e.cfg.ModelName,
		ImageB64:  base64.StdEncoding.EncodeToString(imageBytes),
		BatchIdx:  int(e.batchIndex.Load()),
		FinalPass: e.finalBatch.Load(),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := e.cfg.Endpoint + "/embed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, needleerrors.New(needleerrors.ErrCodeNetworkTimeout,
				fmt.Sprintf("embedder %q request timed out", e.cfg.Name), err)
		}
		return nil, needleerrors.New(needleerrors.ErrCodeNetworkUnavailable,
			fmt.Sprintf("embedder %q unreachable at %s", e.cfg.Name, e.cfg.Endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, needleerrors.New(needleerrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedder %q returned status %s", e.cfg.Name, resp.Status), nil)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, needleerrors.New(needleerrors.ErrCodeEmbeddingFailed, "decode embed response", err)
	}
	return decoded.Embedding, nil
}

func (e *RPCEmbedder) Dimensions() int { return int(e.dims.Load()) }

func (e *RPCEmbedder) Name() string { return e.cfg.Name }

func (e *RPCEmbedder) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (e *RPCEmbedder) Close() error { return nil }

func (e *RPCEmbedder) SetBatchIndex(idx int) { e.batchIndex.Store(int64(idx)) }

func (e *RPCEmbedder) SetFinalBatch(isFinal bool) { e.finalBatch.Store(isFinal) }
