// Package generator implements the Image Generator Client (C12): an
// opaque collaborator that turns a text prompt into a sequence of guide
// images, one per configured engine.
package generator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
	"github.com/UIC-InDeXLab/Needle/internal/registry"
)

// DefaultCacheSize bounds the guide-image cache (§4.12's expansion note).
const DefaultCacheSize = 256

// DefaultTimeout bounds a single engine call.
const DefaultTimeout = 30 * time.Second

// Engine is one configured generation engine and its parameters, passed
// through to the generation service unexamined.
type Engine struct {
	Name   string
	Params map[string]string
}

// Config configures a Client.
type Config struct {
	Endpoint        string
	Timeout         time.Duration
	Engines         []Engine
	NumEnginesToUse int
	CacheSize       int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.NumEnginesToUse <= 0 {
		c.NumEnginesToUse = 1
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// Image is one generated guide image.
type Image struct {
	Bytes  []byte
	Engine string
}

// engineRequest is one engine entry of the generation request payload
// (§6: {prompt, engines: [{name, params, ...}]}).
type engineRequest struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type generateRequest struct {
	Prompt  string          `json:"prompt"`
	Engines []engineRequest `json:"engines"`
}

type generateResponseImage struct {
	Base64Image string `json:"base64_image"`
	EngineName  string `json:"engine_name"`
}

type generateResponse struct {
	Images []generateResponseImage `json:"images"`
}

// Client calls an external generation service, one engine at a time, per
// the engine-selection policy of §4.12's expansion: engines are attempted
// in configured order and the client stops once NumEnginesToUse have
// succeeded, returning whatever succeeded if fewer do.
type Client struct {
	httpClient *http.Client
	cfg        Config
	breaker    *needleerrors.CircuitBreaker
	retry      needleerrors.RetryConfig
	cache      *lru.Cache[string, []Image]
}

// New constructs a Client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	cache, _ := lru.New[string, []Image](cfg.CacheSize)
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		breaker:    needleerrors.NewCircuitBreaker("generator"),
		retry:      needleerrors.DefaultRetryConfig(),
		cache:      cache,
	}
}

func cacheKey(prompt string, engines []Engine) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prompt))
	for _, e := range engines {
		_, _ = h.Write([]byte("\x00" + e.Name))
		for k, v := range e.Params {
			_, _ = h.Write([]byte("\x00" + k + "=" + v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Generate produces guide images for prompt across the configured
// engines, in order, stopping once NumEnginesToUse engines have
// succeeded. A partial result (fewer images than requested) is returned
// without error if at least one engine succeeded; an error is returned
// only if every engine failed or no engines are configured.
func (c *Client) Generate(ctx context.Context, prompt string) ([]Image, error) {
	if len(c.cfg.Engines) == 0 {
		return nil, needleerrors.New(needleerrors.ErrCodeNoEnabledEngines, "no generation engines configured", nil)
	}

	key := cacheKey(prompt, c.cfg.Engines)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	var images []Image
	for _, engine := range c.cfg.Engines {
		if len(images) >= c.cfg.NumEnginesToUse {
			break
		}

		img, err := needleerrors.CircuitExecuteWithResult(c.breaker,
			func() (Image, error) {
				return needleerrors.RetryWithResult(ctx, c.retry, func() (Image, error) {
					return c.callEngine(ctx, prompt, engine)
				})
			},
			func() (Image, error) {
				return Image{}, needleerrors.ErrCircuitOpen
			})
		if err != nil {
			slog.Warn("generator_engine_failed",
				slog.String("engine", engine.Name), slog.String("error", err.Error()))
			continue
		}
		images = append(images, img)
	}

	if len(images) == 0 {
		return nil, fmt.Errorf("all %d configured engines failed to generate an image for prompt", len(c.cfg.Engines))
	}

	c.cache.Add(key, images)
	return images, nil
}

// AsGenerateFunc adapts Client to the registry.GenerateFunc signature
// consumed by C9's EnsureGuideImages / C10's pipeline.
func (c *Client) AsGenerateFunc() registry.GenerateFunc {
	return func(ctx context.Context, text string) ([]registry.GuideImage, error) {
		images, err := c.Generate(ctx, text)
		if err != nil {
			return nil, err
		}
		out := make([]registry.GuideImage, len(images))
		for i, img := range images {
			out[i] = registry.GuideImage{Bytes: img.Bytes, Engine: img.Engine}
		}
		return out, nil
	}
}

func (c *Client) callEngine(ctx context.Context, prompt string, engine Engine) (Image, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:  prompt,
		Engines: []engineRequest{{Name: engine.Name, Params: engine.Params}},
	})
	if err != nil {
		return Image{}, fmt.Errorf("encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Image{}, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("call generation engine %q: %w", engine.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("generation engine %q returned status %d", engine.Name, resp.StatusCode)
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Image{}, fmt.Errorf("decode generation response from %q: %w", engine.Name, err)
	}
	if len(parsed.Images) == 0 {
		return Image{}, fmt.Errorf("generation engine %q returned no images", engine.Name)
	}

	raw, err := base64.StdEncoding.DecodeString(parsed.Images[0].Base64Image)
	if err != nil {
		return Image{}, fmt.Errorf("decode image from %q: %w", engine.Name, err)
	}

	name := parsed.Images[0].EngineName
	if name == "" {
		name = engine.Name
	}
	return Image{Bytes: raw, Engine: name}, nil
}
