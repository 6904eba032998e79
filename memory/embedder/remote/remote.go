// Package remote calls an OpenAI-compatible /v1/embeddings endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/memory"
)

// Config configures the remote embedder.
type Config struct {
	// BaseURL is the service root, e.g. "http://localhost:8081".
	BaseURL string

	// Model is sent as the "model" field.
	Model string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Dimensions is the expected vector size (default: 384).
	Dimensions int

	// Timeout bounds each request (default: 10s).
	Timeout time.Duration
}

// Embedder is an HTTP embedding client.
type Embedder struct {
	cfg    Config
	client *http.Client
}

var _ memory.Embedder = (*Embedder)(nil)

// New creates a remote embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.BaseURL == "" {
		return nil, goerr.New("embedder base URL is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Embedder{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type embeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed converts a single text to embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "embedding request failed", goerr.V("url", e.cfg.BaseURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, goerr.New("embedding service returned error",
			goerr.V("status", resp.StatusCode), goerr.V("body", string(msg)))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, goerr.Wrap(err, "failed to decode embedding response")
	}
	if len(out.Data) == 0 {
		return nil, goerr.New("embedding response has no data")
	}

	vec := out.Data[0].Embedding
	if len(vec) != e.cfg.Dimensions {
		return nil, goerr.New("embedding dimension mismatch",
			goerr.V("want", e.cfg.Dimensions), goerr.V("got", len(vec)))
	}
	return vec, nil
}

// Dimensions returns embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}
