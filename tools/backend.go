package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
)

// Backend performs actions for one tool.
type Backend interface {
	Invoke(ctx context.Context, req core.ActionRequest) (map[string]any, error)
}

// FuncBackend adapts a function to Backend.
type FuncBackend func(ctx context.Context, req core.ActionRequest) (map[string]any, error)

// Invoke calls f.
func (f FuncBackend) Invoke(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	return f(ctx, req)
}

// HTTPBackend POSTs the payload as JSON to BaseURL/<tool>/<action>
// (BaseURL/<tool> for single-action tools).
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBackend creates an HTTP backend. A timeout <= 0 uses 10s.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Invoke implements Backend.
func (b *HTTPBackend) Invoke(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode payload", goerr.V("action", req.Action))
	}

	url := b.baseURL + "/" + strings.ReplaceAll(req.Action, ".", "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build request", goerr.V("url", url))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(req.AuthToken, "Bearer "))
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, goerr.Wrap(err, "tool request failed", goerr.V("url", url))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read tool response", goerr.V("url", url))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, goerr.New("tool backend returned an error",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", truncate(string(respBody), 200)))
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return map[string]any{}, nil
	}
	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, goerr.Wrap(err, "tool backend returned invalid JSON", goerr.V("url", url))
	}
	if m, ok := decoded.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": decoded}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
