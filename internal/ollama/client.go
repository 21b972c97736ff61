// Package ollama is a minimal client for a local Ollama instance, used
// for semantic highlight search and summaries. Everything degrades
// gracefully when the daemon is not running.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	embedTimeout     = 30 * time.Second
	generateTimeout  = 60 * time.Second
	availableTimeout = 5 * time.Second
)

// Client talks to one Ollama base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL (e.g. http://localhost:11434).
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// Available reports whether the daemon answers. GET /api/tags is the
// cheapest liveness probe Ollama offers.
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availableTimeout)
	defer cancel()
	u, err := url.JoinPath(c.baseURL, "api/tags")
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Embed returns one embedding per input text, in order.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.post(ctx, "api/embed", map[string]interface{}{
		"model": model,
		"input": texts,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d embeddings, expected %d", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// Generate returns a single non-streamed completion for prompt.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	var out struct {
		Response string `json:"response"`
	}
	err := c.post(ctx, "api/generate", map[string]interface{}{
		"model":  model,
		"prompt": prompt,
		"stream": false,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody interface{}, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
