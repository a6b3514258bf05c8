// Package llm post-filters findings through a locally hosted model. The
// adapter is strictly best-effort: any transport, parse or timeout
// failure hands the finding back untouched, so a dead model server never
// blocks a scan.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Generator is the model-backend capability the triager depends on.
// OllamaClient satisfies it; tests substitute scripted responses.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
	Unload(ctx context.Context, model string) error
}

// OllamaClient talks to an Ollama server's REST API
type OllamaClient struct {
	base   string
	client *http.Client
}

// NewOllamaClient creates a client for the given endpoint
func NewOllamaClient(endpoint string) *OllamaClient {
	return &OllamaClient{
		base:   endpoint,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	Stream    bool   `json:"stream"`
	KeepAlive any    `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs one non-streaming completion
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	var out generateResponse
	err := c.post(ctx, "/api/generate", generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

// Unload evicts a model from server memory by issuing an empty request
// with keep_alive zero.
func (c *OllamaClient) Unload(ctx context.Context, model string) error {
	return c.post(ctx, "/api/generate", generateRequest{
		Model:     model,
		Stream:    false,
		KeepAlive: 0,
	}, nil)
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the model names available on the server
func (c *OllamaClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: list models: status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("llm: %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
