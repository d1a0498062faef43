// Package llm talks to an Ollama-compatible generation endpoint.
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

// Client is the generation backend the extraction engine depends on. Any
// error from Generate is recoverable; callers fall back to heuristics.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Available(ctx context.Context) bool
}

type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

func NewOllamaClient(baseURL, model string, temperature float64, httpClient *http.Client) *OllamaClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OllamaClient{
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient:  httpClient,
	}
}

type generateRequest struct {
	Model   string             `json:"model"`
	Prompt  string             `json:"prompt"`
	Stream  bool               `json:"stream"`
	Options map[string]float64 `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate posts to /api/generate with stream=false and returns the raw
// response text. Non-200 status, timeout, or a malformed body all come back
// as errors, never panics.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]float64{"temperature": c.temperature},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if gr.Response == "" {
		return "", fmt.Errorf("empty llm response")
	}
	return gr.Response, nil
}

// Available probes the backend with a short deadline.
func (c *OllamaClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
