package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaEndpoint implements Endpoint using Ollama local LLM
type OllamaEndpoint struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaEndpoint creates a new Ollama endpoint
func NewOllamaEndpoint(baseURL, model string, timeout time.Duration) *OllamaEndpoint {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &OllamaEndpoint{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	System  string                 `json:"system,omitempty"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Format  interface{}            `json:"format,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Thinking string `json:"thinking"`
	Done     bool   `json:"done"`
}

// Generate implements Endpoint
func (o *OllamaEndpoint) Generate(ctx context.Context, req Request) (*Response, error) {
	payload := ollamaGenerateRequest{
		Model:  o.model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		payload.Options["num_predict"] = req.MaxTokens
	}
	if req.Schema != nil {
		// Ollama accepts a JSON schema as the format constraint
		payload.Format = req.Schema
	}

	start := time.Now()
	var result ollamaGenerateResponse
	if err := postJSON(ctx, o.client, ProviderOllama, o.baseURL+"/api/generate", payload, &result); err != nil {
		return nil, err
	}

	text, thinking := SplitThinking(result.Response)
	if result.Thinking != "" {
		thinking = result.Thinking
	}
	return &Response{
		Text:     text,
		Thinking: thinking,
		Provider: ProviderOllama,
		Duration: time.Since(start),
	}, nil
}

// postJSON sends payload and decodes a 200 reply into out.
func postJSON(ctx context.Context, client *http.Client, provider ProviderType, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: provider, Code: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", provider, err)
	}
	return nil
}
