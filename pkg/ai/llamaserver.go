package ai

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// LlamaServerEndpoint talks to llama.cpp's OpenAI-compatible server.
type LlamaServerEndpoint struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewLlamaServerEndpoint(baseURL, model string, timeout time.Duration) *LlamaServerEndpoint {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &LlamaServerEndpoint{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string                 `json:"model,omitempty"`
	Messages       []chatMessage          `json:"messages"`
	Temperature    float64                `json:"temperature"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	TopP           float64                `json:"top_p,omitempty"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

func (l *LlamaServerEndpoint) Generate(ctx context.Context, req Request) (*Response, error) {
	payload := chatRequest{
		Model:       l.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        0.9,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Schema != nil {
		payload.ResponseFormat = map[string]interface{}{
			"type":   "json_object",
			"schema": req.Schema,
		}
	}

	start := time.Now()
	var result chatResponse
	if err := postJSON(ctx, l.client, ProviderLlamaServer, l.baseURL+"/v1/chat/completions", payload, &result); err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", ProviderLlamaServer)
	}

	msg := result.Choices[0].Message
	text, thinking := SplitThinking(msg.Content)
	if msg.ReasoningContent != "" {
		thinking = msg.ReasoningContent
	}
	return &Response{
		Text:     text,
		Thinking: thinking,
		Provider: ProviderLlamaServer,
		Duration: time.Since(start),
	}, nil
}
