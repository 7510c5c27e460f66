package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiEndpoint is the cloud fallback.
type GeminiEndpoint struct {
	client *genai.Client
	model  string
}

func NewGeminiEndpoint(ctx context.Context, apiKey, model string) (*GeminiEndpoint, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for Gemini provider")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiEndpoint{client: client, model: model}, nil
}

func (g *GeminiEndpoint) Generate(ctx context.Context, req Request) (*Response, error) {
	temp := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature: &temp,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = req.Schema
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	var text, thinking strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			if part.Thought {
				thinking.WriteString(part.Text)
				continue
			}
			text.WriteString(part.Text)
		}
	}
	out, inline := SplitThinking(text.String())
	if thinking.Len() == 0 {
		thinking.WriteString(inline)
	}
	return &Response{
		Text:     out,
		Thinking: thinking.String(),
		Provider: ProviderGemini,
		Duration: time.Since(start),
	}, nil
}
