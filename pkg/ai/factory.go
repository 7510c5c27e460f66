package ai

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds AI provider configuration
type Config struct {
	Provider ProviderType // "ollama", "llamaserver", "gemini" or "auto"

	// Ollama config
	OllamaBaseURL string // e.g., "http://localhost:11434"
	OllamaModel   string // e.g., "qwen3:14b"

	// llama-server config
	LlamaServerURL   string
	LlamaServerModel string

	// Gemini config
	GeminiAPIKey string
	GeminiModel  string

	Timeout time.Duration
}

// NewEndpoint creates an Endpoint based on the config.
// This is the factory function - switch AI provider by changing cfg.Provider.
// With a Gemini key configured, local providers fall back to Gemini.
func NewEndpoint(ctx context.Context, cfg Config, log *zap.Logger) (Endpoint, error) {
	var gemini Endpoint
	if cfg.GeminiAPIKey != "" {
		g, err := NewGeminiEndpoint(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		gemini = g
	}

	withFallback := func(local Endpoint) Endpoint {
		if gemini == nil {
			return local
		}
		return NewFallbackEndpoint(local, gemini, log)
	}

	switch cfg.Provider {
	case ProviderGemini:
		if gemini == nil {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for Gemini provider")
		}
		return gemini, nil

	case ProviderOllama:
		return withFallback(NewOllamaEndpoint(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.Timeout)), nil

	case ProviderLlamaServer:
		return withFallback(NewLlamaServerEndpoint(cfg.LlamaServerURL, cfg.LlamaServerModel, cfg.Timeout)), nil

	case ProviderAuto, "":
		// Default to a local model; Gemini only as fallback
		return withFallback(NewOllamaEndpoint(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.Timeout)), nil

	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}
