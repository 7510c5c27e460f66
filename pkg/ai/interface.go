package ai

import (
	"context"
	"fmt"
	"time"
)

// Purpose tags a request with the pipeline stage that issued it.
type Purpose string

const (
	PurposeShallow Purpose = "shallow"
	PurposeDeep    Purpose = "deep"
	PurposeAgent   Purpose = "agent"
	PurposeDigest  Purpose = "digest"
)

// Request is one completion call. Schema, when set, is a JSON schema the
// provider should constrain its output to.
type Request struct {
	Purpose     Purpose
	System      string
	Prompt      string
	Schema      map[string]interface{}
	MaxTokens   int
	Temperature float64
}

// Response is the raw model output. Thinking holds any reasoning the model
// emitted outside the answer.
type Response struct {
	Text     string
	Thinking string
	Provider ProviderType
	Duration time.Duration
}

// Endpoint is a language-model backend.
// Implement this interface to add new AI providers (Gemini, Ollama, llama-server, etc.)
type Endpoint interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ProviderType represents the AI provider type
type ProviderType string

const (
	ProviderGemini      ProviderType = "gemini"
	ProviderOllama      ProviderType = "ollama"
	ProviderLlamaServer ProviderType = "llamaserver"
	ProviderAuto        ProviderType = "auto"
)

// StatusError is a non-200 reply from an HTTP provider.
type StatusError struct {
	Provider ProviderType
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}
