// Package llm provides the provider abstraction over OpenAI-compatible
// chat/embedding APIs and the Gateway, the single call point the rest of
// the pipeline goes through. The Gateway owns the retry policy, JSON
// salvage, per-call timeouts and telemetry emission; providers are thin
// single-attempt HTTP clients.
package llm

import (
	"context"
	"fmt"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider    string  `json:"provider" yaml:"provider"` // openai, deepseek, openrouter, ollama, custom
	Model       string  `json:"model" yaml:"model"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg), nil
	case "deepseek":
		return NewDeepSeek(cfg), nil
	case "openrouter":
		return NewOpenRouter(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// APIError is a structured HTTP error from the provider. Status codes in
// the 4xx range (except 429) are permanent and must not be retried.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfterSeconds carries a Retry-After hint from a 429 response.
	RetryAfterSeconds int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the error warrants another attempt.
func (e *APIError) Retryable() bool {
	if e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}
