// Package llm provides the text-generation backends the answer synthesis
// pipeline runs on. Every backend implements LLMClient; backends that can
// deliver tokens incrementally also implement StreamingLLMClient.
package llm

import (
	"context"
	"log/slog"
	"os"
)

// GenerationParams carries the sampling knobs a caller may override per
// request. Nil fields fall back to each backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// NewFromEnv constructs the backend selected by LLM_BACKEND_TYPE.
//
// # Description
//
// Recognized values are "local" (llama.cpp server), "openai", "ollama",
// "gemini", and "claude"/"anthropic". Anything else falls back to the
// Ollama backend, which is what the stock container stack ships with.
//
// # Outputs
//
//   - LLMClient: The configured backend.
//   - error: Non-nil when the selected backend is missing required
//     configuration (base URL, API key).
func NewFromEnv() (LLMClient, error) {
	backend := os.Getenv("LLM_BACKEND_TYPE")
	switch backend {
	case "local":
		slog.Info("Using Local Llama.cpp LLM backend")
		return NewLocalLlamaCppClient()
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return NewOllamaClient()
	case "gemini":
		slog.Info("Using Google Gemini LLM backend")
		return NewGeminiClient(context.Background())
	case "claude", "anthropic":
		slog.Info("Using Anthropic (Claude) LLM backend")
		return NewAnthropicClient()
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama", "value", backend)
		return NewOllamaClient()
	}
}
