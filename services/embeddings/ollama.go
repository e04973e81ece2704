// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel"
)

var ollamaTracer = otel.Tracer("tidepool.embeddings.ollama")

// defaultOllamaEmbedModel is a small embedding model most Ollama
// installs carry.
const defaultOllamaEmbedModel = "nomic-embed-text"

// OllamaEmbedder embeds through a local Ollama server.
type OllamaEmbedder struct {
	llm   *ollama.LLM
	model string
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder reads OLLAMA_BASE_URL and EMBEDDING_MODEL.
func NewOllamaEmbedder() (*OllamaEmbedder, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = defaultOllamaEmbedModel
		slog.Warn("EMBEDDING_MODEL not set, defaulting to nomic-embed-text")
	}

	llm, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama embedding client: %w", err)
	}

	slog.Info("Initializing Ollama embedding client", "base_url", baseURL, "model", model)
	return &OllamaEmbedder{llm: llm, model: model}, nil
}

// Embed implements the Embedder interface.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, e, text)
}

// EmbedBatch implements the Embedder interface.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := ollamaTracer.Start(ctx, "EmbedBatch")
	defer span.End()

	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", e.model, e.model)
		}
		return nil, fmt.Errorf("ollama embeddings call failed: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}
