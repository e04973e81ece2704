// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embeddings turns text into vectors. The retrieval engine
// embeds queries with the same backend the crawl pipeline embeds chunks
// with, otherwise scores are meaningless, so both sides share one
// Embedder built from the tenant's configuration.
package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Embedder is the contract both backends implement.
//
// # Description
//
// Embed produces the vector for one text, EmbedBatch for many in order.
// Implementations must be safe for concurrent use.
//
// # Example
//
//	embedder, err := embeddings.NewFromEnv()
//	if err != nil {
//	    return err
//	}
//	vector, err := embedder.Embed(ctx, "What are your opening hours?")
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// NewFromEnv builds the embedder selected by EMBEDDING_BACKEND_TYPE.
// Supported values are "openai" and "ollama"; anything else falls back
// to ollama, the local-first default.
func NewFromEnv() (Embedder, error) {
	backendType := os.Getenv("EMBEDDING_BACKEND_TYPE")

	switch backendType {
	case "openai":
		slog.Info("Using OpenAI embedding backend")
		return NewOpenAIEmbedder()
	case "ollama":
		slog.Info("Using Ollama embedding backend")
		return NewOllamaEmbedder()
	default:
		slog.Warn("EMBEDDING_BACKEND_TYPE not set or invalid, defaulting to ollama", "backend", backendType)
		return NewOllamaEmbedder()
	}
}

// embedOne adapts a batch call to the single-text form shared by both
// backends.
func embedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding backend returned no vectors")
	}
	return vectors[0], nil
}
