// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"fmt"
	"math"

	"github.com/AleutianAI/Tidepool/services/embeddings"
)

// CrossEncoder scores question/document pairs for reranking. Higher
// scores mean the document is more likely to answer the question.
type CrossEncoder interface {
	// Score returns one relevance score per document, in order.
	Score(ctx context.Context, question string, docs []string) ([]float64, error)
}

// EmbeddingCrossEncoder approximates pairwise relevance with cosine
// similarity between the question embedding and each document
// embedding. It reuses whatever embedding backend the engine already
// holds, so reranking needs no extra model deployment.
type EmbeddingCrossEncoder struct {
	embedder embeddings.Embedder
}

// NewEmbeddingCrossEncoder wraps an embedder as a CrossEncoder.
func NewEmbeddingCrossEncoder(embedder embeddings.Embedder) *EmbeddingCrossEncoder {
	return &EmbeddingCrossEncoder{embedder: embedder}
}

var _ CrossEncoder = (*EmbeddingCrossEncoder)(nil)

// Score embeds the question and the documents in one batch and returns
// the cosine similarities.
func (c *EmbeddingCrossEncoder) Score(ctx context.Context, question string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	questionVec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question for rerank: %w", err)
	}
	docVecs, err := c.embedder.EmbedBatch(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("embed candidates for rerank: %w", err)
	}
	if len(docVecs) != len(docs) {
		return nil, fmt.Errorf("rerank embedding count mismatch: %d vectors for %d documents", len(docVecs), len(docs))
	}
	scores := make([]float64, len(docs))
	for i, vec := range docVecs {
		scores[i] = cosineSimilarity(questionVec, vec)
	}
	return scores, nil
}

// cosineSimilarity returns the cosine of the angle between two
// vectors, or 0 when either has no magnitude or the lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
