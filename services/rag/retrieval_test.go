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
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

type scriptedEncoder struct {
	scores map[string]float64
	err    error
}

func (s scriptedEncoder) Score(_ context.Context, _ string, docs []string) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(docs))
	for i, doc := range docs {
		out[i] = s.scores[doc]
	}
	return out, nil
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"When was Acme founded?", "When was Acme founded"},
		{"Really?!.", "Really"},
		{"no trailing punctuation", "no trailing punctuation"},
		{"mixed, ending;", "mixed, ending"},
		{"", ""},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeQuery(tc.in))
		})
	}
}

func TestQuestionWords(t *testing.T) {
	// Tokens keep their punctuation; only length filters apply.
	assert.Equal(t,
		[]string{"when", "was", "acme", "founded?"},
		questionWords("When was Acme founded?"))

	assert.Empty(t, questionWords("is it Go"))
}

func TestQuestionVariations(t *testing.T) {
	original := "What was the name"
	words := questionWords(original)
	got := questionVariations(original, words)
	require.Len(t, got, 3)
	assert.Equal(t, original, got[0])
	assert.Equal(t, "What  the name", got[1])
	assert.Equal(t, "what was the name", got[2])

	// The rewrite is a blunt substring removal, so "is" disappears from
	// inside words too.
	got = questionVariations("Where is Boise", questionWords("Where is Boise"))
	assert.Equal(t, "Where  Boe", got[1])
}

func TestExpandedSearchTerms(t *testing.T) {
	t.Run("founding and year buckets", func(t *testing.T) {
		analysis := questionAnalysis{
			Original:    "When was Acme founded?",
			KeyConcepts: []string{"When", "was", "Acme", "founded?"},
		}
		terms := expandedSearchTerms(analysis, 2025)

		assert.Contains(t, terms, "founded")
		assert.Contains(t, terms, "inception")
		assert.Contains(t, terms, "formation")
		for year := 2005; year <= 2025; year++ {
			assert.Contains(t, terms, strconv.Itoa(year))
		}
		assert.NotContains(t, terms, "2004")
		assert.NotContains(t, terms, "2026")
		// 7 founding synonyms + 21 years + 4 question tokens.
		assert.Len(t, terms, 32)
		assert.Equal(t, "founded?", terms[len(terms)-1])
	})

	t.Run("company bucket", func(t *testing.T) {
		analysis := questionAnalysis{
			Original:    "What kind of business are you",
			KeyConcepts: []string{"What", "kind", "of", "business", "are", "you"},
		}
		terms := expandedSearchTerms(analysis, 2025)
		assert.Contains(t, terms, "corporation")
		assert.Contains(t, terms, "firm")
		assert.NotContains(t, terms, "founded")
	})

	t.Run("leadership bucket", func(t *testing.T) {
		analysis := questionAnalysis{
			Original:    "Who runs the ceo office",
			KeyConcepts: []string{"Who", "runs", "the", "ceo", "office"},
		}
		terms := expandedSearchTerms(analysis, 2025)
		assert.Contains(t, terms, "CEO")
		assert.Contains(t, terms, "president")
		assert.Contains(t, terms, "founder")
	})

	t.Run("no bucket leaves only question tokens", func(t *testing.T) {
		analysis := questionAnalysis{
			Original:    "Tell me a joke",
			KeyConcepts: []string{"Tell", "me", "a", "joke"},
		}
		terms := expandedSearchTerms(analysis, 2025)
		assert.Equal(t, analysis.KeyConcepts, terms)
	})
}

func TestAnalyzeQuestionEntities(t *testing.T) {
	fx := newTestEngine(t, nil)

	analysis, err := fx.engine.analyzeQuestion(context.Background(), "When did Jane Doe join Acme Corporation?")
	require.NoError(t, err)

	assert.Equal(t, "When did Jane Doe join Acme Corporation?", analysis.Original)
	assert.NotEmpty(t, analysis.Embedding)
	assert.Equal(t,
		[]string{"When", "did", "Jane", "Doe", "join", "Acme", "Corporation?"},
		analysis.KeyConcepts)
	assert.Equal(t,
		[]string{"When", "Jane", "Doe", "Acme", "Corporation?"},
		analysis.Entities)
}

func TestRerankKeywords(t *testing.T) {
	assert.Equal(t,
		[]string{"pricing", "details"},
		rerankKeywords("the pricing details now"))
	assert.Empty(t, rerankKeywords("how is it"))
}

func TestRerankKeywordBonusWins(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.engine.encoder = scriptedEncoder{scores: map[string]float64{
		"nothing relevant here":           0.5,
		"pricing and details both match":  0.1,
		"only pricing matches this chunk": 0.2,
	}}

	docs := []vectorstore.Document{
		{ID: "a", Text: "nothing relevant here"},
		{ID: "b", Text: "pricing and details both match"},
		{ID: "c", Text: "only pricing matches this chunk"},
	}
	ranked, err := fx.engine.rerank(context.Background(), "pricing details", docs, 3)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	// b: 0.1 + 2*0.3 = 0.7, a: 0.5, c: 0.2 + 0.3 = 0.5; a/c tie keeps
	// retrieval order.
	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, "a", ranked[1].ID)
	assert.Equal(t, "c", ranked[2].ID)
}

func TestRerankReturnsSubsetWithoutDuplicates(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.engine.encoder = flatEncoder{}

	docs := make([]vectorstore.Document, 0, 15)
	for i := 0; i < 15; i++ {
		docs = append(docs, vectorstore.Document{
			ID:   strconv.Itoa(i),
			Text: "chunk " + strconv.Itoa(i),
		})
	}
	input := make(map[string]bool, len(docs))
	for _, doc := range docs {
		input[doc.ID] = true
	}

	ranked, err := fx.engine.rerank(context.Background(), "anything", docs, 4)
	require.NoError(t, err)
	require.Len(t, ranked, 4)

	seen := make(map[string]bool)
	for _, doc := range ranked {
		assert.True(t, input[doc.ID], "reranked doc %s not in candidate set", doc.ID)
		assert.False(t, seen[doc.ID], "duplicate doc %s in rerank output", doc.ID)
		seen[doc.ID] = true
	}
}

func TestRerankDefaultsToMaxPassages(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.engine.encoder = flatEncoder{}

	docs := make([]vectorstore.Document, 0, 14)
	for i := 0; i < 14; i++ {
		docs = append(docs, vectorstore.Document{ID: strconv.Itoa(i), Text: "chunk"})
	}
	ranked, err := fx.engine.rerank(context.Background(), "q", docs, 0)
	require.NoError(t, err)
	assert.Len(t, ranked, DefaultMaxPassages)
}

func TestRerankEmptyAndError(t *testing.T) {
	fx := newTestEngine(t, nil)

	ranked, err := fx.engine.rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Nil(t, ranked)

	fx.engine.encoder = scriptedEncoder{err: errors.New("encoder down")}
	_, err = fx.engine.rerank(context.Background(), "q", []vectorstore.Document{{Text: "x"}}, 5)
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}

func TestMultiPassRetrieveDeduplicatesByText(t *testing.T) {
	docs := []vectorstore.Document{
		{ID: "1", Text: "Acme was founded in 2005."},
		{ID: "2", Text: "Acme sells weather balloons."},
		{ID: "3", Text: "Acme was founded in 2005."}, // duplicate text, distinct id
		{ID: "4", Text: "   "},                       // blank chunks are dropped
		{ID: "5", Text: "The office is in Reykjavik."},
	}
	fx := newTestEngine(t, docs)

	question := "When was Acme founded?"
	analysis, err := fx.engine.analyzeQuestion(context.Background(), question)
	require.NoError(t, err)

	union := fx.engine.multiPassRetrieve(context.Background(), analysis, normalizeQuery(question))

	texts := make(map[string]int)
	for _, doc := range union {
		assert.NotEmpty(t, doc.Text)
		texts[doc.Text]++
	}
	for text, n := range texts {
		assert.Equal(t, 1, n, "text %q appears %d times", text, n)
	}
	assert.Contains(t, texts, "Acme was founded in 2005.")
	assert.Contains(t, texts, "Acme sells weather balloons.")
	assert.NotContains(t, texts, "   ")
	assert.LessOrEqual(t, len(union), primaryPassCap+literalPassLimit+entityPassLimit)
}
