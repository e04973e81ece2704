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
	"strconv"
	"strings"
	"unicode"

	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// Retrieval pass limits. The primary pass fans out aggressively and is
// capped; the literal and entity passes are single queries.
const (
	primaryQueryLimit   = 50
	wordQueryLimit      = 25
	expandedQueryLimit  = 20
	variationQueryLimit = 40
	primaryPassCap      = 80
	literalPassLimit    = 50
	entityPassLimit     = 30
	maxEntityTokens     = 5
	yearWindow          = 20
)

// =============================================================================
// Question Analysis
// =============================================================================

// questionAnalysis carries everything derived from the raw question
// that the retrieval passes reuse.
type questionAnalysis struct {
	Original    string
	Embedding   []float32
	KeyConcepts []string // every whitespace token, verbatim
	Entities    []string // capitalized tokens longer than two runes
}

// analyzeQuestion embeds the question once and extracts the token sets
// the passes fan out over.
func (e *Engine) analyzeQuestion(ctx context.Context, question string) (questionAnalysis, error) {
	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return questionAnalysis{}, err
	}
	words := strings.Fields(question)
	entities := make([]string, 0, len(words))
	for _, word := range words {
		runes := []rune(word)
		if len(runes) > 2 && unicode.IsUpper(runes[0]) {
			entities = append(entities, word)
		}
	}
	return questionAnalysis{
		Original:    question,
		Embedding:   vec,
		KeyConcepts: words,
		Entities:    entities,
	}, nil
}

// normalizeQuery strips trailing punctuation that hurts nearest
// neighbour quality.
func normalizeQuery(question string) string {
	return strings.TrimRight(question, "?.!,;")
}

// =============================================================================
// Query Expansion
// =============================================================================

// expandedSearchTerms derives extra probe terms from the question:
// founding synonyms, a window of recent years, company and leadership
// synonyms, plus the question's own tokens. currentYear anchors the
// year window.
func expandedSearchTerms(analysis questionAnalysis, currentYear int) []string {
	lowered := strings.ToLower(analysis.Original)
	containsAny := func(probes ...string) bool {
		for _, p := range probes {
			if strings.Contains(lowered, p) {
				return true
			}
		}
		return false
	}

	var terms []string
	if containsAny("founded", "establish", "start", "began", "create") {
		terms = append(terms, "founded", "established", "started", "began", "created", "inception", "formation")
	}
	if containsAny("year", "when", "date", "time") {
		for year := currentYear - yearWindow; year <= currentYear; year++ {
			terms = append(terms, strconv.Itoa(year))
		}
	}
	if containsAny("company", "business", "organization") {
		terms = append(terms, "company", "business", "organization", "corporation", "firm")
	}
	if containsAny("head", "ceo", "leader", "manager", "director") {
		terms = append(terms, "CEO", "head", "director", "manager", "leader", "president", "founder")
	}
	terms = append(terms, analysis.KeyConcepts...)
	return terms
}

// questionWords returns the lowercased tokens of length > 2, the word
// set both the per-word probes and the keyword variation build on.
func questionWords(question string) []string {
	var words []string
	for _, word := range strings.Fields(question) {
		if len([]rune(word)) > 2 {
			words = append(words, strings.ToLower(strings.TrimSpace(word)))
		}
	}
	return words
}

// questionVariations builds the literal rewrites probed at the end of
// the primary pass: the raw question, the question with "was"/"is"
// substrings removed, and the content words joined.
func questionVariations(original string, words []string) []string {
	stripped := strings.ReplaceAll(original, "was", "")
	stripped = strings.TrimSpace(strings.ReplaceAll(stripped, "is", ""))
	return []string{original, stripped, strings.Join(words, " ")}
}

// =============================================================================
// Retrieval Passes
// =============================================================================

// queryByVector runs a plain nearest-neighbour search.
func (e *Engine) queryByVector(ctx context.Context, vec []float32, limit int) ([]vectorstore.Document, error) {
	return e.storeHandle().Search(ctx, vec, vectorstore.SearchOptions{Limit: limit})
}

// queryByText embeds the probe text and searches, passing the text
// through so hybrid backends can blend term scores.
func (e *Engine) queryByText(ctx context.Context, text string, limit int) ([]vectorstore.Document, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.storeHandle().Search(ctx, vec, vectorstore.SearchOptions{Limit: limit, Text: text})
}

// primaryRetrieval is the first and widest pass: one embedding query,
// then per-word, expanded-term, and question-variation probes. Probe
// failures are logged and skipped; the pass degrades rather than
// aborts. Results are deduplicated by text in first-seen order and
// capped at primaryPassCap.
func (e *Engine) primaryRetrieval(ctx context.Context, analysis questionAnalysis) []vectorstore.Document {
	var docs []vectorstore.Document
	seen := make(map[string]struct{})
	add := func(batch []vectorstore.Document) {
		for _, doc := range batch {
			if strings.TrimSpace(doc.Text) == "" {
				continue
			}
			if _, dup := seen[doc.Text]; dup {
				continue
			}
			seen[doc.Text] = struct{}{}
			docs = append(docs, doc)
		}
	}

	primary, err := e.queryByVector(ctx, analysis.Embedding, primaryQueryLimit)
	if err != nil {
		e.log.Warn("primary embedding search failed", "error", err)
	}
	add(primary)

	words := questionWords(analysis.Original)
	for _, word := range words {
		batch, err := e.queryByText(ctx, word, wordQueryLimit)
		if err != nil {
			e.log.Debug("word probe failed", "word", word, "error", err)
			continue
		}
		add(batch)
	}

	for _, term := range expandedSearchTerms(analysis, e.now().Year()) {
		if len(term) <= 1 {
			continue
		}
		batch, err := e.queryByText(ctx, term, expandedQueryLimit)
		if err != nil {
			e.log.Debug("expanded probe failed", "term", term, "error", err)
			continue
		}
		add(batch)
	}

	for _, variation := range questionVariations(analysis.Original, words) {
		if variation == "" || len(variation) <= 3 {
			continue
		}
		batch, err := e.queryByText(ctx, variation, variationQueryLimit)
		if err != nil {
			e.log.Debug("variation probe failed", "variation", variation, "error", err)
			continue
		}
		add(batch)
	}

	if len(docs) > primaryPassCap {
		docs = docs[:primaryPassCap]
	}
	return docs
}

// multiPassRetrieve unions the three retrieval passes, preserving
// first-seen order across them.
//
// # Description
//
// Pass 1 is primaryRetrieval. Pass 2 probes the normalized question
// text literally. Pass 3 joins up to five capitalized tokens and
// probes them as an entity phrase. Passes 2 and 3 are best effort;
// their failures only log.
func (e *Engine) multiPassRetrieve(ctx context.Context, analysis questionAnalysis, normalizedQuery string) []vectorstore.Document {
	var union []vectorstore.Document
	seen := make(map[string]struct{})
	add := func(batch []vectorstore.Document) {
		for _, doc := range batch {
			if strings.TrimSpace(doc.Text) == "" {
				continue
			}
			if _, dup := seen[doc.Text]; dup {
				continue
			}
			seen[doc.Text] = struct{}{}
			union = append(union, doc)
		}
	}

	add(e.primaryRetrieval(ctx, analysis))

	literal, err := e.queryByText(ctx, normalizedQuery, literalPassLimit)
	if err != nil {
		e.log.Warn("literal text pass failed", "error", err)
	}
	add(literal)

	if len(analysis.Entities) > 0 {
		entities := analysis.Entities
		if len(entities) > maxEntityTokens {
			entities = entities[:maxEntityTokens]
		}
		batch, err := e.queryByText(ctx, strings.Join(entities, " "), entityPassLimit)
		if err != nil {
			e.log.Warn("entity pass failed", "error", err)
		}
		add(batch)
	}

	e.log.Debug("multi-pass retrieval complete", "documents", len(union))
	return union
}
