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
	"regexp"
	"strings"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// Synthesis sampling knobs. Low temperature keeps answers consistent
// across retries of the same question.
const (
	synthesisTemperature = float32(0.3)
	synthesisTopP        = float32(0.8)
	synthesisTopK        = 50
	synthesisContextDocs = 12
)

// Graceful degradation replies for the synthesis stage.
const (
	noContextReply      = "I couldn't find relevant information to answer your question."
	emptyAnswerReply    = "I found some information but couldn't generate a proper response."
	synthesisErrorReply = "I found relevant information but encountered an error while generating the response."
)

// synthesisPrompt is the fixed answering prompt. The link rules mirror
// the location fast-path: the model may only surface URLs when the
// user explicitly asked where something lives.
const synthesisPrompt = `You are a helpful assistant that answers questions accurately using the provided context.

CONTEXT:
%s

INSTRUCTIONS:
1. Read ALL context passages carefully, even if formatting appears unclear.
2. Extract relevant information from the context to answer the question.
3. Combine information from multiple passages when needed to form complete answers.
4. Provide clear, factual answers in 2-3 sentences.
5. IMPORTANT: Do NOT include any source attributions, page titles, URLs, or links unless the user explicitly asked for page locations or links (for example: "where is this", "which page", "source", "link", "URL", "where did you get this", "about page", or similar).
6. If the user explicitly asked for links, ONLY provide links and titles that appear in the provided context metadata — DO NOT invent URLs or sources.
7. When providing links, format each entry exactly as:
   Page title
   https://page-url
8. If you were not explicitly asked for links, do NOT include any URLs, source lines, or link-like text in your reply.

QUESTION: %s

ANSWER (be concise and factual):`

var urlPattern = regexp.MustCompile(`https?://\S+`)

// synthesizeAnswer feeds the top reranked passages and the question to
// the LLM and returns a user-facing answer. Every failure mode maps to
// a fixed fallback string; this function never returns an error to the
// chat flow. A non-nil emit receives raw token fragments while the
// model generates; the returned answer is still the post-processed
// whole.
func (e *Engine) synthesizeAnswer(ctx context.Context, question string, docs []vectorstore.Document, emit llm.StreamCallback) string {
	if len(docs) == 0 {
		return noContextReply
	}

	contextDocs := docs
	if len(contextDocs) > synthesisContextDocs {
		contextDocs = contextDocs[:synthesisContextDocs]
	}
	passages := make([]string, len(contextDocs))
	for i, doc := range contextDocs {
		passages[i] = doc.Text
	}
	prompt := fmt.Sprintf(synthesisPrompt, strings.Join(passages, "\n"), question)

	temperature := synthesisTemperature
	topP := synthesisTopP
	topK := synthesisTopK
	raw, err := e.generateAnswer(ctx, prompt, llm.GenerationParams{
		Temperature: &temperature,
		TopP:        &topP,
		TopK:        &topK,
	}, emit)
	if err != nil {
		e.log.Error("answer synthesis failed", "error", err)
		return synthesisErrorReply
	}
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return emptyAnswerReply
	}

	// The prompt already forbids URLs for non-location questions; the
	// strip below is the safety net for models that ignore it.
	if !isLocationQuery(question) {
		if cleaned := stripSourceReferences(answer); cleaned != "" {
			answer = cleaned
		}
	}
	return answer
}

// stripSourceReferences removes URLs and source-attribution lines from
// a generated answer. Returns "" when nothing survives; callers keep
// the original answer in that case.
func stripSourceReferences(answer string) string {
	cleaned := urlPattern.ReplaceAllString(answer, "")
	var kept []string
	for _, line := range strings.Split(cleaned, "\n") {
		lowered := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(lowered, "source:") || strings.HasPrefix(lowered, "sources:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
