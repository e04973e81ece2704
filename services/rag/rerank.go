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
	"sort"
	"strings"

	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// keywordBonus is added to a candidate's semantic score once per
// question keyword found in its text.
const keywordBonus = 0.3

// rerankKeywords extracts the question tokens used for the lexical
// bonus: lowercased words longer than three runes.
func rerankKeywords(question string) []string {
	var keywords []string
	for _, word := range strings.Fields(question) {
		if len([]rune(word)) > 3 {
			keywords = append(keywords, strings.ToLower(word))
		}
	}
	return keywords
}

// rerank orders candidates by cross-encoder score plus a keyword-match
// bonus and returns the top n. Ties keep the retrieval order. A
// non-positive n falls back to the engine's max passages.
func (e *Engine) rerank(ctx context.Context, question string, docs []vectorstore.Document, topn int) ([]vectorstore.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	semantic, err := e.encoder.Score(ctx, question, texts)
	if err != nil {
		return nil, err
	}

	keywords := rerankKeywords(question)
	type scoredDoc struct {
		doc   vectorstore.Document
		score float64
	}
	scored := make([]scoredDoc, len(docs))
	for i, doc := range docs {
		lowered := strings.ToLower(doc.Text)
		matches := 0
		for _, keyword := range keywords {
			if strings.Contains(lowered, keyword) {
				matches++
			}
		}
		scored[i] = scoredDoc{doc: doc, score: semantic[i] + float64(matches)*keywordBonus}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	if topn <= 0 {
		topn = e.maxPassages
	}
	if len(scored) > topn {
		scored = scored[:topn]
	}
	ranked := make([]vectorstore.Document, len(scored))
	for i, s := range scored {
		ranked[i] = s.doc
	}
	return ranked, nil
}
