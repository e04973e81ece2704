// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crawler

import (
	"regexp"
	"strings"
)

// =============================================================================
// Chunking
// =============================================================================

const (
	// MinChunkSize is the smallest chunk (in bytes) worth embedding.
	MinChunkSize = 250

	// MaxChunkSize caps a chunk so it stays inside embedding context.
	MaxChunkSize = 3250

	// chunkOverlapWords is how many trailing words carry over into the
	// next chunk to preserve continuity across boundaries.
	chunkOverlapWords = 15

	// minChunkWords drops chunks that survive the size checks but are
	// just one or two giant tokens.
	minChunkWords = 3
)

var sentenceTokenRe = regexp.MustCompile(`([.!?]+)(\s+)`)

// tokenizeSentences splits text into sentences, keeping the terminal
// punctuation attached so chunk sizes reflect the real text.
func tokenizeSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceTokenRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		if sentence := strings.TrimSpace(rest[:loc[3]]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		rest = rest[loc[1]:]
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// ChunkText splits cleaned text into retrieval-sized chunks. Sentences
// accumulate until the next one would push past MaxChunkSize; the
// chunk is emitted if it reached MinChunkSize, and the next chunk is
// seeded with the last few words of the previous one. Text shorter
// than MinChunkSize produces no chunks, except that text which yields
// nothing through the sentence path is kept whole when it is long
// enough on its own.
func ChunkText(text string) []string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return nil
	}

	var chunks []string
	var current string
	for _, sentence := range tokenizeSentences(trimmed) {
		potential := sentence
		if current != "" {
			potential = current + " " + sentence
		}
		if len(potential) > MaxChunkSize && current != "" {
			if len(current) >= MinChunkSize {
				chunks = append(chunks, current)
			}
			words := strings.Fields(current)
			overlap := chunkOverlapWords
			if len(words) < overlap {
				overlap = len(words)
			}
			if overlap > 0 {
				current = strings.Join(words[len(words)-overlap:], " ") + " " + sentence
			} else {
				current = sentence
			}
		} else {
			current = potential
		}
	}
	if current = strings.TrimSpace(current); current != "" && len(current) >= MinChunkSize {
		chunks = append(chunks, current)
	}

	if len(chunks) == 0 && len(trimmed) >= MinChunkSize {
		chunks = []string{trimmed}
	}

	var quality []string
	for _, chunk := range chunks {
		if len(strings.Fields(chunk)) >= minChunkWords {
			quality = append(quality, chunk)
		}
	}
	return quality
}
