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
	"sort"
	"strings"

	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// =============================================================================
// Location Query Detection
// =============================================================================

var locationTriggers = []string{
	"where is this",
	"which page",
	"source",
	"link",
	"url",
	"where did you get this",
	"about page",
	"where can i find",
	"what page",
	"page located",
}

// isLocationQuery reports whether the question explicitly asks for a
// page location or link. Matches trigger phrases as substrings, plus
// the short tokens source/link/url as whole words.
func isLocationQuery(question string) bool {
	if question == "" {
		return false
	}
	lowered := strings.ToLower(question)
	for _, trigger := range locationTriggers {
		if strings.Contains(lowered, trigger) {
			return true
		}
	}
	words := strings.Fields(lowered)
	for _, token := range []string{"source", "link", "url"} {
		for _, word := range words {
			if word == token {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// URL-Level Rerank
// =============================================================================

var locationPositiveTerms = []string{"about", "who we are", "company", "our story", "mission"}

var locationNegativeSegments = []string{"/blog", "/category", "/tag"}

// pageCandidate is one source page in the location rerank.
type pageCandidate struct {
	Title string
	URL   string
	Score int
}

// bestLocationCandidate groups retrieved chunks by their source URL,
// scores each URL, and returns the winner.
//
// # Description
//
// Every chunk contributes to its page's score: +2 for each positive
// term found in the chunk text or its title metadata, -5 for each
// negative path segment in the URL. Penalties therefore stack with
// chunk count, which buries multi-chunk blog and archive pages. Ties
// break by lexicographic URL so the pick is stable across runs.
//
// # Outputs
//
//   - pageCandidate: the winning page
//   - bool: false when no chunk carried a usable URL
func bestLocationCandidate(docs []vectorstore.Document) (pageCandidate, bool) {
	byURL := make(map[string]*pageCandidate)
	for _, doc := range docs {
		url := strings.TrimSpace(documentURL(doc.Metadata))
		if url == "" {
			continue
		}
		entry, ok := byURL[url]
		if !ok {
			entry = &pageCandidate{Title: documentTitle(doc.Metadata, url), URL: url}
			byURL[url] = entry
		}

		checkParts := []string{strings.ToLower(doc.Text)}
		if title := doc.Metadata["page_title"]; title != "" {
			checkParts = append(checkParts, strings.ToLower(title))
		}
		if title := doc.Metadata["title"]; title != "" {
			checkParts = append(checkParts, strings.ToLower(title))
		}
		checkText := strings.Join(checkParts, " ")

		for _, term := range locationPositiveTerms {
			if strings.Contains(checkText, term) {
				entry.Score += 2
			}
		}
		loweredURL := strings.ToLower(url)
		for _, segment := range locationNegativeSegments {
			if strings.Contains(loweredURL, segment) {
				entry.Score -= 5
			}
		}
	}

	if len(byURL) == 0 {
		return pageCandidate{}, false
	}
	candidates := make([]pageCandidate, 0, len(byURL))
	for _, entry := range byURL {
		candidates = append(candidates, *entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].URL < candidates[j].URL
	})
	return candidates[0], true
}

// Format renders the candidate as the exact two-line reply the chat
// widget expects.
func (c pageCandidate) Format() string {
	return c.Title + "\n" + c.URL
}

// =============================================================================
// Metadata Helpers
// =============================================================================

// documentURL returns the chunk's source URL, trying the metadata keys
// the crawler and legacy ingesters have used over time.
func documentURL(metadata map[string]string) string {
	for _, key := range []string{"url", "filePath", "webpage", "source"} {
		if v := metadata[key]; v != "" {
			return v
		}
	}
	return ""
}

// documentTitle returns a display title for the chunk's page, falling
// back to the URL itself.
func documentTitle(metadata map[string]string, url string) string {
	for _, key := range []string{"page_title", "title", "page", "domain"} {
		if v := metadata[key]; v != "" {
			return strings.TrimSpace(v)
		}
	}
	return url
}
