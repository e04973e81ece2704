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
	"html"
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// HTML Stripping
// =============================================================================

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	noscriptRe   = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	commentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	sentenceEndRe = regexp.MustCompile(`[.!?]+\s+`)
)

// LightCleanText strips markup and collapses whitespace without any
// sentence-level filtering. Used for previews and titles where
// dropping short fragments would lose the content entirely.
func LightCleanText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	text = html.UnescapeString(text)
	text = scriptRe.ReplaceAllString(text, "")
	text = styleRe.ReplaceAllString(text, "")
	text = noscriptRe.ReplaceAllString(text, "")
	text = tagRe.ReplaceAllString(text, " ")
	text = commentRe.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CleanWebpageText strips markup, splits the result into sentences,
// and keeps only the ones that read like prose: long enough, varied
// enough, mostly alphabetic, not navigation or legal boilerplate, and
// not an exact repeat of an earlier sentence.
func CleanWebpageText(text string) string {
	text = LightCleanText(text)
	if text == "" {
		return ""
	}
	seen := make(map[string]struct{})
	var kept []string
	for _, sentence := range splitSentences(text) {
		if len(sentence) < 15 {
			continue
		}
		words := strings.Fields(sentence)
		if len(words) < 2 {
			continue
		}
		lowered := strings.ToLower(sentence)
		if _, dup := seen[lowered]; dup {
			continue
		}
		if isBoilerplate(sentence) {
			continue
		}
		if !hasGoodWordVariety(words) {
			continue
		}
		if !mostlyAlphabetic(sentence) {
			continue
		}
		seen[lowered] = struct{}{}
		kept = append(kept, sentence)
	}
	return strings.Join(kept, " ")
}

// splitSentences breaks cleaned text on sentence terminators and
// newlines, trimming each piece. Terminators are consumed.
func splitSentences(text string) []string {
	var out []string
	for _, part := range sentenceEndRe.Split(text, -1) {
		for _, line := range strings.Split(part, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

// hasGoodWordVariety rejects fragments under four words and sentences
// where repeated words dominate.
func hasGoodWordVariety(words []string) bool {
	if len(words) < 4 {
		return false
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
	}
	return float64(len(unique))/float64(len(words)) >= 0.6
}

func mostlyAlphabetic(sentence string) bool {
	runes := []rune(sentence)
	if len(runes) == 0 {
		return false
	}
	alpha := 0
	for _, r := range runes {
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	return float64(alpha)/float64(len(runes)) >= 0.6
}

// =============================================================================
// Boilerplate Detection
// =============================================================================

var boilerplatePatterns = []*regexp.Regexp{
	// Navigation chrome.
	regexp.MustCompile(`\bhome\b.*\babout\b.*\bcontact\b`),
	regexp.MustCompile(`\bmenu\b`),
	regexp.MustCompile(`\bnavigation\b`),
	regexp.MustCompile(`\bskip to\b`),
	regexp.MustCompile(`\bmain content\b`),
	regexp.MustCompile(`\bbreadcrumb\b`),
	regexp.MustCompile(`\bgo to\b.*\bpage\b`),
	regexp.MustCompile(`\bprevious\b.*\bnext\b`),
	regexp.MustCompile(`^(home|about|contact|services|products|blog|news)$`),

	// Social and subscription prompts.
	regexp.MustCompile(`\bfollow us\b`),
	regexp.MustCompile(`\bshare this\b`),
	regexp.MustCompile(`\blike us on\b`),
	regexp.MustCompile(`\bfacebook\b.*\btwitter\b.*\binstagram\b`),
	regexp.MustCompile(`\bsocial media\b`),
	regexp.MustCompile(`\bsubscribe\b.*\bnewsletter\b`),
	regexp.MustCompile(`\bsign up\b.*\bupdates\b`),

	// Legal footers.
	regexp.MustCompile(`\bcopyright\b.*\d{4}`),
	regexp.MustCompile(`\ball rights reserved\b`),
	regexp.MustCompile(`\bprivacy policy\b`),
	regexp.MustCompile(`\bterms of service\b`),
	regexp.MustCompile(`\bterms and conditions\b`),
	regexp.MustCompile(`\bcookie policy\b`),
	regexp.MustCompile(`\bpowered by\b`),
	regexp.MustCompile(`\bdesigned by\b`),

	// Generic UI strings and counters.
	regexp.MustCompile(`^(click here|read more|learn more|view all|see all|show more)\.?$`),
	regexp.MustCompile(`^\d+\s+(comments?|views?|likes?|shares?)\.?$`),
	regexp.MustCompile(`^\w+\s*:\s*$`),
	regexp.MustCompile(`^(yes|no|ok|cancel|submit|send|search)\.?$`),
	regexp.MustCompile(`^\s*[\d\s\-()]+\s*$`),
}

// isBoilerplate reports whether a sentence is site chrome rather than
// content. Matching happens on the lowercased text; a final check
// catches one word repeated across most of the sentence.
func isBoilerplate(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	for _, pattern := range boilerplatePatterns {
		if pattern.MatchString(lowered) {
			return true
		}
	}
	words := strings.Fields(lowered)
	if len(words) > 2 {
		counts := make(map[string]int, len(words))
		top := 0
		for _, w := range words {
			counts[w]++
			if counts[w] > top {
				top = counts[w]
			}
		}
		if float64(top)/float64(len(words)) > 0.5 {
			return true
		}
	}
	return false
}
