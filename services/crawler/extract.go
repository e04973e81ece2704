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
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
)

// =============================================================================
// Page Extraction
// =============================================================================

// PageExtraction is everything pulled from one parsed HTML document:
// the page title and meta description for chunk metadata, the raw body
// text for change detection, the candidate text items, and the
// outbound links.
type PageExtraction struct {
	Title           string
	MetaDescription string
	BodyText        string
	Items           []ExtractedText
	Links           []string
}

// ExtractedText is one candidate text region plus a label describing
// where on the page it came from.
type ExtractedText struct {
	Text        string
	ContentType string
}

// structuralTags are the element names mined for text wholesale. The
// net is deliberately wide; the pipeline dedups and the cleaner drops
// what is not prose.
var structuralTags = map[string]struct{}{
	"article": {}, "main": {}, "p": {}, "div": {}, "span": {},
	"section": {}, "aside": {}, "header": {}, "footer": {},
	"ul": {}, "ol": {}, "li": {}, "nav": {}, "menu": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"strong": {}, "em": {}, "b": {}, "i": {},
	"label": {}, "button": {},
	"table": {}, "td": {}, "th": {}, "caption": {}, "figcaption": {},
}

// contentContainerClasses are class or id names that CMS themes use
// for the main content column.
var contentContainerClasses = []string{
	"content", "post-content", "entry-content", "article-content",
	"page-content", "rich-text", "prose", "text-content", "body-content",
}

var structuredDataTextFields = []string{
	"name", "title", "description", "text", "articleBody", "headline", "summary",
}

// ExtractPage walks a parsed document and collects every text region
// that could hold content, from the whole-body fallback down to alt
// text and JSON-LD blocks.
func ExtractPage(root *html.Node) PageExtraction {
	var page PageExtraction

	if body := findElement(root, "body"); body != nil {
		page.BodyText = collapseSpace(textContent(body))
		if len(page.BodyText) > 50 {
			page.Items = append(page.Items, ExtractedText{page.BodyText, "full_page_text"})
		}
	}

	if title := findElement(root, "title"); title != nil {
		text := collapseSpace(textContent(title))
		if len(text) >= 3 {
			page.Title = text
			page.Items = append(page.Items, ExtractedText{text, "title"})
		}
	}

	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case "meta":
			name := attrVal(n, "name")
			property := attrVal(n, "property")
			if name == "description" || property == "og:description" {
				content := collapseSpace(attrVal(n, "content"))
				if len(content) > 15 {
					if page.MetaDescription == "" {
						page.MetaDescription = content
					}
					page.Items = append(page.Items, ExtractedText{content, "meta_description"})
				}
			}
			return
		case "img":
			alt := collapseSpace(attrVal(n, "alt"))
			if len(alt) > 10 && !isBoilerplate(alt) {
				page.Items = append(page.Items, ExtractedText{alt, "alt_or_caption"})
			}
			return
		case "figcaption":
			caption := collapseSpace(textContent(n))
			if len(caption) > 10 && !isBoilerplate(caption) {
				page.Items = append(page.Items, ExtractedText{caption, "alt_or_caption"})
			}
			// figcaption is also a structural tag, so it continues to
			// the generic extraction below.
		case "script":
			if attrVal(n, "type") == "application/ld+json" {
				if mined := mineStructuredData(rawText(n)); len(mined) > 20 {
					page.Items = append(page.Items, ExtractedText{mined, "structured_data"})
				}
			}
			return
		case "a":
			if href := strings.TrimSpace(attrVal(n, "href")); href != "" {
				page.Links = append(page.Links, href)
			}
		case "input":
			t := attrVal(n, "type")
			if t == "submit" || t == "button" {
				if value := collapseSpace(attrVal(n, "value")); len(value) > 5 {
					page.Items = append(page.Items, ExtractedText{value, "element_input"})
				}
			}
			return
		}

		if label, ok := structuralLabel(n); ok {
			text := collapseSpace(textContent(n))
			if len(text) > 5 {
				page.Items = append(page.Items, ExtractedText{text, "element_" + label})
			}
		}
	})

	return page
}

// ExtractRendered mines a browser-rendered document with a narrower
// net: the main content containers plus headings and paragraphs. Used
// when static extraction came back nearly empty.
func ExtractRendered(root *html.Node) []ExtractedText {
	var items []ExtractedText
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		if isRenderedContainer(n) {
			text := collapseSpace(textContent(n))
			if len(text) > 50 && len(text) < 50000 {
				items = append(items, ExtractedText{text, "rendered_content"})
			}
			return
		}
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6", "p":
			text := collapseSpace(textContent(n))
			if len(text) > 20 && len(text) < 50000 {
				items = append(items, ExtractedText{text, "rendered_" + n.Data})
			}
		}
	})
	return items
}

func isRenderedContainer(n *html.Node) bool {
	switch n.Data {
	case "main", "article", "section":
		return true
	}
	if attrVal(n, "role") == "main" {
		return true
	}
	if attrVal(n, "id") == "content" {
		return true
	}
	for _, class := range strings.Fields(attrVal(n, "class")) {
		if class == "content" {
			return true
		}
	}
	return false
}

// structuralLabel decides whether an element is worth mining and
// returns the label used in its content type.
func structuralLabel(n *html.Node) (string, bool) {
	if _, ok := structuralTags[n.Data]; ok {
		return n.Data, true
	}
	if attrVal(n, "role") == "main" {
		return "main_role", true
	}
	if id := attrVal(n, "id"); id != "" {
		for _, marker := range contentContainerClasses {
			if id == marker {
				return marker, true
			}
		}
	}
	for _, class := range strings.Fields(attrVal(n, "class")) {
		for _, marker := range contentContainerClasses {
			if class == marker {
				return marker, true
			}
		}
	}
	return "", false
}

// mineStructuredData pulls human-readable strings out of a JSON-LD
// payload: the well-known text fields plus any free string over twenty
// characters.
func mineStructuredData(raw string) string {
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ""
	}
	var parts []string
	collectStructuredText(payload, &parts)
	return strings.Join(parts, " ")
}

func collectStructuredText(v any, parts *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for _, field := range structuredDataTextFields {
			if s, ok := val[field].(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					*parts = append(*parts, s)
				}
			}
		}
		for key, child := range val {
			if isStructuredTextField(key) {
				continue
			}
			collectStructuredText(child, parts)
		}
	case []any:
		for _, child := range val {
			collectStructuredText(child, parts)
		}
	case string:
		if s := strings.TrimSpace(val); len(s) > 20 {
			*parts = append(*parts, s)
		}
	}
}

func isStructuredTextField(key string) bool {
	for _, field := range structuredDataTextFields {
		if key == field {
			return true
		}
	}
	return false
}

// =============================================================================
// DOM Helpers
// =============================================================================

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

// textContent concatenates the text nodes under n, skipping script,
// style, and comment subtrees.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			sb.WriteString(node.Data)
			sb.WriteByte(' ')
			return
		case html.CommentNode:
			return
		case html.ElementNode:
			switch node.Data {
			case "script", "style", "noscript", "template":
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

// rawText returns the immediate text of a node without entering child
// elements. Used for script bodies.
func rawText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
