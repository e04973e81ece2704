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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const extractFixture = `<!DOCTYPE html>
<html>
<head>
<title>Acme Widgets - Precision Tooling</title>
<meta name="description" content="Acme builds precision widgets for aerospace suppliers.">
<meta property="og:description" content="Precision widgets, shipped worldwide by the Acme team.">
<script type="application/ld+json">{"@type":"Organization","name":"Acme Widgets Incorporated","description":"Family-owned since 1985, Acme machines precision parts."}</script>
</head>
<body>
<main>
<h1>Precision widgets</h1>
<p>Acme has machined precision widgets for aerospace suppliers since 1985.</p>
<img src="/line.jpg" alt="Our CNC line in the Boise plant">
<figure><figcaption>The original 1985 workshop photographed in winter</figcaption></figure>
<a href="/about">About</a>
<a href="https://acme.test/services#team">Services</a>
<a href="mailto:info@acme.test">Mail</a>
</main>
<script>var ignored = true;</script>
</body>
</html>`

func parseFixture(t *testing.T, raw string) *html.Node {
	t.Helper()
	root, err := html.Parse(strings.NewReader(raw))
	require.NoError(t, err)
	return root
}

func itemsOfType(page PageExtraction, contentType string) []string {
	var texts []string
	for _, item := range page.Items {
		if item.ContentType == contentType {
			texts = append(texts, item.Text)
		}
	}
	return texts
}

func TestExtractPage(t *testing.T) {
	page := ExtractPage(parseFixture(t, extractFixture))

	t.Run("title", func(t *testing.T) {
		assert.Equal(t, "Acme Widgets - Precision Tooling", page.Title)
		assert.Equal(t, []string{"Acme Widgets - Precision Tooling"}, itemsOfType(page, "title"))
	})

	t.Run("meta descriptions", func(t *testing.T) {
		assert.Equal(t, "Acme builds precision widgets for aerospace suppliers.", page.MetaDescription)
		assert.Equal(t, []string{
			"Acme builds precision widgets for aerospace suppliers.",
			"Precision widgets, shipped worldwide by the Acme team.",
		}, itemsOfType(page, "meta_description"))
	})

	t.Run("body text skips scripts", func(t *testing.T) {
		assert.Contains(t, page.BodyText, "Acme has machined precision widgets")
		assert.NotContains(t, page.BodyText, "var ignored")
		assert.NotEmpty(t, itemsOfType(page, "full_page_text"))
	})

	t.Run("structural elements", func(t *testing.T) {
		assert.Contains(t, itemsOfType(page, "element_h1"), "Precision widgets")
		assert.Contains(t, itemsOfType(page, "element_p"),
			"Acme has machined precision widgets for aerospace suppliers since 1985.")
	})

	t.Run("alt text and captions", func(t *testing.T) {
		got := itemsOfType(page, "alt_or_caption")
		assert.Contains(t, got, "Our CNC line in the Boise plant")
		assert.Contains(t, got, "The original 1985 workshop photographed in winter")
	})

	t.Run("structured data", func(t *testing.T) {
		got := itemsOfType(page, "structured_data")
		require.Len(t, got, 1)
		assert.Contains(t, got[0], "Acme Widgets Incorporated")
		assert.Contains(t, got[0], "Family-owned since 1985")
	})

	t.Run("links collected raw", func(t *testing.T) {
		assert.Equal(t, []string{"/about", "https://acme.test/services#team", "mailto:info@acme.test"}, page.Links)
	})
}

func TestExtractPageEmptyDocument(t *testing.T) {
	page := ExtractPage(parseFixture(t, "<html><body></body></html>"))
	assert.Empty(t, page.Items)
	assert.Empty(t, page.Links)
	assert.Empty(t, page.BodyText)
}

func TestExtractRendered(t *testing.T) {
	rendered := `<html><body>
<main>` + strings.Repeat("Rendered application content about widget tolerances. ", 3) + `</main>
<p>This paragraph appeared only after hydration finished.</p>
<h2>Short</h2>
</body></html>`

	items := ExtractRendered(parseFixture(t, rendered))

	var types []string
	for _, item := range items {
		types = append(types, item.ContentType)
	}
	assert.Contains(t, types, "rendered_content")
	assert.Contains(t, types, "rendered_p")
	assert.NotContains(t, types, "rendered_h2")
}

func TestMineStructuredData(t *testing.T) {
	t.Run("nested arrays and named fields", func(t *testing.T) {
		raw := `[{"@type":"Article","headline":"How widgets are machined at Acme","author":{"name":"Jane Smith"}}]`
		got := mineStructuredData(raw)
		assert.Contains(t, got, "How widgets are machined at Acme")
		assert.Contains(t, got, "Jane Smith")
	})

	t.Run("long free strings included", func(t *testing.T) {
		raw := `{"keywords":"precision machining for aerospace suppliers"}`
		assert.Contains(t, mineStructuredData(raw), "precision machining for aerospace suppliers")
	})

	t.Run("short strings excluded", func(t *testing.T) {
		assert.Empty(t, mineStructuredData(`{"@type":"Thing"}`))
	})

	t.Run("invalid json", func(t *testing.T) {
		assert.Empty(t, mineStructuredData("{not json"))
	})
}
