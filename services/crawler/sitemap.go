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
	"encoding/xml"
	"net/url"
	"regexp"
	"strings"
)

// =============================================================================
// Sitemaps
// =============================================================================

// conventionalSitemapPaths are tried against the site root when no
// explicit sitemap URL is configured.
var conventionalSitemapPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemaps.xml",
	"/sitemap/sitemap.xml",
}

type sitemapURLSet struct {
	URLs []sitemapLoc `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

var locFallbackRe = regexp.MustCompile(`(?is)<loc[^>]*>\s*([^<]+?)\s*</loc>`)

// ConventionalSitemapURLs returns the usual sitemap locations for the
// site hosting startURL.
func ConventionalSitemapURLs(startURL string) []string {
	u, err := url.Parse(startURL)
	if err != nil || u.Host == "" {
		return nil
	}
	base := u.Scheme + "://" + u.Host
	urls := make([]string, 0, len(conventionalSitemapPaths))
	for _, p := range conventionalSitemapPaths {
		urls = append(urls, base+p)
	}
	return urls
}

// ParseSitemap reads a sitemap document and returns the page URLs it
// lists plus any child sitemaps when the document is an index. Both
// the sitemaps.org and legacy Google namespaces parse, as does
// namespace-free XML; malformed documents fall back to scanning for
// loc entries.
func ParseSitemap(body []byte) (pages []string, children []string) {
	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		for _, entry := range set.URLs {
			if loc := strings.TrimSpace(entry.Loc); loc != "" {
				pages = append(pages, loc)
			}
		}
		return pages, nil
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		for _, entry := range index.Sitemaps {
			if loc := strings.TrimSpace(entry.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children
	}

	for _, m := range locFallbackRe.FindAllStringSubmatch(string(body), -1) {
		loc := strings.TrimSpace(m[1])
		if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
			pages = append(pages, loc)
		}
	}
	return pages, nil
}

// looksLikeSitemap reports whether a URL or its content type points at
// sitemap XML rather than a page.
func looksLikeSitemap(pageURL, contentType string) bool {
	lowered := strings.ToLower(pageURL)
	if strings.Contains(lowered, "sitemap") && strings.HasSuffix(strings.ToLower(urlPath(pageURL)), ".xml") {
		return true
	}
	return strings.Contains(lowered, "sitemap") && strings.Contains(contentType, "xml")
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
