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
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// URL Canonicalization
// =============================================================================

// trackingParams are query parameters dropped during canonicalization,
// in addition to anything prefixed utm_ or hsa_.
var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"igshid":  {},
	"ref":     {},
	"ref_src": {},
	"mkt_tok": {},
	"yclid":   {},
	"msclkid": {},
}

// skipExtensions lists path suffixes that never carry crawlable text:
// documents, archives, executables, media, web assets, fonts.
var skipExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".rtf", ".odt", ".ods", ".odp", ".txt", ".csv",

	".zip", ".rar", ".7z", ".tar", ".gz", ".bz2",

	".exe", ".msi", ".dmg", ".pkg", ".deb", ".rpm",

	".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico", ".webp",
	".mp4", ".avi", ".mov", ".wmv", ".flv", ".mkv", ".webm",
	".mp3", ".wav", ".flac", ".aac", ".ogg", ".wma",

	".css", ".js", ".xml", ".json", ".rss", ".atom",

	".ttf", ".otf", ".woff", ".woff2", ".eot",
}

var multiSlashRe = regexp.MustCompile(`//+`)

// CanonicalizeURL normalizes a URL for frontier dedup and tracking:
// the fragment is cut, tracking parameters are removed, and doubled
// slashes in the path collapse. Unparseable input is returned as-is.
func CanonicalizeURL(raw string) string {
	raw = strings.SplitN(raw, "#", 2)[0]
	candidate := raw
	if !strings.HasPrefix(candidate, "http://") && !strings.HasPrefix(candidate, "https://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return raw
	}
	query := u.Query()
	for key := range query {
		if isTrackingParam(key) {
			query.Del(key)
		}
	}
	u.RawQuery = query.Encode()
	u.Fragment = ""
	path := multiSlashRe.ReplaceAllString(u.Path, "/")
	if path == "" {
		path = "/"
	}
	u.Path = path
	return u.String()
}

func isTrackingParam(key string) bool {
	if _, ok := trackingParams[key]; ok {
		return true
	}
	return strings.HasPrefix(key, "utm_") || strings.HasPrefix(key, "hsa_")
}

// =============================================================================
// Frontier Filters
// =============================================================================

const maxURLLength = 2000

// followExcludePatterns are obvious non-content URL fragments that the
// link follower never enters.
var followExcludePatterns = []string{
	"/wp-admin/", "/admin/", "/login/", "/register/",
	"/wp-login.php", "/wp-register.php",
	"?action=logout", "?action=login",
	"/feed/", "/rss/", "/atom/",
	"?format=rss", "?format=atom",
}

// highPriorityPathSegments mark content-bearing sections worth
// fetching earlier.
var highPriorityPathSegments = []string{
	"/about", "/services", "/products", "/contact", "/blog", "/news",
	"/article", "/post", "/category", "/tag", "/archive", "/page", "/author",
}

// urlFilter carries the allowed-domain list the frontier checks
// against. Domain matching is containment, so "example.com" also
// admits "www.example.com".
type urlFilter struct {
	domains []string
}

func (f urlFilter) inDomain(host string) bool {
	for _, domain := range f.domains {
		if strings.Contains(host, domain) {
			return true
		}
	}
	return false
}

// shouldProcess reports whether a URL may enter the frontier at all:
// in-domain, not a binary asset, not absurdly long.
func (f urlFilter) shouldProcess(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	if !f.inDomain(u.Host) {
		return false
	}
	lowerPath := strings.ToLower(u.Path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(lowerPath, ext) {
			return false
		}
	}
	if len(raw) > maxURLLength {
		return false
	}
	return true
}

// shouldFollow applies the lenient link-following policy: in-domain
// and not an auth, admin, or feed endpoint.
func (f urlFilter) shouldFollow(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	if !f.inDomain(u.Host) {
		return false
	}
	lowered := strings.ToLower(raw)
	for _, pattern := range followExcludePatterns {
		if strings.Contains(lowered, pattern) {
			return false
		}
	}
	return true
}

// linkPriority scores a URL for fetch ordering: content sections rank
// up, deep paths and long query strings rank down. Clamped to [10,100].
func linkPriority(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 50
	}
	path := strings.ToLower(u.Path)
	base := 50
	for _, segment := range highPriorityPathSegments {
		if strings.Contains(path, segment) {
			base += 10
			break
		}
	}
	if strings.Count(path, "/") > 6 {
		base -= 10
	}
	if len(u.RawQuery) > 80 {
		base -= 10
	}
	if base < 10 {
		return 10
	}
	if base > 100 {
		return 100
	}
	return base
}

// =============================================================================
// Pagination
// =============================================================================

type paginationPattern struct {
	re    *regexp.Regexp
	param string
}

var paginationPatterns = []paginationPattern{
	{regexp.MustCompile(`(?i)([?&])page=(\d+)`), "page"},
	{regexp.MustCompile(`(?i)/page/(\d+)/?$`), ""},
	{regexp.MustCompile(`(?i)([?&])p=(\d+)`), "p"},
	{regexp.MustCompile(`(?i)([?&])offset=(\d+)`), "offset"},
	{regexp.MustCompile(`(?i)([?&])start=(\d+)`), "start"},
}

var slashPageRe = regexp.MustCompile(`(?i)/page/\d+/?$`)

// paginationCandidates guesses the next three pages of a paginated
// listing so deep archives surface without waiting for next links.
func paginationCandidates(pageURL string) []string {
	var candidates []string
	for _, pattern := range paginationPatterns {
		m := pattern.re.FindStringSubmatch(pageURL)
		if m == nil {
			continue
		}
		numGroup := 2
		if pattern.param == "" {
			numGroup = 1
		}
		current, err := strconv.Atoi(m[numGroup])
		if err != nil {
			continue
		}
		for next := current + 1; next <= current+3; next++ {
			var candidate string
			if pattern.param == "" {
				candidate = slashPageRe.ReplaceAllString(pageURL, "/page/"+strconv.Itoa(next))
			} else {
				candidate = pattern.re.ReplaceAllString(pageURL, m[1]+pattern.param+"="+strconv.Itoa(next))
			}
			candidates = append(candidates, CanonicalizeURL(candidate))
		}
	}
	return candidates
}
