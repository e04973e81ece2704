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
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// Fetching
// =============================================================================

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

	fetchTimeout = 30 * time.Second

	// maxBodyBytes caps response reads so a runaway endpoint cannot
	// exhaust memory.
	maxBodyBytes = 10 << 20
)

// defaultHeaders mimic a desktop browser; several CMS hosts serve
// stripped or blocked responses to obvious bots.
var defaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "gzip, deflate, br",
	"Cache-Control":   "no-cache",
	"Pragma":          "no-cache",
	"User-Agent":      defaultUserAgent,
}

// FetchResult is one completed page download.
//
// # Fields
//
//   - URL: the final URL after redirects
//   - Status: HTTP status code
//   - ContentType: the Content-Type header, lowercased
//   - Body: response body, capped at maxBodyBytes
type FetchResult struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
}

// Renderer produces fully rendered HTML for pages whose static markup
// carries almost no text. Implementations are expected to wait for the
// DOM, dismiss a visible consent button if one appears, and return
// once the body holds a meaningful amount of text.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// Fetcher downloads pages politely: one rate limiter gates every
// request and each request carries browser-like headers.
//
// # Thread Safety
//
// Safe for concurrent use; the limiter serializes admission and the
// underlying http.Client is concurrency-safe.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	headers map[string]string
	robots  *robotsRules
}

// NewFetcher builds a Fetcher issuing at most perSecond requests per
// second with a small burst. A nil client uses a default with a
// 30-second timeout.
func NewFetcher(client *http.Client, perSecond float64) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if perSecond <= 0 {
		perSecond = 4
	}
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 2),
		headers: defaultHeaders,
	}
}

// Get downloads one URL, blocking first on the rate limiter.
func (f *Fetcher) Get(ctx context.Context, pageURL string) (*FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", pageURL, err)
	}
	for key, value := range f.headers {
		req.Header.Set(key, value)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", pageURL, err)
	}
	return &FetchResult{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: strings.ToLower(resp.Header.Get("Content-Type")),
		Body:        body,
	}, nil
}

// =============================================================================
// Robots
// =============================================================================

// robotsRules holds the Disallow prefixes from the wildcard user-agent
// group of a robots.txt. Crawls ignore robots by default; honoring it
// is opt-in per tenant.
type robotsRules struct {
	disallow []string
}

// LoadRobots fetches and parses robots.txt for the site hosting
// startURL. A missing or unreachable file yields an empty rule set.
func (f *Fetcher) LoadRobots(ctx context.Context, startURL string) error {
	u, err := url.Parse(startURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("cannot derive robots.txt location from %q", startURL)
	}
	res, err := f.Get(ctx, u.Scheme+"://"+u.Host+"/robots.txt")
	if err != nil || res.Status != http.StatusOK {
		f.robots = &robotsRules{}
		return nil
	}
	f.robots = parseRobots(string(res.Body))
	return nil
}

// Allowed consults the loaded robots rules. Everything is allowed when
// no rules were loaded.
func (f *Fetcher) Allowed(pageURL string) bool {
	if f.robots == nil {
		return true
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, prefix := range f.robots.disallow {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// parseRobots extracts Disallow lines from the wildcard group. Only
// the rules applying to every agent matter; the crawler does not
// advertise its own token.
func parseRobots(body string) *robotsRules {
	rules := &robotsRules{}
	scanner := bufio.NewScanner(strings.NewReader(body))
	wildcardGroup := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			wildcardGroup = value == "*"
		case "disallow":
			if wildcardGroup && value != "" {
				rules.disallow = append(rules.disallow, value)
			}
		}
	}
	return rules
}
