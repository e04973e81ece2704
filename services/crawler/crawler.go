// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crawler discovers, extracts, cleans, chunks, and indexes a
// tenant's site. One Crawler run covers both modes: a full scrape when
// no change detector is attached, and an incremental update when one
// is, where unchanged pages are skipped and only their links followed.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/Tidepool/services/recordstore"
)

var crawlTracer = otel.Tracer("tidepool.crawler.engine")

// =============================================================================
// Configuration
// =============================================================================

const (
	defaultMaxDepth        = 999
	defaultMaxLinksPerPage = 1000
	defaultConcurrency     = 8
)

// Config describes one crawl.
//
// # Fields
//
//   - ResourceID, TenantUserID: tenant identity stamped into chunk
//     metadata
//   - Domain: allowed domain; hosts containing it are in scope. Empty
//     falls back to the start URL's host
//   - StartURL: crawl seed
//   - SitemapURLs: explicit sitemap seeds; empty tries the
//     conventional locations
//   - MaxDepth / MaxLinksPerPage / Concurrency: zero means default
//   - RespectRobots: opt-in; robots.txt is ignored otherwise
//   - AggressiveDiscovery: nil means on. When on, speculative
//     pagination URLs are probed beyond the links each page declares
type Config struct {
	ResourceID          string
	TenantUserID        string
	Domain              string
	StartURL            string
	SitemapURLs         []string
	MaxDepth            int
	MaxLinksPerPage     int
	Concurrency         int
	RespectRobots       bool
	AggressiveDiscovery *bool
}

// ChangeDetector classifies a page by its content hash. Satisfied by
// *recordstore.TrackingStore.
type ChangeDetector interface {
	Check(ctx context.Context, url, contentHash string) (recordstore.URLStatus, error)
}

// Deps are the crawl collaborators. Indexer is required; everything
// else is optional.
type Deps struct {
	Fetcher  *Fetcher
	Indexer  *Indexer
	Detector ChangeDetector
	Renderer Renderer
	Archive  *Archiver
	Logger   *slog.Logger
}

// CrawlStats summarizes one run. The json tags are the schema of the
// updater's --stats-output file.
type CrawlStats struct {
	Discovered     int `json:"discovered"`
	PagesFetched   int `json:"pages_fetched"`
	PagesProcessed int `json:"pages_processed"`
	PagesFailed    int `json:"pages_failed"`
	URLsChecked    int `json:"urls_checked"`
	URLsNew        int `json:"urls_new"`
	URLsModified   int `json:"urls_modified"`
	URLsUnchanged  int `json:"urls_unchanged"`
	ItemsExtracted int `json:"items_extracted"`
	ChunksStored   int `json:"chunks_stored"`
}

// =============================================================================
// Crawler
// =============================================================================

// Crawler walks one site, feeding every extracted text region through
// the indexing pipeline.
//
// # Thread Safety
//
// A Crawler is single-use: build, Run once, read stats. Run itself
// fans out across goroutines internally.
type Crawler struct {
	cfg      Config
	filter   urlFilter
	fetcher  *Fetcher
	indexer  *Indexer
	detector ChangeDetector
	renderer Renderer
	archive  *Archiver
	log      *slog.Logger
	now      func() time.Time

	group *errgroup.Group
	gctx  context.Context
	sem   *semaphore.Weighted

	mu              sync.Mutex
	discovered      map[string]struct{}
	processing      map[string]struct{}
	processed       map[string]struct{}
	visitedSitemaps map[string]struct{}
	stats           CrawlStats
}

// New validates the configuration and builds a Crawler.
func New(cfg Config, deps Deps) (*Crawler, error) {
	if strings.TrimSpace(cfg.StartURL) == "" {
		return nil, errors.New("start_url is required")
	}
	if deps.Indexer == nil {
		return nil, errors.New("an indexer is required")
	}
	if cfg.Domain == "" {
		u, err := url.Parse(cfg.StartURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("cannot derive domain from start_url %q", cfg.StartURL)
		}
		cfg.Domain = u.Host
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxLinksPerPage <= 0 {
		cfg.MaxLinksPerPage = defaultMaxLinksPerPage
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if deps.Fetcher == nil {
		deps.Fetcher = NewFetcher(nil, 0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Crawler{
		cfg:             cfg,
		filter:          urlFilter{domains: []string{cfg.Domain}},
		fetcher:         deps.Fetcher,
		indexer:         deps.Indexer,
		detector:        deps.Detector,
		renderer:        deps.Renderer,
		archive:         deps.Archive,
		log:             deps.Logger.With("resource_id", cfg.ResourceID, "domain", cfg.Domain),
		now:             time.Now,
		sem:             semaphore.NewWeighted(int64(cfg.Concurrency)),
		discovered:      make(map[string]struct{}),
		processing:      make(map[string]struct{}),
		processed:       make(map[string]struct{}),
		visitedSitemaps: make(map[string]struct{}),
	}, nil
}

// Run crawls from the seed and sitemaps until the frontier drains,
// then flushes the indexing pipeline. Page-level failures are logged
// and counted, never fatal; only context cancellation aborts the run.
func (c *Crawler) Run(ctx context.Context) (CrawlStats, error) {
	ctx, span := crawlTracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", c.cfg.ResourceID),
		attribute.String("start_url", c.cfg.StartURL),
		attribute.Bool("incremental", c.detector != nil),
	)

	c.log.Info("crawl starting",
		"start_url", c.cfg.StartURL,
		"incremental", c.detector != nil,
		"concurrency", c.cfg.Concurrency)

	if c.cfg.RespectRobots {
		if err := c.fetcher.LoadRobots(ctx, c.cfg.StartURL); err != nil {
			c.log.Warn("robots.txt unavailable, crawling unrestricted", "error", err)
		}
	}

	c.group, c.gctx = errgroup.WithContext(ctx)
	c.enqueuePage(c.cfg.StartURL, 0)
	for _, sm := range c.sitemapSeeds() {
		c.enqueueSitemap(sm)
	}

	err := c.group.Wait()
	// The group context is done once Wait returns, so the final flush
	// runs on the caller's context.
	if flushErr := c.indexer.Flush(ctx); flushErr != nil {
		err = errors.Join(err, flushErr)
	}

	stats := c.snapshotStats()
	if err != nil {
		span.RecordError(err)
	}
	c.log.Info("crawl finished",
		"discovered", stats.Discovered,
		"processed", stats.PagesProcessed,
		"failed", stats.PagesFailed,
		"new", stats.URLsNew,
		"modified", stats.URLsModified,
		"unchanged", stats.URLsUnchanged,
		"chunks_stored", stats.ChunksStored)
	return stats, err
}

func (c *Crawler) sitemapSeeds() []string {
	if len(c.cfg.SitemapURLs) > 0 {
		return c.cfg.SitemapURLs
	}
	return ConventionalSitemapURLs(c.cfg.StartURL)
}

func (c *Crawler) snapshotStats() CrawlStats {
	index := c.indexer.Stats()
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Discovered = len(c.discovered)
	stats.ChunksStored = index.ChunksStored
	return stats
}

func (c *Crawler) bump(apply func(*CrawlStats)) {
	c.mu.Lock()
	apply(&c.stats)
	c.mu.Unlock()
}

// =============================================================================
// Frontier
// =============================================================================

// enqueuePage admits a canonical URL into the frontier unless it is
// already processed or in flight.
func (c *Crawler) enqueuePage(rawURL string, depth int) {
	canonical := CanonicalizeURL(rawURL)

	c.mu.Lock()
	if _, done := c.processed[canonical]; done {
		c.mu.Unlock()
		return
	}
	if _, busy := c.processing[canonical]; busy {
		c.mu.Unlock()
		return
	}
	c.processing[canonical] = struct{}{}
	c.discovered[canonical] = struct{}{}
	c.mu.Unlock()

	c.group.Go(func() error {
		defer c.finish(canonical)
		// The semaphore bounds concurrent fetches; goroutines queue on
		// it rather than on a channel so discovery never blocks.
		if err := c.sem.Acquire(c.gctx, 1); err != nil {
			return nil
		}
		defer c.sem.Release(1)
		return c.crawlPage(c.gctx, canonical, depth)
	})
}

func (c *Crawler) finish(canonical string) {
	c.mu.Lock()
	delete(c.processing, canonical)
	c.processed[canonical] = struct{}{}
	c.mu.Unlock()
}

func (c *Crawler) enqueueSitemap(smURL string) {
	canonical := CanonicalizeURL(smURL)

	c.mu.Lock()
	if _, seen := c.visitedSitemaps[canonical]; seen {
		c.mu.Unlock()
		return
	}
	c.visitedSitemaps[canonical] = struct{}{}
	c.mu.Unlock()

	c.group.Go(func() error {
		if err := c.sem.Acquire(c.gctx, 1); err != nil {
			return nil
		}
		defer c.sem.Release(1)

		res, err := c.fetcher.Get(c.gctx, canonical)
		if err != nil || res.Status != http.StatusOK {
			c.log.Debug("sitemap unavailable", "url", canonical)
			return nil
		}
		pages, children := ParseSitemap(res.Body)
		for _, child := range children {
			c.enqueueSitemap(child)
		}
		for _, page := range pages {
			if c.filter.shouldProcess(CanonicalizeURL(page)) {
				c.enqueuePage(page, 0)
			}
		}
		if len(pages) > 0 || len(children) > 0 {
			c.log.Info("sitemap seeded",
				"url", canonical, "pages", len(pages), "children", len(children))
		}
		return nil
	})
}

// =============================================================================
// Page Processing
// =============================================================================

func (c *Crawler) crawlPage(ctx context.Context, pageURL string, depth int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.cfg.RespectRobots && !c.fetcher.Allowed(pageURL) {
		return nil
	}

	res, err := c.fetcher.Get(ctx, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("page fetch failed", "url", pageURL, "error", err)
		c.bump(func(s *CrawlStats) { s.PagesFailed++ })
		return nil
	}
	c.bump(func(s *CrawlStats) { s.PagesFetched++ })

	if res.Status == http.StatusNotFound {
		c.bump(func(s *CrawlStats) { s.PagesFailed++ })
		return nil
	}
	if res.Status != http.StatusOK || len(res.Body) == 0 {
		return nil
	}
	if looksLikeSitemap(pageURL, res.ContentType) {
		pages, children := ParseSitemap(res.Body)
		for _, child := range children {
			c.enqueueSitemap(child)
		}
		for _, page := range pages {
			if c.filter.shouldProcess(CanonicalizeURL(page)) {
				c.enqueuePage(page, 0)
			}
		}
		return nil
	}
	if !strings.Contains(res.ContentType, "text/html") {
		return nil
	}

	root, err := html.Parse(bytes.NewReader(res.Body))
	if err != nil {
		c.log.Warn("html parse failed", "url", pageURL, "error", err)
		c.bump(func(s *CrawlStats) { s.PagesFailed++ })
		return nil
	}
	page := ExtractPage(root)
	links := page.Links
	if c.cfg.AggressiveDiscovery == nil || *c.cfg.AggressiveDiscovery {
		links = append(links, paginationCandidates(pageURL)...)
	}

	if c.detector != nil {
		c.bump(func(s *CrawlStats) { s.URLsChecked++ })
		if len(strings.TrimSpace(page.BodyText)) < 10 {
			// Effectively empty page: nothing to hash or index, but
			// its links may lead somewhere real.
			c.followLinks(pageURL, links, depth)
			return nil
		}
		contentHash := hashHex(CleanWebpageText(page.BodyText))
		status, derr := c.detector.Check(ctx, pageURL, contentHash)
		if derr != nil {
			// Tracking failures must not stall the crawl; the page is
			// still processed under the status the check reported.
			c.log.Warn("url tracking update failed", "url", pageURL, "error", derr)
		}
		switch status {
		case recordstore.URLNew:
			c.bump(func(s *CrawlStats) { s.URLsNew++ })
		case recordstore.URLModified:
			c.bump(func(s *CrawlStats) { s.URLsModified++ })
		case recordstore.URLUnchanged:
			c.bump(func(s *CrawlStats) { s.URLsUnchanged++ })
			c.followLinks(pageURL, links, depth)
			return nil
		}
	}

	c.submitItems(ctx, pageURL, page, page.Items, depth, res.Status)
	c.followLinks(pageURL, links, depth)

	if len(page.Items) < 3 && c.renderer != nil {
		c.renderFallback(ctx, pageURL, page, depth, res.Status)
	}
	if c.archive != nil {
		if aerr := c.archive.Store(ctx, pageURL, res.Body); aerr != nil {
			c.log.Warn("page snapshot failed", "url", pageURL, "error", aerr)
		}
	}

	c.bump(func(s *CrawlStats) { s.PagesProcessed++ })
	return nil
}

func (c *Crawler) submitItems(ctx context.Context, pageURL string, page PageExtraction, items []ExtractedText, depth, status int) {
	for _, item := range items {
		err := c.indexer.Add(ctx, PageItem{
			URL:             pageURL,
			Text:            item.Text,
			ContentType:     item.ContentType,
			PageTitle:       page.Title,
			MetaDescription: page.MetaDescription,
			Domain:          c.cfg.Domain,
			Depth:           depth,
			Status:          status,
			ScrapedAt:       c.now(),
		})
		if err != nil {
			c.log.Warn("indexing item failed",
				"url", pageURL, "content_type", item.ContentType, "error", err)
			continue
		}
		c.bump(func(s *CrawlStats) { s.ItemsExtracted++ })
	}
}

// renderFallback re-requests a thin page through the headless
// renderer and mines the rendered DOM with the narrower selector set.
func (c *Crawler) renderFallback(ctx context.Context, pageURL string, page PageExtraction, depth, status int) {
	rendered, err := c.renderer.Render(ctx, pageURL)
	if err != nil {
		c.log.Warn("render fallback failed", "url", pageURL, "error", err)
		return
	}
	root, err := html.Parse(strings.NewReader(rendered))
	if err != nil {
		c.log.Warn("rendered html parse failed", "url", pageURL, "error", err)
		return
	}
	items := ExtractRendered(root)
	c.log.Info("render fallback extracted", "url", pageURL, "items", len(items))
	c.submitItems(ctx, pageURL, page, items, depth, status)
}

// followLinks resolves, canonicalizes, and filters a page's outbound
// links, then enqueues the survivors in priority order. The per-page
// cap applies in document order so early navigation does not crowd out
// the budget.
func (c *Crawler) followLinks(pageURL string, links []string, depth int) {
	if depth >= c.cfg.MaxDepth {
		return
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return
	}

	type candidate struct {
		url      string
		priority int
	}
	var candidates []candidate
	seen := make(map[string]struct{}, len(links))
	for _, href := range links {
		if len(candidates) >= c.cfg.MaxLinksPerPage {
			break
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		lowered := strings.ToLower(href)
		if strings.HasPrefix(lowered, "javascript:") ||
			strings.HasPrefix(lowered, "mailto:") ||
			strings.HasPrefix(lowered, "tel:") {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		canonical := CanonicalizeURL(base.ResolveReference(ref).String())
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		if !c.filter.shouldProcess(canonical) {
			continue
		}
		if !c.filter.shouldFollow(canonical) {
			continue
		}
		candidates = append(candidates, candidate{canonical, linkPriority(canonical)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority > candidates[j].priority
	})
	for _, cand := range candidates {
		c.enqueuePage(cand.url, depth+1)
	}
}
