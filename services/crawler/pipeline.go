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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Tidepool/services/embeddings"
	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

var indexTracer = otel.Tracer("tidepool.crawler.indexer")

var (
	extractionDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidepool",
		Subsystem: "crawler",
		Name:      "extraction_drops_total",
		Help:      "Items dropped by the indexing pipeline, by reason.",
	}, []string{"reason"})

	batchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tidepool",
		Subsystem: "crawler",
		Name:      "batch_retries_total",
		Help:      "Vector batch writes retried after a transient store error.",
	})
)

// =============================================================================
// Indexing Pipeline
// =============================================================================

const (
	defaultBatchSize  = 50
	defaultMaxRetries = 3

	// minItemWords drops items too short to ever produce a useful
	// chunk.
	minItemWords = 3
)

// PageItem is one extracted text region on its way into the vector
// store, together with the page context that becomes chunk metadata.
type PageItem struct {
	URL             string
	Text            string
	ContentType     string
	PageTitle       string
	MetaDescription string
	Domain          string
	Source          string
	Depth           int
	Status          int
	ScrapedAt       time.Time
}

// IndexStats counts what the pipeline did during one run.
type IndexStats struct {
	ItemsSeen    int
	ItemsDropped int
	ChunksStored int
	BatchRetries int
}

// IndexerConfig carries tenant identity and tuning for an Indexer.
// Zero values fall back to defaults.
type IndexerConfig struct {
	ResourceID   string
	TenantUserID string
	BatchSize    int
	MaxRetries   int
	Logger       *slog.Logger
}

// Indexer turns extracted page items into embedded, deduplicated
// vector documents. Content repeats constantly across a site (the same
// footer on every page, nested containers yielding the same text), so
// the pipeline hashes every item and every stored document id and
// writes each exactly once per run.
//
// # Thread Safety
//
// Safe for concurrent use. Add serializes on an internal mutex, which
// also means a batch flush briefly blocks other producers; crawls are
// rate-limited upstream so the pause is not the bottleneck.
type Indexer struct {
	store        vectorstore.Store
	embedder     embeddings.Embedder
	resourceID   string
	tenantUserID string
	log          *slog.Logger
	batchSize    int
	maxRetries   int
	sleep        func(time.Duration)
	now          func() time.Time

	mu          sync.Mutex
	seenContent map[string]struct{}
	storedIDs   map[string]struct{}
	batch       []vectorstore.Document
	stats       IndexStats
}

// NewIndexer builds an Indexer over the given store and embedder.
func NewIndexer(store vectorstore.Store, embedder embeddings.Embedder, cfg IndexerConfig) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Indexer{
		store:        store,
		embedder:     embedder,
		resourceID:   cfg.ResourceID,
		tenantUserID: cfg.TenantUserID,
		log:          cfg.Logger,
		batchSize:    cfg.BatchSize,
		maxRetries:   cfg.MaxRetries,
		sleep:        time.Sleep,
		now:          time.Now,
		seenContent:  make(map[string]struct{}),
		storedIDs:    make(map[string]struct{}),
	}
}

// Add runs one item through the content pipeline: normalize, dedup by
// content hash, drop trivial text, chunk, and stage the chunks for the
// next batch write. A full batch flushes inline.
func (ix *Indexer) Add(ctx context.Context, item PageItem) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.stats.ItemsSeen++

	text := collapseSpace(item.Text)
	if text == "" {
		ix.drop("empty")
		return nil
	}
	contentHash := hashHex(text)
	if _, dup := ix.seenContent[contentHash]; dup {
		ix.drop("duplicate")
		return nil
	}
	ix.seenContent[contentHash] = struct{}{}

	wordCount := len(strings.Fields(text))
	if wordCount < minItemWords {
		ix.drop("too_short")
		return nil
	}

	chunks := ChunkText(text)
	if len(chunks) == 0 {
		ix.drop("no_chunks")
		return nil
	}

	ts := strconv.FormatInt(ix.now().UnixMicro(), 10)
	for i, chunk := range chunks {
		chunkHash := hashHex(chunk)
		id := hashHex(fmt.Sprintf("%s_%s_%s_%d", item.URL, chunkHash, ts, i))
		if _, dup := ix.storedIDs[id]; dup {
			continue
		}
		ix.batch = append(ix.batch, vectorstore.Document{
			ID:       id,
			Text:     chunk,
			Metadata: ix.chunkMetadata(item, id, ts, i, chunk, text, wordCount),
		})
		if len(ix.batch) >= ix.batchSize {
			if err := ix.flushLocked(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes any staged chunks. Call once after the last Add.
func (ix *Indexer) Flush(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.flushLocked(ctx)
}

// Stats returns a snapshot of the pipeline counters.
func (ix *Indexer) Stats() IndexStats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.stats
}

// drop records one discarded item in both the run stats and the
// process-wide counter. Caller holds the mutex.
func (ix *Indexer) drop(reason string) {
	ix.stats.ItemsDropped++
	extractionDrops.WithLabelValues(reason).Inc()
}

func (ix *Indexer) chunkMetadata(item PageItem, id, ts string, index int, chunk, text string, wordCount int) map[string]string {
	source := item.Source
	if source == "" {
		source = "crawl"
	}
	meta := map[string]string{
		"url":                  item.URL,
		"domain":               item.Domain,
		"content_type":         item.ContentType,
		"source":               source,
		"page_depth":           strconv.Itoa(item.Depth),
		"response_status":      strconv.Itoa(item.Status),
		"word_count":           strconv.Itoa(wordCount),
		"text_length":          strconv.Itoa(len(text)),
		"scraped_at":           item.ScrapedAt.UTC().Format(time.RFC3339),
		"resource_id":          ix.resourceID,
		"tenant_user_id":       ix.tenantUserID,
		"unique_id":            id,
		"extraction_timestamp": ts,
		"chunk_index":          strconv.Itoa(index),
		"chunk_length":         strconv.Itoa(len(chunk)),
		"chunk_word_count":     strconv.Itoa(len(strings.Fields(chunk))),
	}
	if item.PageTitle != "" {
		meta["page_title"] = item.PageTitle
	}
	if item.MetaDescription != "" {
		meta["meta_description"] = item.MetaDescription
	}
	return meta
}

// flushLocked embeds and upserts the staged batch. Transient store
// errors back off exponentially; a duplicate-id rejection falls back
// to writing documents one at a time so the rest of the batch
// survives.
func (ix *Indexer) flushLocked(ctx context.Context) error {
	if len(ix.batch) == 0 {
		return nil
	}
	ctx, span := indexTracer.Start(ctx, "FlushBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(ix.batch)))

	docs := ix.batch
	ix.batch = nil

	texts := make([]string, len(docs))
	for i := range docs {
		texts[i] = docs[i].Text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("embedding batch of %d chunks: %w", len(docs), err)
	}
	for i := range docs {
		docs[i].Vector = vectors[i]
	}

	if _, err := ix.upsertLocked(ctx, docs); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// upsertLocked writes embedded documents with the retry policy:
// transient errors back off 1s/2s/4s, duplicate-id rejections fall
// back to one-at-a-time writes. Caller holds the mutex.
func (ix *Indexer) upsertLocked(ctx context.Context, docs []vectorstore.Document) (int, error) {
	var lastErr error
	for attempt := 0; attempt < ix.maxRetries; attempt++ {
		err := ix.store.Upsert(ctx, docs)
		if err == nil {
			lastErr = nil
			break
		}
		if isDuplicateIDError(err) {
			return ix.storeIndividuallyLocked(ctx, docs), nil
		}
		lastErr = err
		ix.stats.BatchRetries++
		batchRetries.Inc()
		ix.log.Warn("vector batch write failed",
			"attempt", attempt+1,
			"batch_size", len(docs),
			"error", err)
		if attempt < ix.maxRetries-1 {
			ix.sleep(time.Duration(1<<attempt) * time.Second)
		}
	}
	if lastErr != nil {
		return 0, fmt.Errorf("storing batch after %d attempts: %w", ix.maxRetries, lastErr)
	}

	for _, doc := range docs {
		ix.storedIDs[doc.ID] = struct{}{}
	}
	ix.stats.ChunksStored += len(docs)
	return len(docs), nil
}

func (ix *Indexer) storeIndividuallyLocked(ctx context.Context, docs []vectorstore.Document) int {
	stored := 0
	for _, doc := range docs {
		if _, dup := ix.storedIDs[doc.ID]; dup {
			continue
		}
		if err := ix.store.Upsert(ctx, []vectorstore.Document{doc}); err != nil {
			ix.log.Warn("individual vector write failed", "id", doc.ID, "error", err)
			continue
		}
		ix.storedIDs[doc.ID] = struct{}{}
		stored++
	}
	ix.stats.ChunksStored += stored
	return stored
}

func isDuplicateIDError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "unique") ||
		strings.Contains(msg, "already exists")
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
