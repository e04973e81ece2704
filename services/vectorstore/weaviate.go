// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var weaviateTracer = otel.Tracer("tidepool.vectorstore.weaviate")

// WeaviateStore persists documents in a Weaviate class derived from the
// collection name ("scraped_content" becomes "ScrapedContent"). Vectors
// are supplied by us, so the class is created with vectorizer "none".
type WeaviateStore struct {
	client *weaviate.Client
	class  string

	mu     sync.Mutex
	closed bool
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviate connects to the server at cfg.URL and ensures the class
// for cfg.Collection exists.
func NewWeaviate(cfg Config) (*WeaviateStore, error) {
	applyConfigDefaults(&cfg)
	if cfg.URL == "" {
		return nil, fmt.Errorf("vectorstore: weaviate backend requires a URL")
	}

	parsed, err := url.Parse(strings.Trim(cfg.URL, "\"' "))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("vectorstore: invalid weaviate URL %q", cfg.URL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	s := &WeaviateStore{
		client: client,
		class:  classNameForCollection(cfg.Collection),
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the document class when it is missing. Existing
// classes are left alone.
func (s *WeaviateStore) ensureSchema(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx)
	if err == nil {
		return nil
	}

	slog.Info("Schema not found, creating it", "class", s.class)
	class := &models.Class{
		Class:      s.class,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "doc_id", DataType: []string{"text"}},
			{Name: "url", DataType: []string{"text"}},
			{Name: "title", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
			{Name: "metadata", DataType: []string{"text"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", s.class, err)
	}
	return nil
}

// Upsert imports docs in one batch request. Weaviate object IDs must be
// UUIDs, so the deterministic document ID is hashed down to one; the
// original ID rides along in the doc_id property. Identical input yields
// the identical UUID, which is what makes re-ingestion idempotent.
func (s *WeaviateStore) Upsert(ctx context.Context, docs []Document) error {
	ctx, span := weaviateTracer.Start(ctx, "Upsert")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			return ErrMissingID
		}
		if len(doc.Vector) == 0 {
			return fmt.Errorf("%w: document %s", ErrEmptyVector, doc.ID)
		}

		metadataJSON := "{}"
		if len(doc.Metadata) > 0 {
			if raw, err := json.Marshal(doc.Metadata); err == nil {
				metadataJSON = string(raw)
			}
		}

		objects = append(objects, &models.Object{
			Class:  s.class,
			ID:     objectID(doc.ID),
			Vector: doc.Vector,
			Properties: map[string]interface{}{
				"content":  doc.Text,
				"doc_id":   doc.ID,
				"url":      doc.Metadata["url"],
				"title":    doc.Metadata["title"],
				"source":   doc.Metadata["source"],
				"metadata": metadataJSON,
			},
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to save objects to weaviate: %w", err)
	}

	failed := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			continue
		}
		failed++
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Error in weaviate batch item", "class", s.class, "error", errItem.Message)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("weaviate batch import failed for %d of %d objects", failed, len(objects))
	}
	return nil
}

// Search runs a nearVector query. Hybrid text scoring is not wired for
// this backend; opts.Text is ignored.
func (s *WeaviateStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Document, error) {
	ctx, span := weaviateTracer.Start(ctx, "Search")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "doc_id"},
		{Name: "url"},
		{Name: "title"},
		{Name: "metadata"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	return s.parseSearchResults(result.Data, opts.Filter), nil
}

// parseSearchResults walks the untyped GraphQL response. Anything that
// does not look like a document row is skipped rather than failing the
// whole query.
func (s *WeaviateStore) parseSearchResults(data map[string]models.JSONObject, filter map[string]string) []Document {
	var docs []Document

	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return docs
	}
	rows, ok := get[s.class].([]interface{})
	if !ok {
		return docs
	}

	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}

		doc := Document{
			ID:       asString(obj["doc_id"]),
			Text:     asString(obj["content"]),
			Metadata: map[string]string{},
		}
		if raw := asString(obj["metadata"]); raw != "" {
			_ = json.Unmarshal([]byte(raw), &doc.Metadata)
		}
		if v := asString(obj["url"]); v != "" {
			doc.Metadata["url"] = v
		}
		if v := asString(obj["title"]); v != "" {
			doc.Metadata["title"] = v
		}
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				doc.Score = certainty
			}
		}

		if !matchesFilter(doc.Metadata, filter) {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// Count aggregates the class object count.
func (s *WeaviateStore) Count(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	meta := graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}
	result, err := s.client.GraphQL().Aggregate().
		WithClassName(s.class).
		WithFields(meta).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate class count: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("failed to aggregate class count: %s", result.Errors[0].Message)
	}

	agg, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[s.class].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	metaMap, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := metaMap["count"].(float64)
	return int64(count), nil
}

// Close marks the store closed. The HTTP client needs no teardown.
func (s *WeaviateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *WeaviateStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// classNameForCollection maps a snake_case collection name onto a
// Weaviate class name, e.g. "scraped_content" -> "ScrapedContent".
func classNameForCollection(collection string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(collection, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	}) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	if b.Len() == 0 {
		return "ScrapedContent"
	}
	return b.String()
}

// objectID derives a stable UUID from a deterministic document ID.
func objectID(docID string) strfmt.UUID {
	hash := sha256.Sum256([]byte(docID))
	uid, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(uid.String())
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
