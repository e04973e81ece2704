// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore abstracts vector persistence behind a small Store
// interface so the retrieval engine and the crawl pipeline do not care
// whether chunks live in an embedded SQLite file or a Weaviate server.
//
// Two backends are provided:
//
//   - SQLiteStore: embedded, zero-infrastructure, one database file per
//     tenant under the tenant's vector store directory. The default.
//   - WeaviateStore: a shared Weaviate server, one class per collection.
//
// Writes are idempotent. Document IDs are deterministic upstream, so
// re-ingesting the same content overwrites rather than duplicates.
package vectorstore

import (
	"context"
	"errors"
)

// =============================================================================
// Types
// =============================================================================

// Document is one stored chunk: its text, its embedding, and the crawl
// metadata that travels with it. Score is only populated on search results.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Vector   []float32         `json:"vector,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score,omitempty"`
}

// SearchOptions controls a single similarity search.
type SearchOptions struct {
	// Limit caps the number of results. Zero means DefaultSearchLimit.
	Limit int

	// Text, when set, lets backends that support hybrid scoring blend
	// lexical similarity into the vector score. Backends without hybrid
	// support ignore it.
	Text string

	// Filter restricts results to documents whose metadata contains
	// every listed key/value pair.
	Filter map[string]string
}

// Store is the persistence contract shared by all backends.
//
// # Description
//
// Upsert writes documents keyed by their deterministic IDs, Search runs
// nearest-neighbor retrieval against a query vector, and Count reports
// how many documents the collection holds. All methods are safe for
// concurrent use.
//
// # Example
//
//	store, err := vectorstore.Open(vectorstore.Config{Path: dir})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	docs, err := store.Search(ctx, queryVec, vectorstore.SearchOptions{Limit: 25})
type Store interface {
	// Upsert inserts or overwrites the given documents. Every document
	// must carry a non-empty ID and a non-empty vector.
	Upsert(ctx context.Context, docs []Document) error

	// Search returns the documents nearest to the query vector, best
	// first, with Score populated.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Document, error)

	// Count returns the number of documents in the collection.
	Count(ctx context.Context) (int64, error)

	// Close releases the backend connection. The store is unusable
	// afterwards.
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend picks the implementation. Empty defaults to BackendSQLite.
	Backend string

	// Path is the tenant's vector store directory (SQLite backend). The
	// database file is created inside it.
	Path string

	// URL is the Weaviate server base URL (Weaviate backend),
	// e.g. "http://weaviate:8080".
	URL string

	// Collection names the logical document set. Empty defaults to
	// DefaultCollection.
	Collection string

	// Dimensions is the embedding width. Zero means auto-detect on
	// first insert.
	Dimensions int
}

// =============================================================================
// Constants and Errors
// =============================================================================

const (
	// BackendSQLite is the embedded backend. One SQLite file per tenant.
	BackendSQLite = "sqvect"

	// BackendWeaviate is the server backend.
	BackendWeaviate = "weaviate"

	// DefaultCollection matches the collection name the crawler writes to
	// when a tenant does not override it.
	DefaultCollection = "scraped_content"

	// DefaultSearchLimit applies when SearchOptions.Limit is zero.
	DefaultSearchLimit = 10

	// sqliteFileName is the database file created under Config.Path.
	sqliteFileName = "vectors.db"
)

var (
	// ErrEmptyVector is returned when a search vector or a document
	// vector has no components.
	ErrEmptyVector = errors.New("vectorstore: empty vector")

	// ErrMissingID is returned when an upserted document has no ID.
	ErrMissingID = errors.New("vectorstore: document missing id")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("vectorstore: store is closed")
)

// =============================================================================
// Constructors
// =============================================================================

// Open builds the backend selected by cfg.Backend. Unknown backend names
// are an error so misconfigured deployments fail at startup rather than
// silently writing to the wrong place.
func Open(cfg Config) (Store, error) {
	applyConfigDefaults(&cfg)
	switch cfg.Backend {
	case BackendSQLite:
		return OpenSQLite(cfg)
	case BackendWeaviate:
		return NewWeaviate(cfg)
	default:
		return nil, errors.New("vectorstore: unknown backend " + cfg.Backend)
	}
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = BackendSQLite
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
}
