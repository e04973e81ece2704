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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/liliang-cn/sqvect/v2/pkg/core"
	"github.com/liliang-cn/sqvect/v2/pkg/sqvect"
	"go.opentelemetry.io/otel"
)

var sqliteTracer = otel.Tracer("tidepool.vectorstore.sqlite")

// SQLiteStore persists documents in an embedded sqvect database. Each
// tenant gets its own file under its vector store directory, so tenant
// isolation falls out of the filesystem layout.
type SQLiteStore struct {
	db         *sqvect.DB
	store      core.Store
	collection string

	mu     sync.Mutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the tenant database under
// cfg.Path and ensures the configured collection exists.
func OpenSQLite(cfg Config) (*SQLiteStore, error) {
	applyConfigDefaults(&cfg)
	if cfg.Path == "" {
		return nil, fmt.Errorf("vectorstore: sqlite backend requires a path")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector store directory: %w", err)
	}

	dbPath := filepath.Join(cfg.Path, sqliteFileName)
	sqvectCfg := sqvect.DefaultConfig(dbPath)
	sqvectCfg.Dimensions = cfg.Dimensions

	db, err := sqvect.Open(sqvectCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database at %s: %w", dbPath, err)
	}

	store := db.Vector()
	ctx := context.Background()
	if _, err := store.GetCollection(ctx, cfg.Collection); err != nil {
		if _, cerr := store.CreateCollection(ctx, cfg.Collection, cfg.Dimensions); cerr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create collection %q: %w", cfg.Collection, cerr)
		}
		slog.Debug("Created vector collection", "collection", cfg.Collection, "path", dbPath)
	}

	return &SQLiteStore{
		db:         db,
		store:      store,
		collection: cfg.Collection,
	}, nil
}

// Upsert writes docs in one batch. Existing IDs are overwritten, which
// makes re-ingesting unchanged content a no-op at the data level.
func (s *SQLiteStore) Upsert(ctx context.Context, docs []Document) error {
	ctx, span := sqliteTracer.Start(ctx, "Upsert")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	embs := make([]*core.Embedding, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			return ErrMissingID
		}
		if len(doc.Vector) == 0 {
			return fmt.Errorf("%w: document %s", ErrEmptyVector, doc.ID)
		}
		embs = append(embs, &core.Embedding{
			ID:         doc.ID,
			Collection: s.collection,
			Vector:     doc.Vector,
			Content:    doc.Text,
			DocID:      doc.Metadata["url"],
			Metadata:   doc.Metadata,
		})
	}

	if err := s.store.UpsertBatch(ctx, embs); err != nil {
		return fmt.Errorf("failed to upsert batch of %d documents: %w", len(embs), err)
	}
	return nil
}

// Search runs nearest-neighbor retrieval. When opts.Text is set the
// underlying store blends lexical similarity into the score, which keeps
// exact-phrase matches from drowning under purely semantic neighbors.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Document, error) {
	ctx, span := sqliteTracer.Start(ctx, "Search")
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

	scored, err := s.store.Search(ctx, vector, core.SearchOptions{
		Collection: s.collection,
		TopK:       limit,
		Filter:     opts.Filter,
		QueryText:  opts.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	docs := make([]Document, 0, len(scored))
	for _, item := range scored {
		docs = append(docs, Document{
			ID:       item.ID,
			Text:     item.Content,
			Metadata: item.Metadata,
			Score:    item.Score,
		})
	}
	return docs, nil
}

// Count reports how many documents the collection holds.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	stats, err := s.store.GetCollectionStats(ctx, s.collection)
	if err != nil {
		// Fall back to the store-wide count when the collection row is
		// missing, e.g. a database created by an older ingest run.
		whole, serr := s.store.Stats(ctx)
		if serr != nil {
			return 0, fmt.Errorf("failed to get collection stats: %w", err)
		}
		return whole.Count, nil
	}
	return stats.Count, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
