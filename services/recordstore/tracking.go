// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Tidepool/pkg/validation"
)

var trackingTracer = otel.Tracer("tidepool.recordstore.tracking")

// URLStatus classifies a page against its tracking row.
type URLStatus string

const (
	// URLNew means no tracking row exists yet.
	URLNew URLStatus = "new"

	// URLModified means the stored content hash differs.
	URLModified URLStatus = "modified"

	// URLUnchanged means the stored content hash matches.
	URLUnchanged URLStatus = "unchanged"

	trackingCollectionBase = "url_tracking"
)

// URLRecord is one tracked page.
type URLRecord struct {
	URL          string    `bson:"url" json:"url"`
	ContentHash  string    `bson:"content_hash" json:"content_hash"`
	LastChecked  time.Time `bson:"last_checked" json:"last_checked"`
	LastModified time.Time `bson:"last_modified" json:"last_modified"`
}

// TrackingStore keeps the per-URL content hashes an incremental crawl
// compares against. Collections are tenant-scoped by name so a shared
// database never mixes tenants.
type TrackingStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// TrackingCollectionName builds the tenant-specific collection name.
// With neither identifier set the shared base collection is used. The
// resource id wins over the tenant user id when both are present.
func TrackingCollectionName(resourceID, tenantUserID string) string {
	base := strings.TrimSpace(resourceID)
	if base == "" {
		base = strings.TrimSpace(tenantUserID)
	}
	if base == "" {
		return trackingCollectionBase
	}

	safe := validation.SafeResourceID(base)
	if safe == "" {
		safe = "tenant"
	}
	return trackingCollectionBase + "_" + safe
}

// NewTrackingStore connects and prepares the tenant's tracking
// collection with its unique URL index.
func NewTrackingStore(ctx context.Context, cfg Config, resourceID, tenantUserID string) (*TrackingStore, error) {
	client, err := Connect(ctx, cfg.URI)
	if err != nil {
		return nil, err
	}

	database := resolveDatabase(cfg, DefaultTrackingDatabase)
	collection := TrackingCollectionName(resourceID, tenantUserID)
	store := &TrackingStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}

	_, err = store.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		slog.Warn("URL index setup incomplete", "collection", collection, "error", err)
	}

	slog.Info("URL tracking collection ready", "database", database, "collection", collection)
	return store, nil
}

// Check compares contentHash against the stored row for url, updates
// the row, and reports whether the page is new, modified, or unchanged.
// Rows for new pages are upserted immediately so a crash mid-crawl
// never re-classifies already-seen pages as new.
func (s *TrackingStore) Check(ctx context.Context, url, contentHash string) (URLStatus, error) {
	ctx, span := trackingTracer.Start(ctx, "Check")
	defer span.End()

	now := time.Now().UTC()

	var existing URLRecord
	err := s.coll.FindOne(ctx, bson.M{"url": url}).Decode(&existing)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		_, err = s.coll.UpdateOne(ctx,
			bson.M{"url": url},
			bson.M{"$set": bson.M{
				"url":           url,
				"content_hash":  contentHash,
				"last_checked":  now,
				"last_modified": now,
			}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return URLNew, fmt.Errorf("failed to store tracking row for new url: %w", err)
		}
		return URLNew, nil

	case err != nil:
		return "", fmt.Errorf("failed to look up tracking row: %w", err)

	case existing.ContentHash != contentHash:
		_, err = s.coll.UpdateOne(ctx,
			bson.M{"url": url},
			bson.M{"$set": bson.M{
				"content_hash":  contentHash,
				"last_checked":  now,
				"last_modified": now,
			}},
		)
		if err != nil {
			return URLModified, fmt.Errorf("failed to update tracking row: %w", err)
		}
		return URLModified, nil

	default:
		_, err = s.coll.UpdateOne(ctx,
			bson.M{"url": url},
			bson.M{"$set": bson.M{"last_checked": now}},
		)
		if err != nil {
			return URLUnchanged, fmt.Errorf("failed to touch tracking row: %w", err)
		}
		return URLUnchanged, nil
	}
}

// Count returns the number of tracked URLs.
func (s *TrackingStore) Count(ctx context.Context) (int64, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count tracking rows: %w", err)
	}
	return count, nil
}

// Close releases the connection pool.
func (s *TrackingStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
