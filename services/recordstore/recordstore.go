// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recordstore wraps MongoDB access for the two durable record
// families the platform keeps outside the vector store: captured leads
// and per-URL crawl tracking rows.
//
// Each tenant connects with its own URI, so database-level isolation is
// the tenant platform's concern, not ours. The package only decides
// which database and collection names to use once handed a URI.
package recordstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	// DefaultLeadsDatabase is used when the URI names no database and the
	// environment provides none.
	DefaultLeadsDatabase = "rag_chatbot"

	// DefaultTrackingDatabase is the updater-side fallback database.
	DefaultTrackingDatabase = "rag_updater"

	// connectTimeout bounds the initial ping.
	connectTimeout = 10 * time.Second
)

// Config carries the connection settings shared by both stores.
type Config struct {
	// URI is the full MongoDB connection string. Required.
	URI string

	// Database overrides the database name parsed from the URI. When
	// both are empty the store-specific default applies.
	Database string
}

// Connect dials MongoDB with the pool settings the platform runs with
// and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("recordstore: mongo URI is required")
	}
	if !strings.HasPrefix(uri, "mongodb://") && !strings.HasPrefix(uri, "mongodb+srv://") {
		return nil, fmt.Errorf("recordstore: invalid mongo URI format: %s", uri)
	}

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(45 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetSocketTimeout(20 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	slog.Debug("MongoDB connected", "pool_max", 50, "pool_min", 10)
	return client, nil
}

// DatabaseNameFromURI extracts the database segment of a connection
// string: query parameters stripped, trailing slashes trimmed, then the
// last path segment. Segments containing ':' are host:port fragments,
// not database names. Returns "" when the URI names no database.
func DatabaseNameFromURI(uri string) string {
	base, _, _ := strings.Cut(uri, "?")
	base = strings.TrimRight(base, "/")
	idx := strings.LastIndex(base, "/")
	if idx < 0 {
		return ""
	}
	segment := strings.TrimSpace(base[idx+1:])
	if segment == "" || strings.Contains(segment, ":") {
		return ""
	}
	return segment
}

// resolveDatabase picks the database name: explicit override, then the
// URI, then the provided default.
func resolveDatabase(cfg Config, fallback string) string {
	if cfg.Database != "" {
		return cfg.Database
	}
	if name := DatabaseNameFromURI(cfg.URI); name != "" {
		return name
	}
	return fallback
}
