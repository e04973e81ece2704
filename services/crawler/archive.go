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
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// =============================================================================
// Page Snapshot Archive
// =============================================================================

// Archiver keeps raw HTML snapshots of crawled pages in a GCS bucket,
// named by hashed URL and fetch time so a page's history accumulates.
// Archiving is best-effort; the crawl never depends on it.
type Archiver struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewArchiver connects to GCS. An empty credentials path uses the
// ambient application-default credentials.
func NewArchiver(ctx context.Context, bucket, prefix, credentialsPath string) (*Archiver, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Store uploads one page snapshot.
func (a *Archiver) Store(ctx context.Context, pageURL string, body []byte) error {
	name := path.Join(a.prefix,
		hashHex(pageURL)[:16],
		a.now().UTC().Format("20060102T150405Z")+".html")

	writer := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "text/html"
	writer.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write snapshot %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return nil
}

// Close releases the client.
func (a *Archiver) Close() error {
	return a.client.Close()
}
