// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/services/crawler"
	"github.com/AleutianAI/Tidepool/services/embeddings"
	"github.com/AleutianAI/Tidepool/services/recordstore"
	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// runCrawl drives a full site crawl.
func runCrawl(cmd *cobra.Command, args []string) error {
	return runPipeline(cmd, false)
}

// runRefresh drives an incremental update: unchanged pages are skipped
// by content hash, so the record store is mandatory.
func runRefresh(cmd *cobra.Command, args []string) error {
	return runPipeline(cmd, true)
}

func runPipeline(cmd *cobra.Command, incremental bool) error {
	logger := initLogging("updater")
	defer logger.Close()
	ctx := cmd.Context()

	if startURL == "" {
		return badArgsf("--start-url is required")
	}
	if resourceID == "" && tenantUserID == "" {
		return badArgsf("--resource-id (or --user-id) is required")
	}
	if vectorStorePath == "" {
		return badArgsf("--vector-store-path is required")
	}
	if incremental && databaseURI == "" {
		return badArgsf("--database-uri is required for incremental refreshes")
	}

	// The embedding backends read their model from the environment; the
	// flag exists so the scheduler can pin it per tenant.
	if embeddingModelName != "" {
		os.Setenv("EMBEDDING_MODEL", embeddingModelName)
	}

	log := logger.Slog()
	if jobID != "" {
		log = log.With("job_id", jobID)
	}

	store, err := vectorstore.Open(vectorstore.Config{
		Path:       vectorStorePath,
		Collection: collectionName,
	})
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer store.Close()

	embedder, err := embeddings.NewFromEnv()
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}

	deps := crawler.Deps{
		Indexer: crawler.NewIndexer(store, embedder, crawler.IndexerConfig{
			ResourceID:   resourceID,
			TenantUserID: tenantUserID,
			Logger:       log,
		}),
		Logger: log,
	}

	// Change tracking also runs on full crawls when a record store is
	// given, so the first refresh starts from a hash baseline.
	if databaseURI != "" {
		tracking, err := recordstore.NewTrackingStore(ctx,
			recordstore.Config{URI: databaseURI}, resourceID, tenantUserID)
		if err != nil {
			return fmt.Errorf("opening tracking store: %w", err)
		}
		defer tracking.Close(context.WithoutCancel(ctx))
		deps.Detector = tracking
	}

	// Raw page snapshots are opt-in and best-effort.
	if bucket := os.Getenv("SCRAPE_ARCHIVE_BUCKET"); bucket != "" {
		archive, err := crawler.NewArchiver(ctx, bucket,
			getEnvString("SCRAPE_ARCHIVE_PREFIX", "snapshots"),
			os.Getenv("GCS_CREDENTIALS_FILE"))
		if err != nil {
			log.Warn("snapshot archive unavailable", "bucket", bucket, "error", err)
		} else {
			deps.Archive = archive
			defer archive.Close()
		}
	}

	robots := resolveTriState(cmd, "respect-robots", "no-respect-robots")
	c, err := crawler.New(crawler.Config{
		ResourceID:          resourceID,
		TenantUserID:        tenantUserID,
		Domain:              domain,
		StartURL:            startURL,
		SitemapURLs:         sitemapURLs,
		MaxDepth:            maxDepth,
		MaxLinksPerPage:     maxLinksPerPage,
		RespectRobots:       robots != nil && *robots,
		AggressiveDiscovery: resolveTriState(cmd, "aggressive-discovery", "no-aggressive-discovery"),
	}, deps)
	if err != nil {
		return badArgsf("%v", err)
	}

	mode := "full"
	if incremental {
		mode = "incremental"
	}
	log.Info("starting crawl", "mode", mode, "start_url", startURL)

	stats, runErr := c.Run(ctx)
	logStats(log, mode, stats)

	summary := crawlSummary{
		Status:                "completed",
		ResourceID:            resourceID,
		UserID:                tenantUserID,
		JobID:                 jobID,
		StartURL:              startURL,
		Domain:                domain,
		VectorStorePath:       vectorStorePath,
		CollectionName:        collectionName,
		URLTrackingCollection: recordstore.TrackingCollectionName(resourceID, tenantUserID),
		Stats:                 stats,
		Timestamp:             time.Now().UTC().Format(time.RFC3339),
	}
	if runErr != nil {
		summary.Status = "failed"
	}
	if statsOutput != "" {
		if err := writeStatsFile(statsOutput, summary); err != nil {
			log.Warn("stats file not written", "path", statsOutput, "error", err)
		}
	}
	printSummary(summary)

	if runErr != nil {
		return fmt.Errorf("crawl aborted: %w", runErr)
	}
	return nil
}

// crawlSummary is the run report schema downstream tooling reads, both
// from --stats-output and from the final stdout line.
type crawlSummary struct {
	Status                string             `json:"status"`
	ResourceID            string             `json:"resource_id"`
	UserID                string             `json:"user_id,omitempty"`
	JobID                 string             `json:"job_id,omitempty"`
	StartURL              string             `json:"start_url"`
	Domain                string             `json:"domain,omitempty"`
	VectorStorePath       string             `json:"vector_store_path"`
	CollectionName        string             `json:"collection_name,omitempty"`
	URLTrackingCollection string             `json:"url_tracking_collection"`
	Stats                 crawler.CrawlStats `json:"stats"`
	Timestamp             string             `json:"timestamp"`
}

func printSummary(summary crawlSummary) {
	if data, err := json.Marshal(summary); err == nil {
		fmt.Println(string(data))
	}
}

func logStats(log *slog.Logger, mode string, stats crawler.CrawlStats) {
	log.Info("crawl finished",
		"mode", mode,
		"discovered", stats.Discovered,
		"pages_fetched", stats.PagesFetched,
		"pages_processed", stats.PagesProcessed,
		"pages_failed", stats.PagesFailed,
		"urls_new", stats.URLsNew,
		"urls_modified", stats.URLsModified,
		"urls_unchanged", stats.URLsUnchanged,
		"items_extracted", stats.ItemsExtracted,
		"chunks_stored", stats.ChunksStored,
	)
}
