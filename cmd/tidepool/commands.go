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
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	// Tenant coordinates, shared by crawl, refresh, scheduler, ingest.
	resourceID      string
	tenantUserID    string
	vectorStorePath string
	collectionName  string
	databaseURI     string

	// Crawl tuning, shared by crawl, refresh, scheduler.
	startURL            string
	domain              string
	sitemapURLs         []string
	maxDepth            int
	maxLinksPerPage     int
	embeddingModelName  string
	respectRobots       bool
	noRespectRobots     bool
	aggressiveDiscovery bool
	noAggressiveDisc    bool
	jobID               string
	statsOutput         string
	logLevel            string
	logDir              string

	// Scheduler tuning.
	schedulerInterval time.Duration
	runImmediately    bool
	botURL            string
	adminBackendURL   string

	// Ingest input.
	ingestText string

	// Serve tuning.
	servePort        int
	serveAutoRestart bool

	rootCmd = &cobra.Command{
		Use:   "tidepool",
		Short: "A cli to operate the Tidepool multi-tenant RAG platform",
		Long: `Tidepool crawls tenant websites into per-tenant vector stores and
				serves retrieval-augmented chat over them. This CLI drives the
				crawl/refresh pipeline, the freshness scheduler, manual knowledge
				ingestion, and the edge server itself.`,
	}

	// --- Crawl / Refresh ---
	crawlCmd = &cobra.Command{
		Use:   "crawl",
		Short: "Run a full site crawl into a tenant's vector store",
		RunE:  runCrawl, // Defined in cmd_crawl.go
	}
	refreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Run an incremental update (change detection via the record store)",
		RunE:  runRefresh, // Defined in cmd_crawl.go
	}

	// --- Scheduler ---
	schedulerCmd = &cobra.Command{
		Use:   "scheduler",
		Short: "Supervise periodic refreshes for one tenant",
		RunE:  runScheduler, // Defined in cmd_scheduler.go
	}

	// --- Manual Knowledge ---
	ingestCmd = &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest manual knowledge documents (.txt, .md, .pdf, .xlsx) into a tenant's vector store",
		RunE:  runIngest, // Defined in cmd_ingest.go
	}

	// --- Edge Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the bot edge server",
		Long: `Runs the edge HTTP server. With --auto-restart a supervisor process
				respawns the server per the exit-code convention: 0 stops, 1
				restarts immediately, anything else restarts after a pause.`,
		RunE: runServe, // Defined in cmd_serve.go
	}
)

// addTenantFlags registers the tenant coordinate flags shared by every
// data-path command.
func addTenantFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "Tenant resource identifier")
	cmd.Flags().StringVar(&tenantUserID, "user-id", "", "Legacy tenant user identifier")
	cmd.Flags().StringVar(&vectorStorePath, "vector-store-path", "", "Tenant vector store directory")
	cmd.Flags().StringVar(&collectionName, "collection-name", "", "Vector collection name (default scraped_content)")
}

// addCrawlFlags registers the spider tuning flags shared by crawl,
// refresh, and scheduler.
func addCrawlFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&startURL, "start-url", "", "Seed URL to crawl from")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain to stay within (default: the start URL's host)")
	cmd.Flags().StringSliceVar(&sitemapURLs, "sitemap-url", nil, "Explicit sitemap URL (repeatable)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Maximum link depth (default 999)")
	cmd.Flags().IntVar(&maxLinksPerPage, "max-links-per-page", 0, "Maximum links followed per page (default 1000)")
	cmd.Flags().StringVar(&embeddingModelName, "embedding-model-name", "", "Embedding model override")
	cmd.Flags().BoolVar(&respectRobots, "respect-robots", false, "Honor robots.txt")
	cmd.Flags().BoolVar(&noRespectRobots, "no-respect-robots", false, "Ignore robots.txt (the default)")
	cmd.Flags().BoolVar(&aggressiveDiscovery, "aggressive-discovery", false, "Probe speculative pagination URLs (the default)")
	cmd.Flags().BoolVar(&noAggressiveDisc, "no-aggressive-discovery", false, "Only follow links pages declare")
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job identifier stamped into logs")
	cmd.Flags().StringVar(&statsOutput, "stats-output", "", "Write crawl stats JSON to this file")
}

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write JSON logs to this directory")

	rootCmd.AddCommand(crawlCmd)
	addTenantFlags(crawlCmd)
	addCrawlFlags(crawlCmd)
	crawlCmd.Flags().StringVar(&databaseURI, "database-uri", "", "Record store URI for change tracking (optional on full crawls)")

	rootCmd.AddCommand(refreshCmd)
	addTenantFlags(refreshCmd)
	addCrawlFlags(refreshCmd)
	refreshCmd.Flags().StringVar(&databaseURI, "database-uri", "", "Record store URI for change tracking (required)")

	rootCmd.AddCommand(schedulerCmd)
	addTenantFlags(schedulerCmd)
	addCrawlFlags(schedulerCmd)
	schedulerCmd.Flags().StringVar(&databaseURI, "database-uri", "", "Record store URI forwarded to each refresh")
	schedulerCmd.Flags().DurationVar(&schedulerInterval, "interval", 0, "Time between refreshes (default 5m)")
	schedulerCmd.Flags().BoolVar(&runImmediately, "run-immediately", false, "Run one refresh at startup before the first sleep")
	schedulerCmd.Flags().StringVar(&botURL, "bot-url", "", "Retrieval service base URL (default $BOT_URL or http://localhost:8000)")
	schedulerCmd.Flags().StringVar(&adminBackendURL, "admin-backend-url", "", "Admin backend base URL (default $ADMIN_BACKEND_URL or http://localhost:5000)")

	rootCmd.AddCommand(ingestCmd)
	addTenantFlags(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestText, "text", "", "Ingest this text instead of reading files")
	ingestCmd.Flags().StringVar(&embeddingModelName, "embedding-model-name", "", "Embedding model override")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default $BOT_PORT or 8000)")
	serveCmd.Flags().BoolVar(&serveAutoRestart, "auto-restart", false, "Supervise the server and respawn it on restart exits")
}
