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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/services/freshness"
)

// runScheduler supervises periodic refreshes for one tenant. Each tick
// re-invokes this binary's refresh subcommand in a fresh process, then
// reports the outcome to the retrieval service and the admin backend.
func runScheduler(cmd *cobra.Command, args []string) error {
	logger := initLogging("scheduler")
	defer logger.Close()
	ctx := cmd.Context()

	if startURL == "" {
		return badArgsf("--start-url is required")
	}
	if resourceID == "" {
		return badArgsf("--resource-id is required")
	}
	if vectorStorePath == "" {
		return badArgsf("--vector-store-path is required")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	tenant := freshness.TenantArgs{
		StartURL:            startURL,
		Domain:              domain,
		ResourceID:          resourceID,
		UserID:              tenantUserID,
		VectorStorePath:     vectorStorePath,
		CollectionName:      collectionName,
		EmbeddingModel:      embeddingModelName,
		RecordStoreURI:      databaseURI,
		MaxDepth:            maxDepth,
		MaxLinksPerPage:     maxLinksPerPage,
		RespectRobots:       resolveTriState(cmd, "respect-robots", "no-respect-robots"),
		AggressiveDiscovery: resolveTriState(cmd, "aggressive-discovery", "no-aggressive-discovery"),
		LogLevel:            logLevel,
	}
	if len(sitemapURLs) > 0 {
		tenant.SitemapURL = sitemapURLs[0]
	}

	// Flags win over environment; the Notifier fills in the localhost
	// defaults when both are empty.
	if botURL == "" {
		botURL = os.Getenv("BOT_URL")
	}
	if adminBackendURL == "" {
		adminBackendURL = os.Getenv("ADMIN_BACKEND_URL")
	}

	runner := freshness.NewSubprocessRunner(exe, tenant.CommandLine(), logger.Slog())
	notifier := freshness.NewNotifier(freshness.NotifierConfig{
		BotURL:          botURL,
		AdminBackendURL: adminBackendURL,
		ServiceSecret:   os.Getenv("SERVICE_SECRET"),
		ResourceID:      resourceID,
		VectorStorePath: vectorStorePath,
		Logger:          logger.Slog(),
	})

	supervisor, err := freshness.NewSupervisor(freshness.SupervisorConfig{
		ResourceID:      resourceID,
		VectorStorePath: vectorStorePath,
		Interval:        schedulerInterval,
		RunImmediately:  runImmediately,
		Logger:          logger.Slog(),
	}, runner, notifier)
	if err != nil {
		return badArgsf("%v", err)
	}

	// Blocks until a termination signal; the in-flight tick finishes
	// before Run returns, so a signalled scheduler still exits 0.
	supervisor.Run(ctx)
	return nil
}
