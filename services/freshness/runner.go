// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// =============================================================================
// Updater Runner
// =============================================================================

// UpdaterRunner runs one incremental update to completion. A nil error
// means the update succeeded.
type UpdaterRunner interface {
	RunOnce(ctx context.Context, jobID string) error
}

// TenantArgs describes one tenant's updater invocation. Zero values are
// omitted from the command line so the updater's own defaults apply.
type TenantArgs struct {
	StartURL        string
	Domain          string
	ResourceID      string
	UserID          string
	VectorStorePath string
	CollectionName  string
	EmbeddingModel  string
	RecordStoreURI  string
	MaxDepth        int
	MaxLinksPerPage int
	SitemapURL      string
	// RespectRobots and AggressiveDiscovery are tri-state: nil leaves
	// the updater's default.
	RespectRobots       *bool
	AggressiveDiscovery *bool
	LogLevel            string
}

// CommandLine renders the refresh subcommand arguments for these
// tenant settings, without the job id.
func (a TenantArgs) CommandLine() []string {
	args := []string{
		"refresh",
		"--start-url", a.StartURL,
		"--resource-id", a.ResourceID,
		"--vector-store-path", a.VectorStorePath,
	}
	if a.Domain != "" {
		args = append(args, "--domain", a.Domain)
	}
	if a.UserID != "" {
		args = append(args, "--user-id", a.UserID)
	}
	if a.CollectionName != "" {
		args = append(args, "--collection-name", a.CollectionName)
	}
	if a.EmbeddingModel != "" {
		args = append(args, "--embedding-model-name", a.EmbeddingModel)
	}
	if a.RecordStoreURI != "" {
		args = append(args, "--database-uri", a.RecordStoreURI)
	}
	if a.MaxDepth > 0 {
		args = append(args, "--max-depth", strconv.Itoa(a.MaxDepth))
	}
	if a.MaxLinksPerPage > 0 {
		args = append(args, "--max-links-per-page", strconv.Itoa(a.MaxLinksPerPage))
	}
	if a.SitemapURL != "" {
		args = append(args, "--sitemap-url", a.SitemapURL)
	}
	if a.RespectRobots != nil {
		if *a.RespectRobots {
			args = append(args, "--respect-robots")
		} else {
			args = append(args, "--no-respect-robots")
		}
	}
	if a.AggressiveDiscovery != nil {
		if *a.AggressiveDiscovery {
			args = append(args, "--aggressive-discovery")
		} else {
			args = append(args, "--no-aggressive-discovery")
		}
	}
	if a.LogLevel != "" {
		args = append(args, "--log-level", a.LogLevel)
	}
	return args
}

// SubprocessRunner spawns a fresh updater process per tick. Fresh
// processes keep the long-lived supervisor immune to whatever the crawl
// leaks or caches; success is exit code 0 and nothing else.
type SubprocessRunner struct {
	executable string
	args       []string
	log        *slog.Logger
}

// NewSubprocessRunner builds a runner invoking executable with the
// given base arguments; RunOnce appends the per-tick job id.
func NewSubprocessRunner(executable string, args []string, logger *slog.Logger) *SubprocessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessRunner{executable: executable, args: args, log: logger}
}

// RunOnce executes one updater process and waits for it.
func (r *SubprocessRunner) RunOnce(ctx context.Context, jobID string) error {
	args := append(append([]string{}, r.args...), "--job-id", jobID)
	cmd := exec.CommandContext(ctx, r.executable, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.log.Info("starting updater job", "job_id", jobID, "command", r.executable)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.log.Error("updater job failed",
				"job_id", jobID, "exit_code", exitErr.ExitCode(), "elapsed", elapsed)
			return fmt.Errorf("updater exited with code %d", exitErr.ExitCode())
		}
		r.log.Error("updater job could not run", "job_id", jobID, "error", err)
		return fmt.Errorf("running updater: %w", err)
	}
	r.log.Info("updater job completed", "job_id", jobID, "elapsed", elapsed)
	return nil
}
