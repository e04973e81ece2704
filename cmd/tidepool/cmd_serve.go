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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/services/bot"
)

const (
	// requestedRestartCode is the exit the restart endpoints use to ask
	// for an immediate respawn.
	requestedRestartCode = 1

	// crashRespawnDelay spaces respawns after crash exits.
	crashRespawnDelay = 3 * time.Second

	// spawnRetryDelay spaces retries when the child cannot start at all.
	spawnRetryDelay = 10 * time.Second
)

// runServe starts the edge server, optionally under the auto-restart
// supervisor implementing the process-exit convention.
func runServe(cmd *cobra.Command, args []string) error {
	// Servers log JSON to stdout.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if serveAutoRestart {
		return superviseServer(cmd.Context())
	}
	return startServer()
}

// startServer builds and runs the bot service in this process.
func startServer() error {
	port := servePort
	if port == 0 {
		port = getEnvInt("BOT_PORT", 0)
	}
	svc, err := bot.New(bot.Config{
		Port:          port,
		ServiceSecret: os.Getenv("SERVICE_SECRET"),
		TenantsFile:   os.Getenv("TENANTS_FILE"),
		Collection:    os.Getenv("COLLECTION_NAME"),
		OTelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:       os.Getenv("GIN_MODE"),
	})
	if err != nil {
		return fmt.Errorf("creating bot service: %w", err)
	}
	return svc.Run()
}

// superviseServer respawns the server child per the exit-code
// convention: 0 stops, 1 restarts immediately, anything else restarts
// after a pause.
func superviseServer(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	childArgs := []string{"serve"}
	if servePort != 0 {
		childArgs = append(childArgs, "--port", strconv.Itoa(servePort))
	}

	restarts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if restarts > 0 {
			slog.Info("restarting server", "restart", restarts)
		}

		child := exec.CommandContext(ctx, exe, childArgs...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		// The marker lets the server know a supervisor will respawn it.
		child.Env = append(os.Environ(), "BOT_AUTO_RESTART=1")

		runErr := child.Run()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if runErr == nil {
			slog.Info("server exited cleanly, stopping supervisor")
			return nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			slog.Warn("server exited, restarting", "exit_code", code)
			if code != requestedRestartCode && !sleepCtx(ctx, crashRespawnDelay) {
				return ctx.Err()
			}
		} else {
			slog.Error("server failed to start", "error", runErr)
			if !sleepCtx(ctx, spawnRetryDelay) {
				return ctx.Err()
			}
		}
		restarts++
	}
}

// sleepCtx waits d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
