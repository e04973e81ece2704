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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/pkg/logging"
)

// initLogging builds the layered CLI logger and installs it as the
// slog default so the service packages inherit it. Interactive runs
// get text output; piped or containerized runs get JSON.
func initLogging(service string) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:   parseLogLevel(logLevel),
		LogDir:  logDir,
		Service: service,
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(logger.Slog())
	return logger
}

// parseLogLevel maps the --log-level flag onto a logging.Level.
// Unknown values fall back to info.
func parseLogLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// resolveTriState reads a --thing / --no-thing flag pair. The negative
// flag wins when both are set; neither set returns nil so the callee's
// default applies.
func resolveTriState(cmd *cobra.Command, positive, negative string) *bool {
	if cmd.Flags().Changed(negative) {
		v := false
		return &v
	}
	if cmd.Flags().Changed(positive) {
		v := true
		return &v
	}
	return nil
}

// writeStatsFile marshals v as indented JSON to path.
func writeStatsFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing stats file: %w", err)
	}
	return nil
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
