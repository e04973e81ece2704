// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command bot starts the Tidepool edge HTTP server.
//
// This is the main entry point for the containerized bot service. It
// reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - BOT_PORT: HTTP server port (default: 8000)
//   - SERVICE_SECRET: shared inter-service secret; empty disables auth
//   - TENANTS_FILE: optional tenant defaults YAML, hot-reloaded on change
//   - COLLECTION_NAME: vector collection override (default: scraped_content)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: tidepool-otel-collector:4317)
//   - GIN_MODE: gin run mode (default: release)
//
// # Usage
//
//	# Build
//	go build -o bot ./cmd/bot
//
//	# Run
//	./bot
//
//	# Or via container
//	podman-compose up bot
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/Tidepool/services/bot"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := bot.Config{
		Port:          getEnvInt("BOT_PORT", 8000),
		ServiceSecret: os.Getenv("SERVICE_SECRET"),
		TenantsFile:   os.Getenv("TENANTS_FILE"),
		Collection:    os.Getenv("COLLECTION_NAME"),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "tidepool-otel-collector:4317"),
		GinMode:       os.Getenv("GIN_MODE"),
	}

	slog.Info("Starting bot service",
		"port", cfg.Port,
		"tenants_file", cfg.TenantsFile,
		"auth_configured", cfg.ServiceSecret != "",
	)

	svc, err := bot.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create bot service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Bot service error: %v", err)
	}
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
