// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tidepool is the operator CLI: site crawls, incremental
// refreshes, the per-tenant update scheduler, manual knowledge
// ingestion, and the edge server with an optional auto-restart wrapper.
//
// # Usage
//
//	tidepool crawl --start-url https://example.com --resource-id acme \
//	    --vector-store-path /data/tenants/acme
//
//	tidepool refresh --start-url https://example.com --resource-id acme \
//	    --vector-store-path /data/tenants/acme \
//	    --database-uri mongodb://localhost:27017/rag_updater
//
//	tidepool scheduler --start-url https://example.com --resource-id acme \
//	    --vector-store-path /data/tenants/acme \
//	    --database-uri mongodb://localhost:27017/rag_updater
//
//	tidepool ingest ./pricing.pdf --resource-id acme \
//	    --vector-store-path /data/tenants/acme
//
//	tidepool serve --auto-restart
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes follow the updater process contract.
const (
	exitOK          = 0
	exitFailure     = 1
	exitBadArgs     = 2
	exitInterrupted = 130
)

// usageError marks errors caused by the invocation rather than the
// work, so main can exit 2 instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// badArgsf builds a usageError.
func badArgsf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var usage usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintln(os.Stderr, "Run 'tidepool --help' for usage.")
		return exitBadArgs
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}
