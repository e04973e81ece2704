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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/services/crawler"
	"github.com/AleutianAI/Tidepool/services/embeddings"
	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// ingestReport is one stdout line per ingested document.
type ingestReport struct {
	File string `json:"file,omitempty"`
	crawler.ManualResult
}

// runIngest loads operator-provided documents into a tenant's vector
// store. Each input gets its own report line; one bad document does
// not stop the rest.
func runIngest(cmd *cobra.Command, args []string) error {
	logger := initLogging("ingest")
	defer logger.Close()
	ctx := cmd.Context()

	if resourceID == "" && tenantUserID == "" {
		return badArgsf("--resource-id (or --user-id) is required")
	}
	if vectorStorePath == "" {
		return badArgsf("--vector-store-path is required")
	}
	if ingestText == "" && len(args) == 0 {
		return badArgsf("provide document paths or --text")
	}
	if embeddingModelName != "" {
		os.Setenv("EMBEDDING_MODEL", embeddingModelName)
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

	indexer := crawler.NewIndexer(store, embedder, crawler.IndexerConfig{
		ResourceID:   resourceID,
		TenantUserID: tenantUserID,
		Logger:       logger.Slog(),
	})

	total := len(args)
	if ingestText != "" {
		total++
	}

	failures := 0
	report := func(file string, result crawler.ManualResult, err error) {
		if err != nil {
			failures++
			result = crawler.ManualResult{Message: err.Error()}
		}
		line, _ := json.Marshal(ingestReport{File: file, ManualResult: result})
		fmt.Println(string(line))
	}

	if ingestText != "" {
		result, err := indexer.IngestManualText(ctx, ingestText)
		report("", result, err)
	}
	for _, path := range args {
		result, err := indexer.IngestManualFile(ctx, path)
		report(path, result, err)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d documents failed to ingest", failures, total)
	}
	return nil
}
