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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/xuri/excelize/v2"

	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// =============================================================================
// Manual Knowledge Ingestion
// =============================================================================

// manualSectionSize bounds the pre-split sections a large manual
// document is broken into before sentence chunking. Zero overlap:
// overlapping sections would duplicate chunks downstream.
const manualSectionSize = 12000

var (
	markdownSectionSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
	plainSectionSeparators = []string{"\n\n", "\n", " ", ""}
)

// ManualResult reports one manual ingestion.
type ManualResult struct {
	Success        bool   `json:"success"`
	ChunksStored   int    `json:"chunks_stored"`
	TotalDocuments int64  `json:"total_documents"`
	Message        string `json:"message"`
}

// IngestManualText chunks, embeds, and stores operator-provided text
// in the tenant's collection, tagged source=manual so it survives
// crawl-based reasoning about freshness.
func (ix *Indexer) IngestManualText(ctx context.Context, content string) (ManualResult, error) {
	return ix.ingestManual(ctx, []string{content})
}

// IngestManualFile loads a document from disk and ingests it. Plain
// text and markdown are read as-is (markdown gets a header-aware
// pre-split), PDFs have their text extracted, and workbook rows are
// flattened to lines.
func (ix *Indexer) IngestManualFile(ctx context.Context, path string) (ManualResult, error) {
	content, err := LoadDocument(path)
	if err != nil {
		return ManualResult{}, err
	}
	sections, err := sectionSplitterFor(path).SplitText(content)
	if err != nil || len(sections) == 0 {
		sections = []string{content}
	}
	return ix.ingestManual(ctx, sections)
}

func (ix *Indexer) ingestManual(ctx context.Context, texts []string) (ManualResult, error) {
	ctx, span := indexTracer.Start(ctx, "IngestManual")
	defer span.End()

	var chunks []string
	for _, text := range texts {
		chunks = append(chunks, ChunkText(strings.TrimSpace(text))...)
	}
	if len(chunks) == 0 {
		return ManualResult{}, errors.New("no valid chunks produced from content")
	}

	now := ix.now()
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	createdAt := now.UTC().Format(time.RFC3339)
	docs := make([]vectorstore.Document, 0, len(chunks))
	for i, chunk := range chunks {
		id := hashHex(fmt.Sprintf("manual_%s_%s_%s_%d", ix.resourceID, hashHex(chunk), ts, i))
		docs = append(docs, vectorstore.Document{
			ID:   id,
			Text: chunk,
			Metadata: map[string]string{
				"source":               "manual",
				"resource_id":          ix.resourceID,
				"created_at":           createdAt,
				"chunk_index":          strconv.Itoa(i),
				"chunk_length":         strconv.Itoa(len(chunk)),
				"chunk_word_count":     strconv.Itoa(len(strings.Fields(chunk))),
				"unique_id":            id,
				"extraction_timestamp": ts,
			},
		})
	}

	stored := 0
	for start := 0; start < len(docs); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		batchTexts := make([]string, len(batch))
		for i := range batch {
			batchTexts[i] = batch[i].Text
		}
		vectors, err := ix.embedder.EmbedBatch(ctx, batchTexts)
		if err != nil {
			return ManualResult{}, fmt.Errorf("embedding manual chunks: %w", err)
		}
		for i := range batch {
			batch[i].Vector = vectors[i]
		}

		ix.mu.Lock()
		n, err := ix.upsertLocked(ctx, batch)
		ix.mu.Unlock()
		if err != nil {
			return ManualResult{}, err
		}
		stored += n
	}

	total, err := ix.store.Count(ctx)
	if err != nil {
		ix.log.Warn("collection count unavailable after manual ingest", "error", err)
		total = 0
	}
	return ManualResult{
		Success:        true,
		ChunksStored:   stored,
		TotalDocuments: total,
		Message:        fmt.Sprintf("Successfully added %d chunks to bot knowledge base", stored),
	}, nil
}

// =============================================================================
// Document Loading
// =============================================================================

// LoadDocument reads a manual knowledge file into plain text.
func LoadDocument(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return string(data), nil
	case ".pdf":
		return loadPDF(path)
	case ".xlsx", ".xlsm":
		return loadWorkbook(path)
	default:
		return "", fmt.Errorf("unsupported document type %q (want .txt, .md, .pdf, or .xlsx)", filepath.Ext(path))
	}
}

func loadPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	text, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("reading text from %s: %w", path, err)
	}
	return buf.String(), nil
}

func loadWorkbook(path string) (string, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer wb.Close()

	var sb strings.Builder
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("reading sheet %q in %s: %w", sheet, path, err)
		}
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, " "))
			if line != "" {
				sb.WriteString(line)
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String(), nil
}

// sectionSplitterFor picks the structure-aware pre-splitter: markdown
// splits on headers first, everything else on blank lines.
func sectionSplitterFor(path string) textsplitter.TextSplitter {
	separators := plainSectionSeparators
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		separators = markdownSectionSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(manualSectionSize),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators(separators),
	)
}
