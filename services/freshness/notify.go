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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var notifyTracer = otel.Tracer("tidepool.freshness.notify")

// =============================================================================
// Notification Protocol
// =============================================================================

const (
	// TriggerScheduled marks reports produced by the interval loop.
	TriggerScheduled = "scheduled"
	// TriggerManual marks reports produced by a one-off refresh.
	TriggerManual = "manual"

	reloadTimeout = 30 * time.Second
	reportTimeout = 10 * time.Second
)

// ScrapeReport is the admin-backend callback payload, sent exactly once
// per update attempt.
type ScrapeReport struct {
	ResourceID  string `json:"resource_id"`
	Success     bool   `json:"success"`
	BotReady    bool   `json:"bot_ready"`
	Trigger     string `json:"trigger"`
	CompletedAt string `json:"completed_at"`
}

// NotifierConfig wires the notification protocol to its two peers.
//
// # Fields
//
//   - BotURL: retrieval service base URL; empty means
//     http://localhost:8000
//   - AdminBackendURL: admin backend base URL; empty means
//     http://localhost:5000
//   - ServiceSecret: sent as X-Service-Secret on both calls when set
//   - ResourceID / VectorStorePath: tenant identity forwarded on the
//     reload call
type NotifierConfig struct {
	BotURL          string
	AdminBackendURL string
	ServiceSecret   string
	ResourceID      string
	VectorStorePath string
	Logger          *slog.Logger
}

// Notifier reports each update attempt downstream: first the retrieval
// service reload, then the admin-backend scrape-complete callback.
//
// # Thread Safety
//
// Safe for concurrent use; all state is set at construction.
type Notifier struct {
	cfg    NotifierConfig
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
}

// NewNotifier applies config defaults and builds a Notifier.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.BotURL == "" {
		cfg.BotURL = "http://localhost:8000"
	}
	if cfg.AdminBackendURL == "" {
		cfg.AdminBackendURL = "http://localhost:5000"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{},
		log:    cfg.Logger.With("resource_id", cfg.ResourceID),
		now:    time.Now,
	}
}

// NotifyTick reports the outcome of one update attempt.
//
// # Description
//
// On updater success the retrieval service is told to reload its
// vectors first; a failed or refused reload downgrades the report,
// since fresh vectors the bot never loaded help nobody. The admin
// backend then receives exactly one scrape-complete callback either
// way. Callback delivery is best-effort: an unreachable admin backend
// never fails the tick.
//
// # Outputs
//
//   - bool: whether the retrieval service acknowledged the reload
func (n *Notifier) NotifyTick(ctx context.Context, updaterOK bool, trigger string) bool {
	ctx, span := notifyTracer.Start(ctx, "NotifyTick")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("updater_ok", updaterOK),
		attribute.String("trigger", trigger),
	)

	botReady := false
	if updaterOK {
		if err := n.requestReload(ctx); err != nil {
			n.log.Error("bot reload request failed", "error", err)
		} else {
			botReady = true
		}
	}

	report := ScrapeReport{
		ResourceID:  n.cfg.ResourceID,
		Success:     updaterOK && botReady,
		BotReady:    botReady,
		Trigger:     trigger,
		CompletedAt: n.now().UTC().Format(time.RFC3339),
	}
	if err := n.reportScrapeComplete(ctx, report); err != nil {
		n.log.Warn("scrape-complete callback failed", "error", err)
	}
	return botReady
}

// requestReload POSTs the retrieval service's reload_vectors endpoint
// so the serving process picks up the freshly written store. Non-2xx
// is an error: the data is on disk but nobody is serving it.
func (n *Notifier) requestReload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("resource_id", n.cfg.ResourceID)
	q.Set("vector_store_path", n.cfg.VectorStorePath)
	endpoint := n.cfg.BotURL + "/reload_vectors?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if n.cfg.ServiceSecret != "" {
		req.Header.Set("X-Service-Secret", n.cfg.ServiceSecret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reload_vectors returned status %d: %s", resp.StatusCode, string(body))
	}
	n.log.Info("bot acknowledged vector reload", "status", resp.StatusCode)
	return nil
}

// reportScrapeComplete POSTs one tick's report to the admin backend.
func (n *Notifier) reportScrapeComplete(ctx context.Context, report ScrapeReport) error {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	bodyBytes, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	endpoint := n.cfg.AdminBackendURL + "/api/scrape/scheduler/scrape-complete"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.ServiceSecret != "" {
		req.Header.Set("X-Service-Secret", n.cfg.ServiceSecret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("scrape-complete returned status %d: %s", resp.StatusCode, string(body))
	}
	n.log.Info("scrape-complete reported",
		"success", report.Success, "bot_ready", report.BotReady, "trigger", report.Trigger)
	return nil
}
