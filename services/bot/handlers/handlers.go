// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP request handlers for the bot
// edge service.
//
// Every handler follows the same path: parse the request, assemble the
// tenant context (request fields first, tenant defaults file for the
// gaps), borrow an engine from the registry, and shape the response.
// Handlers never construct or close engines.
//
// Error mapping: tenant-context failures are 400, a missing registry
// is 503, everything unexpected is 500. Conversational failures never
// surface as HTTP errors; the engine folds them into the answer text.
package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
	"github.com/AleutianAI/Tidepool/services/bot/observability"
	"github.com/AleutianAI/Tidepool/services/bot/tenants"
	"github.com/AleutianAI/Tidepool/services/rag"
)

var handlerTracer = otel.Tracer("tidepool.bot.handlers")

// =============================================================================
// Shared Dependencies
// =============================================================================

// Deps carries what the endpoint closures need. Routes pass one Deps
// value to every handler factory.
//
// # Fields
//
//   - Registry: The tenant engine registry. Nil maps to 503 on every
//     tenant-scoped endpoint.
//   - Defaults: Tenant defaults file. Nil means requests must carry a
//     complete tenant context.
//   - Metrics: Edge metrics. Nil disables counting.
//   - Requests: Daily request tally surfaced by /health.
//   - Exit: Process-exit hook for the restart endpoints. Nil means
//     os.Exit; tests inject a recorder.
//   - Sleep: Delay hook for settle pauses and restart grace periods.
//     Nil means time.Sleep.
type Deps struct {
	Registry *rag.Registry
	Defaults *tenants.Store
	Metrics  *observability.Metrics
	Requests *observability.DailyCounter
	Exit     func(code int)
	Sleep    func(d time.Duration)
}

func (d Deps) exit(code int) {
	if d.Exit != nil {
		d.Exit(code)
		return
	}
	os.Exit(code)
}

func (d Deps) sleep(dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

func (d Deps) countChat(endpoint, status string) {
	if d.Metrics != nil {
		d.Metrics.ChatRequestsTotal.WithLabelValues(endpoint, status).Inc()
	}
}

func (d Deps) requestsUsed() int64 {
	if d.Requests == nil {
		return 0
	}
	return d.Requests.Used()
}

func (d Deps) countRequest() {
	if d.Requests != nil {
		d.Requests.Increment()
	}
}

// =============================================================================
// Tenant Resolution
// =============================================================================

// tenantFromQuery binds the tenant query parameters, fills gaps from
// the defaults file, and validates. On failure the 400 response is
// already written and the bool is false.
func (d Deps) tenantFromQuery(c *gin.Context) (rag.TenantContext, bool) {
	var q datatypes.TenantQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return rag.TenantContext{}, false
	}
	tc := d.Defaults.Fill(rag.TenantContext{
		ResourceID:      q.ResourceID,
		VectorStorePath: q.VectorStorePath,
		RecordStoreURI:  q.DatabaseURI,
		Collection:      q.CollectionName,
	})
	if err := tc.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return rag.TenantContext{}, false
	}
	return tc, true
}

// getEngine borrows the tenant's engine from the registry, writing the
// error response itself when that fails.
func (d Deps) getEngine(c *gin.Context, ctx context.Context, tc rag.TenantContext, forceReload bool) (*rag.Engine, bool) {
	if d.Registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": rag.ErrRegistryUnavailable.Error()})
		return nil, false
	}
	eng, err := d.Registry.Get(ctx, tc, forceReload)
	if err != nil {
		status := http.StatusInternalServerError
		if rag.IsTenantContextError(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false
	}
	return eng, true
}
