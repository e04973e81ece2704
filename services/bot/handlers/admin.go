// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
	"github.com/AleutianAI/Tidepool/services/rag"
)

const (
	// refreshSettleDelay sits between destroying a tenant's engine and
	// force-recreating it, so the old store's file locks are really
	// gone before the reopen.
	refreshSettleDelay = 500 * time.Millisecond

	// reloadExitDelay is how long /reload_vectors waits after writing
	// its response before exiting with the restart code.
	reloadExitDelay = 500 * time.Millisecond

	// restartExitDelay is the grace period for /system/restart.
	restartExitDelay = 1 * time.Second
)

// restartExitCode asks the auto-restart wrapper for an immediate
// respawn. Exit 0 would be read as a clean stop.
const restartExitCode = 1

// HandleRefreshCache answers POST /refresh-cache: destroy the cached
// engine, wait for file handles to settle, then force-build a fresh
// one and report what it sees on disk.
func HandleRefreshCache(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleRefreshCache")
		defer span.End()

		tc, ok := deps.tenantFromQuery(c)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("tenant.resource_id", tc.ResourceID))
		if deps.Registry == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": rag.ErrRegistryUnavailable.Error()})
			return
		}

		destroyed, err := deps.Registry.Invalidate(ctx, tc)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		deps.sleep(refreshSettleDelay)

		eng, ok := deps.getEngine(c, ctx, tc, true)
		if !ok {
			return
		}
		count, err := eng.DocumentCount(ctx)
		if err != nil {
			span.RecordError(err)
			count = 0
		}
		c.JSON(http.StatusOK, datatypes.RefreshCacheResponse{
			Status:        "success",
			Message:       fmt.Sprintf("Cache refreshed for %s", tc.ResourceID),
			ResourceID:    tc.ResourceID,
			DocumentCount: count,
			Destroyed:     destroyed,
		})
	}
}

// HandleMarkDataUpdated answers POST /mark-data-updated: the cheapest
// freshness signal. Sets the dirty flag; the next engine fetch for the
// tenant reloads in place.
func HandleMarkDataUpdated(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := handlerTracer.Start(c.Request.Context(), "HandleMarkDataUpdated")
		defer span.End()

		tc, ok := deps.tenantFromQuery(c)
		if !ok {
			return
		}
		if deps.Registry == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": rag.ErrRegistryUnavailable.Error()})
			return
		}
		if err := deps.Registry.MarkDirty(tc); err != nil {
			span.RecordError(err)
			status := http.StatusInternalServerError
			if rag.IsTenantContextError(err) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.MarkDataUpdatedResponse{
			Status:     "success",
			Message:    "Data refresh scheduled; the next query reloads the vector store",
			ResourceID: tc.ResourceID,
		})
	}
}

// HandleReloadVectors answers POST /reload_vectors: the scheduler's
// post-crawl hook. Reloads the tenant's vector store in place so the
// success flag reflects the data actually being readable, then exits
// with the restart code so the wrapper respawns a clean process.
func HandleReloadVectors(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleReloadVectors")
		defer span.End()

		tc, ok := deps.tenantFromQuery(c)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("tenant.resource_id", tc.ResourceID))
		if deps.Registry == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": rag.ErrRegistryUnavailable.Error()})
			return
		}

		success := true
		message := "Vector store reloaded; process restart scheduled"
		eng, err := deps.Registry.Get(ctx, tc, false)
		if err == nil {
			err = eng.ReloadVectorStore(ctx)
		}
		if err != nil {
			span.RecordError(err)
			success = false
			message = fmt.Sprintf("Vector reload failed (%v); process restart scheduled", err)
		}

		c.JSON(http.StatusOK, datatypes.ReloadVectorsResponse{
			Success:     success,
			ActionTaken: "restart_scheduled",
			Message:     message,
			ResourceID:  tc.ResourceID,
		})

		go func() {
			deps.sleep(reloadExitDelay)
			deps.exit(restartExitCode)
		}()
	}
}

// HandleSystemRestart answers POST /system/restart: acknowledge, then
// exit with the restart code after a short grace period so the
// response reaches the client.
func HandleSystemRestart(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := handlerTracer.Start(c.Request.Context(), "HandleSystemRestart")
		defer span.End()

		c.JSON(http.StatusOK, datatypes.RestartResponse{
			Status:  "restarting",
			Message: "Service restart initiated",
			PID:     os.Getpid(),
		})

		go func() {
			deps.sleep(restartExitDelay)
			deps.exit(restartExitCode)
		}()
	}
}
