// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/Tidepool/services/bot/handlers"
	"github.com/AleutianAI/Tidepool/services/bot/middleware"
)

// SetupRoutes registers the full edge surface. The secret guard runs
// before every route; it passes the liveness, health, and metrics
// paths through unauthenticated.
func SetupRoutes(router *gin.Engine, guard *middleware.SecretGuard, deps handlers.Deps) {
	if guard != nil {
		router.Use(guard.Middleware())
	}

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.HealthCheck(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Chat surface
	router.POST("/chat", handlers.HandleChat(deps))
	router.POST("/api/bots/:resource_id/chat", handlers.HandleBotChat(deps))
	router.GET("/chat/ws", handlers.HandleChatWebSocket(deps))

	// Lead and contact exports
	router.GET("/contact-info", handlers.HandleContactInfo(deps))
	router.GET("/leads", handlers.HandleLeads(deps))
	router.GET("/leads/count", handlers.HandleLeadsCount(deps))

	// Freshness and lifecycle
	router.POST("/refresh-cache", handlers.HandleRefreshCache(deps))
	router.POST("/reload_vectors", handlers.HandleReloadVectors(deps))
	router.POST("/mark-data-updated", handlers.HandleMarkDataUpdated(deps))
	router.POST("/system/restart", handlers.HandleSystemRestart(deps))
}
