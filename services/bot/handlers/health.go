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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
)

// Root answers the liveness probe. Always open, never authenticated.
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Tidepool bot service is running",
		"status":  "Ready!",
	})
}

// HealthCheck reports readiness and the daily request tally. Engines
// are built lazily per tenant, so readiness means the registry exists,
// not that any tenant's backends answered.
func HealthCheck(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ready := deps.Registry != nil
		status, message := "healthy", "RAG ready"
		if !ready {
			status, message = "unhealthy", "Failed"
		}
		c.JSON(http.StatusOK, datatypes.HealthResponse{
			Status:            status,
			ChatbotReady:      ready,
			Message:           message,
			DailyRequestsUsed: deps.requestsUsed(),
		})
	}
}
