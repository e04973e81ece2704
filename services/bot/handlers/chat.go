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
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
	"github.com/AleutianAI/Tidepool/services/rag"
)

// HandleChat answers POST /chat. The tenant context comes entirely
// from the request body plus the defaults file.
func HandleChat(deps Deps) gin.HandlerFunc {
	return chatHandler(deps, "chat", false)
}

// HandleBotChat answers POST /api/bots/:resource_id/chat. The path
// resource id fills the body field when the body left it empty.
func HandleBotChat(deps Deps) gin.HandlerFunc {
	return chatHandler(deps, "bot_chat", true)
}

func chatHandler(deps Deps, endpoint string, resourceFromPath bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()
		started := time.Now()

		var req datatypes.QuestionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			deps.countChat(endpoint, "rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if resourceFromPath && req.ResourceID == "" {
			req.ResourceID = c.Param("resource_id")
		}
		if strings.TrimSpace(req.Query) == "" {
			deps.countChat(endpoint, "rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Query text is required"})
			return
		}
		if err := req.Validate(); err != nil {
			deps.countChat(endpoint, "rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.EnsureDefaults()
		span.SetAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("tenant.resource_id", req.ResourceID),
		)

		tc := deps.Defaults.Fill(rag.TenantContext{
			ResourceID:      req.ResourceID,
			VectorStorePath: req.VectorStorePath,
			RecordStoreURI:  req.DatabaseURI,
		})
		if err := tc.Validate(); err != nil {
			deps.countChat(endpoint, "rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		eng, ok := deps.getEngine(c, ctx, tc, false)
		if !ok {
			deps.countChat(endpoint, "error")
			return
		}

		deps.countRequest()
		answer := eng.Chat(ctx, req.Query, req.SessionID)

		resp := datatypes.NewAnswerResponse(req.SessionID, answer, started)
		if req.ResourceID != "" {
			resp.Metadata["resource_id"] = req.ResourceID
		}
		if req.UserID != "" {
			resp.Metadata["user_id"] = req.UserID
		}
		deps.countChat(endpoint, "ok")
		c.JSON(http.StatusOK, resp)
	}
}
