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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/rag"
)

var upgrader = websocket.Upgrader{
	// The edge sits behind the site's own origin; cross-origin widget
	// embeds are expected, so the check stays open.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsAnswer is the terminal frame of one streamed exchange. Token
// frames carry raw model output; this one carries the post-processed
// answer the client should display as final.
type wsAnswer struct {
	Type      string         `json:"type"`
	Answer    string         `json:"answer"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func sendJSON(ws *websocket.Conn, v any) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("websocket write failed", "error", err)
	}
	return err
}

func sendErrorFrame(ws *websocket.Conn, message string) error {
	return sendJSON(ws, llm.StreamEvent{Type: llm.StreamEventError, Error: message})
}

// HandleChatWebSocket answers GET /chat/ws.
//
// # Description
//
// Each text frame from the client is a QuestionRequest; each exchange
// streams back zero or more token frames (raw model fragments) and
// ends with one "answer" frame carrying the final post-processed text.
// Branches that never call the LLM (name gate, lead capture, contact
// fast paths) produce only the answer frame. A frame that cannot be
// served yields one error frame and the connection stays open.
//
// # Thread Safety
//
// One goroutine per connection; reads and writes stay on it, which is
// what gorilla/websocket requires.
func HandleChatWebSocket(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer func() { _ = ws.Close() }()

		if deps.Metrics != nil {
			deps.Metrics.ActiveWebsockets.Inc()
			defer deps.Metrics.ActiveWebsockets.Dec()
		}
		slog.Info("websocket client connected", "remote", c.ClientIP())

		for {
			var req datatypes.QuestionRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("websocket client disconnected", "error", err.Error())
				return
			}

			ctx := c.Request.Context()
			started := time.Now()

			if strings.TrimSpace(req.Query) == "" {
				deps.countChat("chat_ws", "rejected")
				if sendErrorFrame(ws, "Query text is required") != nil {
					return
				}
				continue
			}
			if err := req.Validate(); err != nil {
				deps.countChat("chat_ws", "rejected")
				if sendErrorFrame(ws, err.Error()) != nil {
					return
				}
				continue
			}
			req.EnsureDefaults()

			tc := deps.Defaults.Fill(rag.TenantContext{
				ResourceID:      req.ResourceID,
				VectorStorePath: req.VectorStorePath,
				RecordStoreURI:  req.DatabaseURI,
			})
			if err := tc.Validate(); err != nil {
				deps.countChat("chat_ws", "rejected")
				if sendErrorFrame(ws, err.Error()) != nil {
					return
				}
				continue
			}

			if deps.Registry == nil {
				deps.countChat("chat_ws", "error")
				if sendErrorFrame(ws, rag.ErrRegistryUnavailable.Error()) != nil {
					return
				}
				continue
			}
			eng, err := deps.Registry.Get(ctx, tc, false)
			if err != nil {
				deps.countChat("chat_ws", "error")
				if sendErrorFrame(ws, err.Error()) != nil {
					return
				}
				continue
			}

			deps.countRequest()
			writeFailed := false
			answer := eng.ChatStream(ctx, req.Query, req.SessionID, func(event llm.StreamEvent) error {
				if err := ws.WriteJSON(event); err != nil {
					writeFailed = true
					return err
				}
				return nil
			})
			if writeFailed {
				deps.countChat("chat_ws", "error")
				return
			}

			metadata := map[string]any{
				"processing_time_ms": time.Since(started).Milliseconds(),
			}
			if req.ResourceID != "" {
				metadata["resource_id"] = req.ResourceID
			}
			if req.UserID != "" {
				metadata["user_id"] = req.UserID
			}
			deps.countChat("chat_ws", "ok")
			if sendJSON(ws, wsAnswer{
				Type:      "answer",
				Answer:    answer,
				SessionID: req.SessionID,
				Metadata:  metadata,
			}) != nil {
				return
			}
		}
	}
}
