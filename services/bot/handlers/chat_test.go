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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
	"github.com/AleutianAI/Tidepool/services/bot/tenants"
	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

func TestHandleChatConversationFlow(t *testing.T) {
	fx := newFixture(t, []vectorstore.Document{
		{ID: "d1", Text: "Acme ships orders every Friday."},
	})
	const session = "s-flow"

	w := doRequest(fx.router, http.MethodPost, "/chat", fx.chatBody(t, "When do orders ship?", session))
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.AnswerResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "Before we continue, may I have your name please?", resp.Answer)
	assert.Equal(t, session, resp.SessionID)
	assert.Equal(t, "acme", resp.Metadata["resource_id"])
	assert.Contains(t, resp.Metadata, "processing_time_ms")

	w = doRequest(fx.router, http.MethodPost, "/chat", fx.chatBody(t, "Dana", session))
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.Equal(t, "Hey there Dana! What would you like to know about?", resp.Answer)

	w = doRequest(fx.router, http.MethodPost, "/chat", fx.chatBody(t, "When do orders ship?", session))
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.Equal(t, "The answer.", resp.Answer)
	assert.Equal(t, session, resp.SessionID)
}

func TestHandleChatGeneratesSessionID(t *testing.T) {
	fx := newFixture(t, nil)

	tests := []struct {
		name      string
		sessionID string
	}{
		{"empty session", ""},
		{"default placeholder", "default"},
		{"default any case", "DEFAULT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(fx.router, http.MethodPost, "/chat", fx.chatBody(t, "hello", tt.sessionID))
			require.Equal(t, http.StatusOK, w.Code)

			var resp datatypes.AnswerResponse
			decodeBody(t, w, &resp)
			assert.True(t, strings.HasPrefix(resp.SessionID, "acme_"), "got %q", resp.SessionID)
			assert.Len(t, resp.SessionID, len("acme_")+8)
		})
	}
}

func TestHandleChatRejections(t *testing.T) {
	fx := newFixture(t, nil)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", `{not json`, "invalid request body"},
		{"missing query", `{"session_id": "s"}`, "Query text is required"},
		{"whitespace query", `{"query": "   "}`, "Query text is required"},
		{
			"no tenant coordinates",
			`{"query": "hello"}`,
			"vector_store_path is required for tenant isolation and cannot be empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(fx.router, http.MethodPost, "/chat", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error": %q}`, tt.wantErr), w.Body.String())
		})
	}

	t.Run("oversized query", func(t *testing.T) {
		query := strings.Repeat("a", datatypes.MaxQueryBytes+1)
		w := doRequest(fx.router, http.MethodPost, "/chat", fx.chatBody(t, query, "s"))
		require.Equal(t, http.StatusBadRequest, w.Code)

		var resp map[string]string
		decodeBody(t, w, &resp)
		assert.NotEmpty(t, resp["error"])
	})
}

func TestHandleChatRegistryUnavailable(t *testing.T) {
	router := newRouter(Deps{})
	body := `{"query": "hello", "resource_id": "acme", "database_uri": "mongodb://localhost:27017/x", "vector_store_path": "/tmp/vs"}`

	w := doRequest(router, http.MethodPost, "/chat", body)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error": "tenant registry not initialized"}`, w.Body.String())
}

func TestHandleBotChatFillsResourceFromPath(t *testing.T) {
	fx := newFixture(t, nil)
	body, err := json.Marshal(datatypes.QuestionRequest{
		Query:           "hello",
		DatabaseURI:     fx.tenant.RecordStoreURI,
		VectorStorePath: fx.tenant.VectorStorePath,
	})
	require.NoError(t, err)

	w := doRequest(fx.router, http.MethodPost, "/api/bots/acme/chat", string(body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.AnswerResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "Before we continue, may I have your name please?", resp.Answer)
	assert.Equal(t, "acme", resp.Metadata["resource_id"])
	assert.True(t, strings.HasPrefix(resp.SessionID, "acme_"), "got %q", resp.SessionID)
}

func TestHandleBotChatBodyResourceWins(t *testing.T) {
	fx := newFixture(t, nil)

	// The body names acme; the path segment is only a fallback.
	w := doRequest(fx.router, http.MethodPost, "/api/bots/other/chat", fx.chatBody(t, "hi", "s-path"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.AnswerResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "acme", resp.Metadata["resource_id"])
}

func TestHandleChatUsesTenantDefaults(t *testing.T) {
	fx := newFixture(t, nil)

	path := filepath.Join(t.TempDir(), "tenants.yaml")
	content := fmt.Sprintf(
		"tenants:\n  acme:\n    vector_store_path: %s\n    record_store_uri: %s\n",
		fx.tenant.VectorStorePath, fx.tenant.RecordStoreURI,
	)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	defaults, err := tenants.Open(path, nil)
	require.NoError(t, err)

	deps := fx.deps
	deps.Defaults = defaults
	router := newRouter(deps)

	// The body carries only the resource id; the defaults file supplies
	// the store coordinates.
	w := doRequest(router, http.MethodPost, "/chat", `{"query": "hello", "resource_id": "acme", "session_id": "s-defaults"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.AnswerResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "Before we continue, may I have your name please?", resp.Answer)
}
