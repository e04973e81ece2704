// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the bot service.
//
// This file contains request and response types for the chat endpoints.
// Cache-administration and lead-export types live in admin.go.
package datatypes

import (
	"strings"
	"time"

	"github.com/AleutianAI/Tidepool/pkg/validation"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxQueryBytes is the maximum size of a single chat query.
	// Oversized payloads are rejected before they reach retrieval.
	MaxQueryBytes = 32 * 1024 // 32KB

	// DefaultSessionID is the placeholder session identifier clients send
	// when they have no session yet. The handler replaces it with a
	// generated per-user session ID.
	DefaultSessionID = "default"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so oversized
// payloads cannot slip through on multibyte input.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// =============================================================================
// Chat Request Types
// =============================================================================

// QuestionRequest represents a chat request body.
//
// # Description
//
// QuestionRequest carries the user's question plus the tenant coordinates
// used to resolve which knowledge base answers it. This is used by the
// POST /chat and POST /api/bots/:resource_id/chat endpoints. For the
// per-bot route the resource ID in the URL path overrides the body field.
//
// # Fields
//
//   - Query: Required. The user's question. Limited to 32KB.
//   - SessionID: Optional. Existing session to continue. "default" or empty
//     means the server generates a fresh session ID.
//   - UserID: Optional. End-user identifier, folded into generated session IDs.
//   - ResourceID: Optional. Tenant identifier.
//   - DatabaseURI: Optional. Per-tenant record store override.
//   - VectorStorePath: Optional. Per-tenant vector store override.
//
// # Validation
//
//   - Query: required, max 32768 bytes
//
// # Assumptions
//
//   - Tenant coordinates not present in the body are resolved from the
//     tenant registry defaults.
type QuestionRequest struct {
	Query           string `json:"query" validate:"required,maxbytes"`
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	ResourceID      string `json:"resource_id"`
	DatabaseURI     string `json:"database_uri"`
	VectorStorePath string `json:"vector_store_path"`
}

// Validate validates the QuestionRequest fields.
func (r *QuestionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates the session ID when the client sent none.
//
// The generated ID is "{base}_{8 hex chars}" where base prefers the
// resource ID, then the user ID. This keeps concurrent visitors from
// colliding on the shared "default" bucket while still grouping sessions
// by tenant in logs and lead records.
func (r *QuestionRequest) EnsureDefaults() {
	incoming := strings.TrimSpace(r.SessionID)
	if incoming != "" && !strings.EqualFold(incoming, DefaultSessionID) {
		r.SessionID = incoming
		return
	}
	base := r.ResourceID
	if base == "" {
		base = r.UserID
	}
	r.SessionID = NewSessionID(base)
}

// NewSessionID builds a collision-resistant session identifier from a
// user-supplied base. Characters outside [a-zA-Z0-9_-] are stripped;
// a base that sanitizes to nothing becomes "session".
func NewSessionID(base string) string {
	sanitized := validation.SanitizeSessionBase(base)
	if sanitized == "" {
		sanitized = "session"
	}
	return sanitized + "_" + generateUUID()[:8]
}

// =============================================================================
// Chat Response Types
// =============================================================================

// Message is a single conversational turn sent to an LLM backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnswerResponse represents the response from a chat request.
//
// # Fields
//
//   - Answer: The generated (or canned) response text.
//   - SessionID: Echo of the resolved session so clients can continue it.
//   - Sources: Page URLs the answer was grounded on, best first.
//   - Metadata: Free-form diagnostics (timings, pass counts, intent).
type AnswerResponse struct {
	Answer    string         `json:"answer"`
	SessionID string         `json:"session_id"`
	Sources   []string       `json:"sources,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewAnswerResponse creates an AnswerResponse with a processing-time entry
// already present in the metadata map.
func NewAnswerResponse(sessionID, answer string, started time.Time) *AnswerResponse {
	return &AnswerResponse{
		Answer:    answer,
		SessionID: sessionID,
		Metadata: map[string]any{
			"processing_time_ms": time.Since(started).Milliseconds(),
		},
	}
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status            string `json:"status"`
	ChatbotReady      bool   `json:"chatbot_ready"`
	Message           string `json:"message"`
	DailyRequestsUsed int64  `json:"daily_requests_used"`
}

// ContactInfoResponse is the GET /contact-info body.
type ContactInfoResponse struct {
	Emails            []string `json:"emails"`
	Phones            []string `json:"phones"`
	Addresses         []string `json:"addresses"`
	FormattedResponse string   `json:"formatted_response"`
}

func generateUUID() string {
	return uuid.New().String()
}
