// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag implements the per-tenant retrieval engine: multi-pass
// vector retrieval, hybrid reranking, answer synthesis, the
// conversational lead-capture state machine, and the process-wide
// registry that owns engine lifecycles.
//
// Every engine is scoped to exactly one tenant. Tenants are identified
// by a TenantContext and never share vector handles, record-store
// connections, or session state.
package rag

import (
	"fmt"
	"path/filepath"
	"strings"
)

// =============================================================================
// Tenant Context
// =============================================================================

// TenantContext identifies one tenant's isolated storage. All three
// fields are required; an engine must never be constructed from a
// partial context.
type TenantContext struct {
	// ResourceID is the tenant identifier. It scopes the URL-tracking
	// collection name and appears in spans and logs.
	ResourceID string `json:"resource_id"`

	// VectorStorePath is the tenant's vector store directory.
	VectorStorePath string `json:"vector_store_path"`

	// RecordStoreURI is the tenant's MongoDB connection string.
	RecordStoreURI string `json:"record_store_uri"`

	// Collection overrides the vector collection name. Empty means the
	// default ("scraped_content").
	Collection string `json:"collection,omitempty"`
}

// Validate checks that the context carries everything engine
// construction needs. Failures are *TenantContextError values so the
// edge can map them to HTTP 400.
func (tc TenantContext) Validate() error {
	if strings.TrimSpace(tc.VectorStorePath) == "" {
		return &TenantContextError{Field: "vector_store_path", Reason: "for tenant isolation"}
	}
	if strings.TrimSpace(tc.RecordStoreURI) == "" {
		return &TenantContextError{Field: "database_uri", Reason: "for tenant isolation"}
	}
	if strings.TrimSpace(tc.ResourceID) == "" {
		return &TenantContextError{Field: "resource_id", Reason: "to identify the tenant"}
	}
	return nil
}

// Key returns the registry cache key. Two contexts that resolve to the
// same vector path and record-store URI share one engine, regardless of
// how the caller spelled the resource id.
func (tc TenantContext) Key() string {
	path := tc.VectorStorePath
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path + "::" + tc.RecordStoreURI
}

// =============================================================================
// Error Types
// =============================================================================

// TenantContextError reports a missing or empty tenant-context field.
//
// # Description
//
// Returned by TenantContext.Validate and by Registry.Get when a caller
// supplies an incomplete context. The edge surface converts it to an
// HTTP 400 so misrouted requests can never fall through to a default
// tenant.
type TenantContextError struct {
	Field  string
	Reason string
}

// Error implements the error interface for TenantContextError.
func (e *TenantContextError) Error() string {
	return fmt.Sprintf("%s is required %s and cannot be empty", e.Field, e.Reason)
}

// IsTenantContextError checks if an error is a *TenantContextError.
func IsTenantContextError(err error) bool {
	_, ok := err.(*TenantContextError)
	return ok
}

// EngineError wraps failures inside the retrieval engine.
//
// # Description
//
// EngineError carries the HTTP status code the edge should respond
// with and whether the failure is worth retrying. Chat never surfaces
// these to end users; they exist for the admin endpoints (refresh,
// reload, contact-info) where the caller is another service.
//
// # Fields
//
//   - StatusCode: Suggested HTTP status (e.g. 500, 503).
//   - Message: Human-readable description.
//   - Retryable: Whether a retry with backoff may succeed.
type EngineError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for EngineError.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error (status %d): %s", e.StatusCode, e.Message)
}

// IsEngineError checks if an error is an *EngineError.
func IsEngineError(err error) bool {
	_, ok := err.(*EngineError)
	return ok
}

// IsRetryable reports whether the error is an *EngineError marked
// retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*EngineError); ok {
		return e.Retryable
	}
	return false
}
