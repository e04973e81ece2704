// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Tenant Query Parameters
// =============================================================================

// TenantQuery carries the tenant context the admin and lead endpoints
// accept as query parameters. Fields the client omits may be filled
// from the tenant defaults file before validation.
type TenantQuery struct {
	ResourceID      string `form:"resource_id"`
	VectorStorePath string `form:"vector_store_path"`
	DatabaseURI     string `form:"database_uri"`
	CollectionName  string `form:"collection_name"`
}

// =============================================================================
// Cache Administration Responses
// =============================================================================

// RefreshCacheResponse reports a destroy-then-recreate cycle.
type RefreshCacheResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	ResourceID    string `json:"resource_id"`
	DocumentCount int64  `json:"document_count"`
	Destroyed     bool   `json:"destroyed"`
}

// MarkDataUpdatedResponse acknowledges a dirty-flag set. The reload
// itself happens lazily on the next engine fetch.
type MarkDataUpdatedResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ResourceID string `json:"resource_id"`
}

// ReloadVectorsResponse reports an in-place vector reload. The process
// exits shortly after this body is written; ActionTaken tells the
// caller a restart is queued behind the response.
type ReloadVectorsResponse struct {
	Success     bool   `json:"success"`
	ActionTaken string `json:"action_taken"`
	Message     string `json:"message"`
	ResourceID  string `json:"resource_id"`
}

// RestartResponse acknowledges POST /system/restart before the process
// exits with the restart code.
type RestartResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	PID     int    `json:"pid"`
}

// =============================================================================
// Lead Export Responses
// =============================================================================

// LeadsResponse is the GET /leads body. Leads marshal with the
// recordstore field names.
type LeadsResponse struct {
	Leads any   `json:"leads"`
	Count int64 `json:"count"`
}

// LeadsCountResponse is the GET /leads/count body.
type LeadsCountResponse struct {
	Count int64 `json:"count"`
}
