// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bot

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Config Tests
// =============================================================================

func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	cfg := Config{}

	result := applyConfigDefaults(cfg)

	assert.Equal(t, 8000, result.Port, "default port should be 8000")
	assert.Equal(t, "tidepool-otel-collector:4317", result.OTelEndpoint,
		"default OTel endpoint should be tidepool-otel-collector:4317")
	assert.Equal(t, gin.ReleaseMode, result.GinMode, "default gin mode should be release")
	assert.True(t, result.EnableMetrics, "metrics should be enabled by default")
}

func TestApplyConfigDefaults_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		input    Config
		expected Config
	}{
		{
			name:  "empty config gets all defaults",
			input: Config{},
			expected: Config{
				Port:          8000,
				OTelEndpoint:  "tidepool-otel-collector:4317",
				GinMode:       gin.ReleaseMode,
				EnableMetrics: true,
			},
		},
		{
			name:  "custom port preserved",
			input: Config{Port: 9090},
			expected: Config{
				Port:          9090,
				OTelEndpoint:  "tidepool-otel-collector:4317",
				GinMode:       gin.ReleaseMode,
				EnableMetrics: true,
			},
		},
		{
			name:  "custom collector endpoint preserved",
			input: Config{OTelEndpoint: "custom-collector:4317"},
			expected: Config{
				Port:          8000,
				OTelEndpoint:  "custom-collector:4317",
				GinMode:       gin.ReleaseMode,
				EnableMetrics: true,
			},
		},
		{
			name:  "tenants file preserved (no default)",
			input: Config{TenantsFile: "/etc/tidepool/tenants.yaml"},
			expected: Config{
				Port:          8000,
				TenantsFile:   "/etc/tidepool/tenants.yaml",
				OTelEndpoint:  "tidepool-otel-collector:4317",
				GinMode:       gin.ReleaseMode,
				EnableMetrics: true,
			},
		},
		{
			name:  "metrics cannot be disabled",
			input: Config{EnableMetrics: false},
			expected: Config{
				Port:          8000,
				OTelEndpoint:  "tidepool-otel-collector:4317",
				GinMode:       gin.ReleaseMode,
				EnableMetrics: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := applyConfigDefaults(tt.input)

			assert.Equal(t, tt.expected.Port, result.Port)
			assert.Equal(t, tt.expected.TenantsFile, result.TenantsFile)
			assert.Equal(t, tt.expected.OTelEndpoint, result.OTelEndpoint)
			assert.Equal(t, tt.expected.GinMode, result.GinMode)
			assert.Equal(t, tt.expected.EnableMetrics, result.EnableMetrics)
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

// New never dials the collector or any tenant backend; everything it
// wires is lazy, so construction is testable offline.
func TestNew_BuildsRoutedService(t *testing.T) {
	svc, err := New(Config{GinMode: gin.TestMode})
	require.NoError(t, err)
	require.NotNil(t, svc)

	router := svc.Router()
	require.NotNil(t, router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message": "Tidepool bot service is running", "status": "Ready!"}`, w.Body.String())

	// The registry exists, so health reports ready.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chatbot_ready":true`)
}

func TestNew_SecretGuardWired(t *testing.T) {
	svc, err := New(Config{GinMode: gin.TestMode, ServiceSecret: "edge-secret"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/chat", nil)
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/health", nil)
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "health stays open under auth")
}

func TestNew_RejectsBrokenTenantsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants: [broken"), 0o644))

	_, err := New(Config{GinMode: gin.TestMode, TenantsFile: path})
	assert.Error(t, err, "a configured defaults file that fails to parse is a startup error")
}

func TestNew_MissingTenantsFileIsError(t *testing.T) {
	_, err := New(Config{GinMode: gin.TestMode, TenantsFile: "/nonexistent/tenants.yaml"})
	assert.Error(t, err)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
