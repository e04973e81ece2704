// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the bot edge service.
//
// # Authentication Flow
//
// Inter-service calls authenticate with a shared secret header:
//
//	Request
//	   │
//	   ▼
//	SecretGuard.Middleware
//	   │
//	   ├─► enforcement off or exempt path ──► Handler
//	   │
//	   ├─► header absent  ──► 401 "Missing service authentication"
//	   │
//	   └─► constant-time compare against the sealed secret
//	           │
//	           ├─► mismatch ──► 401 "Invalid service authentication"
//	           │
//	           └─► Handler
//
// Enforcement is off when SERVICE_SECRET is unset, blank, or the
// literal placeholder "change-me", so development stacks work without
// secret plumbing. The liveness, health, and metrics endpoints are
// always open; everything else requires the header once a real secret
// is configured.
//
// # Secret Storage
//
// The configured secret lives in a memguard enclave: sealed in
// encrypted memory, decrypted into an mlocked buffer only for the
// duration of a comparison, and never logged.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Tidepool/services/bot/observability"
)

// SecretHeader is the header inter-service callers put the shared
// secret in.
const SecretHeader = "X-Service-Secret"

// placeholderSecret is the compose-file default that must never grant
// enforcement. Matching it (case-insensitively) disables the check.
const placeholderSecret = "change-me"

// memguardInitOnce ensures the interrupt handler installs only once
// per process.
var memguardInitOnce sync.Once

func initMemguard() {
	memguardInitOnce.Do(memguard.CatchInterrupt)
}

// exemptPaths are reachable without the secret even when enforcement
// is on: liveness and health probes, and the Prometheus scrape.
var exemptPaths = map[string]struct{}{
	"/":        {},
	"/health":  {},
	"/metrics": {},
}

// =============================================================================
// Secret Guard
// =============================================================================

// SecretGuard verifies the shared-secret header on incoming requests.
//
// # Description
//
// Construct one with NewSecretGuard at service startup and install
// Middleware() on the router. A guard built from an empty or
// placeholder secret passes every request through.
//
// # Thread Safety
//
// Safe for concurrent use; each comparison opens its own buffer.
type SecretGuard struct {
	enclave *memguard.Enclave
	metrics *observability.Metrics
	log     *slog.Logger
}

// NewSecretGuard seals the secret and returns a guard. metrics may be
// nil; rejections are then not counted.
func NewSecretGuard(secret string, metrics *observability.Metrics) *SecretGuard {
	initMemguard()

	g := &SecretGuard{metrics: metrics, log: slog.Default()}
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		g.log.Warn("SERVICE_SECRET not set, service authentication disabled")
		return g
	}
	if strings.EqualFold(trimmed, placeholderSecret) {
		g.log.Warn("SERVICE_SECRET is the placeholder value, service authentication disabled")
		return g
	}
	g.enclave = memguard.NewEnclave([]byte(trimmed))
	return g
}

// Enforced reports whether requests must carry the secret header.
func (g *SecretGuard) Enforced() bool {
	return g.enclave != nil
}

// Middleware returns the gin handler that performs the check.
func (g *SecretGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.enclave == nil {
			c.Next()
			return
		}
		if _, open := exemptPaths[c.Request.URL.Path]; open {
			c.Next()
			return
		}

		provided := strings.TrimSpace(c.GetHeader(SecretHeader))
		if provided == "" {
			g.reject(c, "missing", "Missing service authentication")
			return
		}

		buf, err := g.enclave.Open()
		if err != nil {
			// Cannot verify; fail closed rather than open.
			g.log.Error("opening service secret enclave failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "authentication unavailable",
			})
			return
		}
		defer buf.Destroy()

		if subtle.ConstantTimeCompare(buf.Bytes(), []byte(provided)) != 1 {
			g.reject(c, "invalid", "Invalid service authentication")
			return
		}
		c.Next()
	}
}

func (g *SecretGuard) reject(c *gin.Context, reason, message string) {
	if g.metrics != nil {
		g.metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	}
	g.log.Warn("rejected unauthenticated request",
		"path", c.Request.URL.Path,
		"reason", reason)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
