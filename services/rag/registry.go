// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

var registryTracer = otel.Tracer("tidepool.rag.registry")

// ErrRegistryUnavailable reports that the edge received a request
// before a registry was wired in. Handlers map it to HTTP 503.
var ErrRegistryUnavailable = errors.New("tenant registry not initialized")

// destroySettleDelay sits between destroying an engine and recreating
// it on the force-reload path, so closed file handles are really gone.
const destroySettleDelay = 200 * time.Millisecond

// =============================================================================
// Registry
// =============================================================================

// RegistryOptions configures the process-wide engine registry.
type RegistryOptions struct {
	// Collection names the vector collection every engine opens.
	// Default: vectorstore.DefaultCollection
	Collection string

	// Logger for registry lifecycle events. Default: slog.Default()
	Logger *slog.Logger

	// EngineDeps supplies backend overrides for a tenant's engine. Nil,
	// or a nil return value, means every backend is built from the
	// environment. Tests inject fakes here.
	EngineDeps func(TenantContext) *EngineDeps
}

// Registry owns every tenant engine in the process.
//
// # Description
//
// Engines are cached by tenant key (absolute vector store path plus
// record store URI). The registry is the only code that creates or
// destroys engines; handlers borrow instances and must never close
// them. A per-key dirty flag lets the crawler signal fresh data
// without holding an engine open: the next Get reloads in place and
// clears the flag.
//
// # Thread Safety
//
// All operations serialize on one mutex, so a Get racing a destroy
// blocks until the destroy finishes.
type Registry struct {
	collection string
	log        *slog.Logger
	deps       func(TenantContext) *EngineDeps
	clock      func() time.Time

	mu          sync.Mutex
	instances   map[string]*registryEntry
	needsReload map[string]bool
}

type registryEntry struct {
	engine     *Engine
	lastReload time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Collection == "" {
		opts.Collection = vectorstore.DefaultCollection
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "tenant_registry")
	}
	return &Registry{
		collection:  opts.Collection,
		log:         opts.Logger,
		deps:        opts.EngineDeps,
		clock:       time.Now,
		instances:   make(map[string]*registryEntry),
		needsReload: make(map[string]bool),
	}
}

// resolveTenant validates the context, absolutizes the vector store
// path, and creates the directory so first-time tenants work.
func (r *Registry) resolveTenant(tc TenantContext) (TenantContext, error) {
	if err := tc.Validate(); err != nil {
		return TenantContext{}, err
	}
	if tc.Collection == "" {
		tc.Collection = r.collection
	}
	abs, err := filepath.Abs(tc.VectorStorePath)
	if err != nil {
		return TenantContext{}, fmt.Errorf("resolve vector store path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return TenantContext{}, fmt.Errorf("create vector store path: %w", err)
	}
	tc.VectorStorePath = abs
	return tc, nil
}

// Get returns the tenant's engine, creating it on first use.
//
// # Description
//
// With forceReload the cached engine is destroyed under the lock, the
// registry sleeps briefly so file handles settle, and a fresh engine
// is built. Without it, a set dirty flag triggers an in-place vector
// reload before the cached engine is returned; a failed auto-reload
// logs and keeps the flag so the next Get retries.
func (r *Registry) Get(ctx context.Context, tc TenantContext, forceReload bool) (*Engine, error) {
	ctx, span := registryTracer.Start(ctx, "Get")
	defer span.End()

	tc, err := r.resolveTenant(tc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	key := tc.Key()
	span.SetAttributes(
		attribute.String("resource_id", tc.ResourceID),
		attribute.Bool("force_reload", forceReload),
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	if forceReload {
		if entry, ok := r.instances[key]; ok {
			r.log.Info("force destroying tenant engine", "resource_id", tc.ResourceID)
			if err := entry.engine.Close(ctx); err != nil {
				r.log.Warn("engine close during force reload", "error", err)
			}
			delete(r.instances, key)
			select {
			case <-time.After(destroySettleDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if entry, ok := r.instances[key]; ok {
		if r.needsReload[key] {
			r.log.Info("data update detected, auto-reloading vector store", "resource_id", tc.ResourceID)
			if err := entry.engine.ReloadVectorStore(ctx); err != nil {
				r.log.Warn("auto-reload failed", "resource_id", tc.ResourceID, "error", err)
			} else {
				entry.lastReload = r.clock()
				r.needsReload[key] = false
			}
		}
		return entry.engine, nil
	}

	r.log.Info("creating tenant engine", "resource_id", tc.ResourceID, "vector_store_path", tc.VectorStorePath)
	var deps *EngineDeps
	if r.deps != nil {
		deps = r.deps(tc)
	}
	engine, err := NewEngine(ctx, EngineConfig{Tenant: tc}, deps)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	// A fresh engine has already loaded the latest data, so any pending
	// dirty flag is satisfied by creation.
	r.instances[key] = &registryEntry{engine: engine, lastReload: r.clock()}
	r.needsReload[key] = false
	return engine, nil
}

// Invalidate destroys the tenant's cached engine if one exists and
// always sets the dirty flag, so the next Get starts from fresh data
// either way. Returns whether an instance was destroyed.
func (r *Registry) Invalidate(ctx context.Context, tc TenantContext) (bool, error) {
	ctx, span := registryTracer.Start(ctx, "Invalidate")
	defer span.End()

	tc, err := r.resolveTenant(tc)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	key := tc.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	existed := false
	if entry, ok := r.instances[key]; ok {
		existed = true
		r.log.Info("destroying cached tenant engine", "resource_id", tc.ResourceID)
		if err := entry.engine.Close(ctx); err != nil {
			r.log.Warn("engine close during invalidate", "error", err)
		}
		delete(r.instances, key)
	}
	r.needsReload[key] = true
	return existed, nil
}

// MarkDirty flags the tenant's data as updated without touching any
// live engine. The next Get reloads in place.
func (r *Registry) MarkDirty(tc TenantContext) error {
	tc, err := r.resolveTenant(tc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.needsReload[tc.Key()] = true
	return nil
}

// LastReload reports when the tenant's engine was created or last
// reloaded. The zero time means no engine is cached.
func (r *Registry) LastReload(tc TenantContext) time.Time {
	resolved, err := r.resolveTenant(tc)
	if err != nil {
		return time.Time{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.instances[resolved.Key()]; ok {
		return entry.lastReload
	}
	return time.Time{}
}

// Size returns the number of cached engines.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// CloseAll shuts down every cached engine and empties the registry.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.instances {
		if err := entry.engine.Close(ctx); err != nil {
			r.log.Warn("engine close during shutdown", "key", key, "error", err)
		}
	}
	r.instances = make(map[string]*registryEntry)
	r.needsReload = make(map[string]bool)
}
