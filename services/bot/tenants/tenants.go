// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tenants loads the optional per-tenant defaults file.
//
// # Description
//
// The edge accepts tenant context (vector store path, record store
// URI, collection name) on every request, but operators usually pin
// those per tenant. A YAML file maps resource ids to defaults the
// handlers use to fill whatever the request left blank:
//
//	tenants:
//	  acme:
//	    vector_store_path: /data/vector_stores/acme
//	    record_store_uri: mongodb://mongo:27017/acme
//	    collection_name: scraped_content
//
// The file is hot-reloaded: edits land on the next request without a
// restart. A reload that fails to parse or validate keeps the previous
// entries.
//
// # Thread Safety
//
// Store is safe for concurrent use; lookups take a read lock.
package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Tidepool/services/rag"
)

// Defaults is one tenant's entry in the defaults file. Every field is
// optional, but an entry with no fields at all is rejected as a typo.
type Defaults struct {
	VectorStorePath string `yaml:"vector_store_path"`
	RecordStoreURI  string `yaml:"record_store_uri"`
	CollectionName  string `yaml:"collection_name"`
}

type tenantsFile struct {
	Tenants map[string]Defaults `yaml:"tenants"`
}

// =============================================================================
// Store
// =============================================================================

// Store holds the current tenant defaults snapshot.
type Store struct {
	path     string
	log      *slog.Logger
	validate *validator.Validate

	mu      sync.RWMutex
	entries map[string]Defaults

	watcher *fsnotify.Watcher
}

// Open reads and validates the defaults file. A path that does not
// exist or does not parse is a startup error; operators who configure
// the file expect it to be honored.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		log:      logger.With("component", "tenant_defaults"),
		validate: newValidator(),
	}
	entries, err := parseFile(path, s.validate)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	s.log.Info("tenant defaults loaded", "path", path, "tenants", len(entries))
	return s, nil
}

// Lookup returns the defaults for a resource id.
func (s *Store) Lookup(resourceID string) (Defaults, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.entries[resourceID]
	return d, ok
}

// Len returns the number of configured tenants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Fill returns tc with empty fields populated from the defaults for
// its resource id. A nil store leaves tc untouched, so callers never
// branch on whether a defaults file was configured.
func (s *Store) Fill(tc rag.TenantContext) rag.TenantContext {
	if s == nil {
		return tc
	}
	d, ok := s.Lookup(tc.ResourceID)
	if !ok {
		return tc
	}
	if tc.VectorStorePath == "" {
		tc.VectorStorePath = d.VectorStorePath
	}
	if tc.RecordStoreURI == "" {
		tc.RecordStoreURI = d.RecordStoreURI
	}
	if tc.Collection == "" {
		tc.Collection = d.CollectionName
	}
	return tc
}

// =============================================================================
// Hot Reload
// =============================================================================

// Watch starts reloading the file when it changes. Editors and
// configmap mounts replace the file rather than writing in place, so
// the watch covers the parent directory and filters by name. Returns
// after installing the watcher; reloads happen on a background
// goroutine until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating tenant defaults watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	s.watcher = watcher
	go s.watchLoop(ctx)
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	defer func() { _ = s.watcher.Close() }()
	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn("tenant defaults reload failed, keeping previous entries", "error", err)
				continue
			}
			s.log.Info("tenant defaults reloaded", "tenants", s.Len())
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("tenant defaults watcher error", "error", err)
		}
	}
}

func (s *Store) reload() error {
	entries, err := parseFile(s.path, s.validate)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// =============================================================================
// Parsing
// =============================================================================

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		d := sl.Current().Interface().(Defaults)
		if d.VectorStorePath == "" && d.RecordStoreURI == "" && d.CollectionName == "" {
			sl.ReportError(d.VectorStorePath, "VectorStorePath", "vector_store_path", "any_field_set", "")
		}
	}, Defaults{})
	return v
}

func parseFile(path string, validate *validator.Validate) (map[string]Defaults, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenant defaults: %w", err)
	}
	var f tenantsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing tenant defaults: %w", err)
	}
	entries := make(map[string]Defaults, len(f.Tenants))
	for id, d := range f.Tenants {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("tenant defaults: blank resource id")
		}
		if err := validate.Struct(d); err != nil {
			return nil, fmt.Errorf("tenant defaults for %q: %w", id, err)
		}
		entries[id] = d
	}
	return entries, nil
}
