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
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// sessionTTL is how long session state and conversation scratch live
// without being touched. Matches the conversation-context expiry the
// lead flow was designed around.
const sessionTTL = 600 * time.Second

// sourcesLimit caps the stored per-session source snippets.
const sourcesLimit = 5

// snippetMaxLength is the truncation point for stored source snippets.
const snippetMaxLength = 240

// Scratch is the per-session conversation memory that is not part of
// the lead state machine: who the user said they are, what they asked
// last, and whether this session's lead is already captured.
type Scratch struct {
	Username                string `msgpack:"username,omitempty"`
	Phone                   string `msgpack:"phone,omitempty"`
	Email                   string `msgpack:"email,omitempty"`
	OriginalPricingQuestion string `msgpack:"original_pricing_question,omitempty"`
	LastQuestion            string `msgpack:"last_question,omitempty"`
	LastAnswer              string `msgpack:"last_answer,omitempty"`
	LeadCollected           bool   `msgpack:"lead_collected,omitempty"`
}

// ContextStore holds volatile per-session state: the state-machine
// position, the conversation scratch, and the last retrieval's source
// snippets. Entries expire after sessionTTL.
//
// # Description
//
// Backed by an in-memory badger instance so per-key TTL and crash-free
// concurrent access come for free. Values are msgpack-encoded. One
// store per engine; sessions from different tenants never share one.
//
// # Thread Safety
//
// Safe for concurrent use. Badger transactions provide isolation.
type ContextStore struct {
	db *badger.DB
}

// NewContextStore opens an in-memory session store.
func NewContextStore() (*ContextStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session context store: %w", err)
	}
	return &ContextStore{db: db}, nil
}

// State returns the session's state-machine position. The second
// return is false when the session has no state yet or it expired.
func (s *ContextStore) State(sessionID string) (SessionState, bool, error) {
	var state SessionState
	ok, err := s.get(stateKey(sessionID), &state)
	return state, ok, err
}

// SetState stores the session's state-machine position, refreshing the
// TTL.
func (s *ContextStore) SetState(sessionID string, state SessionState) error {
	return s.set(stateKey(sessionID), state)
}

// Scratch returns the session's conversation scratch. The second
// return is false when none exists.
func (s *ContextStore) Scratch(sessionID string) (Scratch, bool, error) {
	var sc Scratch
	ok, err := s.get(scratchKey(sessionID), &sc)
	return sc, ok, err
}

// SetScratch stores the session's conversation scratch, refreshing the
// TTL.
func (s *ContextStore) SetScratch(sessionID string, sc Scratch) error {
	return s.set(scratchKey(sessionID), sc)
}

// SetSources records the latest retrieval's top snippets for the
// session. Each snippet is truncated to snippetMaxLength characters
// with an ellipsis, and at most sourcesLimit are kept.
func (s *ContextStore) SetSources(sessionID string, documents []string) error {
	snippets := make([]string, 0, sourcesLimit)
	for _, doc := range documents {
		if len(snippets) >= sourcesLimit {
			break
		}
		if doc == "" {
			continue
		}
		snippet := trimSnippet(doc)
		snippets = append(snippets, snippet)
	}
	return s.set(sourcesKey(sessionID), snippets)
}

// ClearSources drops the session's stored snippets. Called at the top
// of every chat turn so stale sources never outlive their answer.
func (s *ContextStore) ClearSources(sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(sourcesKey(sessionID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Sources returns up to limit of the session's stored snippets.
func (s *ContextStore) Sources(sessionID string, limit int) ([]string, error) {
	var snippets []string
	ok, err := s.get(sourcesKey(sessionID), &snippets)
	if err != nil || !ok {
		return nil, err
	}
	if limit > 0 && len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

// Close releases the badger instance.
func (s *ContextStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Internal Helpers
// =============================================================================

func stateKey(sessionID string) string   { return "state:" + sessionID }
func scratchKey(sessionID string) string { return "scratch:" + sessionID }
func sourcesKey(sessionID string) string { return "sources:" + sessionID }

func trimSnippet(doc string) string {
	snippet := strings.TrimSpace(doc)
	if len(snippet) > snippetMaxLength {
		snippet = strings.TrimRightFunc(snippet[:snippetMaxLength], unicode.IsSpace) + "..."
	}
	return snippet
}

func (s *ContextStore) set(key string, value interface{}) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode session value: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data).WithTTL(sessionTTL)
		return txn.SetEntry(entry)
	})
}

func (s *ContextStore) get(key string, out interface{}) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read session value: %w", err)
	}
	return true, nil
}
