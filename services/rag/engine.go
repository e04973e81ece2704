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
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Tidepool/pkg/contact"
	"github.com/AleutianAI/Tidepool/pkg/validation"
	"github.com/AleutianAI/Tidepool/services/embeddings"
	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/recordstore"
	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

var engineTracer = otel.Tracer("tidepool.rag.engine")

const (
	// DefaultMaxPassages is the rerank cut when a caller asks for the
	// default depth.
	DefaultMaxPassages = 10

	// rerankDepth is how many reranked passages feed the synthesizer.
	rerankDepth = 40

	// reloadSettleDelay gives the previous store handle time to release
	// its file locks before the reopen.
	reloadSettleDelay = 200 * time.Millisecond

	// contactTermLimit and contactDocsCap bound the focused contact
	// search: results per probe term and total unique documents.
	defaultRecentSources = 3
	contactTermLimit     = 40
	contactDocsCap       = 25
)

// =============================================================================
// Configuration
// =============================================================================

// EngineConfig configures one tenant's retrieval engine.
type EngineConfig struct {
	// Tenant identifies the tenant's isolated storage. Required.
	Tenant TenantContext

	// MaxPassages is the default rerank depth. Default: 10
	MaxPassages int
}

// LeadRecorder is the slice of the lead store the engine drives. The
// production implementation is *recordstore.LeadStore.
type LeadRecorder interface {
	SavePartial(ctx context.Context, sessionID, name string) error
	SavePhone(ctx context.Context, sessionID, phone, originalQuestion string) error
	SaveEmail(ctx context.Context, sessionID, email, originalQuestion string) error
	Complete(ctx context.Context, lead recordstore.Lead) error
	All(ctx context.Context) ([]recordstore.Lead, error)
	Count(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// EngineDeps injects the engine's backends. Any nil field is built
// from the environment and the tenant context; tests pass fakes.
type EngineDeps struct {
	Store    vectorstore.Store
	Embedder embeddings.Embedder
	LLM      llm.LLMClient
	Encoder  CrossEncoder
	Leads    LeadRecorder
	Sessions *ContextStore
	Logger   *slog.Logger

	// ReopenStore reopens the vector store during a reload. Defaults
	// to opening the tenant's path again.
	ReopenStore func() (vectorstore.Store, error)

	// Now supplies the clock for the year-window query expansion.
	Now func() time.Time
}

// =============================================================================
// Engine
// =============================================================================

// Engine answers questions for exactly one tenant.
//
// # Description
//
// Engine owns the tenant's vector store handle, lead store connection,
// and session context store, and runs the full chat pipeline:
// conversational gates, multi-pass retrieval, hybrid reranking, and
// LLM synthesis. Instances are created and cached by the Registry;
// handlers never construct one directly.
//
// # Thread Safety
//
// Safe for concurrent use. The vector store handle is swapped under a
// lock during reloads; all readers snapshot it first.
type Engine struct {
	tenant      TenantContext
	embedder    embeddings.Embedder
	llm         llm.LLMClient
	encoder     CrossEncoder
	leads       LeadRecorder
	sessions    *ContextStore
	log         *slog.Logger
	maxPassages int
	reopenStore func() (vectorstore.Store, error)
	now         func() time.Time

	mu    sync.RWMutex
	store vectorstore.Store
}

// NewEngine builds a tenant engine, constructing any backend the
// caller did not inject.
//
// # Inputs
//
//   - ctx: Bounds backend dial and ping time.
//   - cfg: Tenant context plus engine knobs.
//   - deps: Optional backend overrides; nil means all from env.
//
// # Outputs
//
//   - *Engine: Ready to serve; callers own Close.
//   - error: Invalid tenant context or a backend that failed to open.
func NewEngine(ctx context.Context, cfg EngineConfig, deps *EngineDeps) (*Engine, error) {
	if err := cfg.Tenant.Validate(); err != nil {
		return nil, err
	}
	if deps == nil {
		deps = &EngineDeps{}
	}
	if cfg.MaxPassages <= 0 {
		cfg.MaxPassages = DefaultMaxPassages
	}

	e := &Engine{
		tenant:      cfg.Tenant,
		maxPassages: cfg.MaxPassages,
		log:         deps.Logger,
		now:         deps.Now,
	}
	if e.log == nil {
		e.log = slog.Default().With("component", "rag_engine", "resource_id", cfg.Tenant.ResourceID)
	}
	if e.now == nil {
		e.now = time.Now
	}

	storeCfg := vectorstore.Config{
		Path:       cfg.Tenant.VectorStorePath,
		Collection: cfg.Tenant.Collection,
	}
	e.store = deps.Store
	if e.store == nil {
		store, err := vectorstore.Open(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		e.store = store
	}
	e.reopenStore = deps.ReopenStore
	if e.reopenStore == nil {
		e.reopenStore = func() (vectorstore.Store, error) { return vectorstore.Open(storeCfg) }
	}

	cleanup := func() {
		_ = e.store.Close()
		if e.leads != nil {
			_ = e.leads.Close(context.Background())
		}
		if e.sessions != nil {
			_ = e.sessions.Close()
		}
	}

	e.embedder = deps.Embedder
	if e.embedder == nil {
		embedder, err := embeddings.NewFromEnv()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		e.embedder = embedder
	}
	e.llm = deps.LLM
	if e.llm == nil {
		client, err := llm.NewFromEnv()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("init llm client: %w", err)
		}
		e.llm = client
	}
	e.encoder = deps.Encoder
	if e.encoder == nil {
		e.encoder = NewEmbeddingCrossEncoder(e.embedder)
	}
	e.leads = deps.Leads
	if e.leads == nil {
		leads, err := recordstore.NewLeadStore(ctx, recordstore.Config{URI: cfg.Tenant.RecordStoreURI})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open lead store: %w", err)
		}
		e.leads = leads
	}
	e.sessions = deps.Sessions
	if e.sessions == nil {
		sessions, err := NewContextStore()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open session store: %w", err)
		}
		e.sessions = sessions
	}

	if count, err := e.store.Count(ctx); err == nil {
		e.log.Info("tenant engine ready", "documents", count, "vector_store_path", cfg.Tenant.VectorStorePath)
	} else {
		e.log.Warn("tenant engine ready, document count unavailable", "error", err)
	}
	return e, nil
}

// Tenant returns the engine's tenant context.
func (e *Engine) Tenant() TenantContext {
	return e.tenant
}

func (e *Engine) storeHandle() vectorstore.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}

// =============================================================================
// Chat
// =============================================================================

// Chat answers one question for one session. It always returns a
// user-facing string; internal failures map to an apology that carries
// the error text.
func (e *Engine) Chat(ctx context.Context, question, sessionID string) string {
	ctx, span := engineTracer.Start(ctx, "Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", e.tenant.ResourceID),
		attribute.String("session_id", sessionID),
	)

	answer, err := e.chat(ctx, question, sessionID, nil)
	if err != nil {
		e.log.Error("chat pipeline failed", "session_id", sessionID, "error", err)
		span.RecordError(err)
		return processingErrorReply(err)
	}
	return answer
}

// chat runs the dispatch chain; first match wins. A non-nil emit
// forwards synthesis tokens as they arrive; branches that never call
// the LLM ignore it.
func (e *Engine) chat(ctx context.Context, question, sessionID string, emit llm.StreamCallback) (string, error) {
	// Stale sources must never outlive the answer they belong to.
	if err := e.sessions.ClearSources(sessionID); err != nil {
		return "", err
	}

	if isLocationQuery(question) {
		if reply, ok := e.locationFastPath(ctx, question); ok {
			return reply, nil
		}
	}

	state, _, err := e.sessions.State(sessionID)
	if err != nil {
		return "", err
	}
	state = state.Normalized()
	scratch, _, err := e.sessions.Scratch(sessionID)
	if err != nil {
		return "", err
	}

	if state.Kind == StateWaitingForName {
		return e.collectName(ctx, sessionID, question, scratch)
	}

	if state.CollectingLead() {
		return e.advanceLeadStep(ctx, sessionID, question, state, scratch)
	}

	// Inline contact transitions only exist once the visitor is named;
	// a fresh session volunteering a phone number still gets the name
	// prompt first.
	if state.Kind == StateNamed {
		if reply, handled, err := e.captureInlineContact(ctx, sessionID, question, scratch); handled || err != nil {
			return reply, err
		}
	}

	if scratch.Username == "" && state.Kind == StateUnknown {
		if err := e.sessions.SetState(sessionID, SessionState{Kind: StateWaitingForName}); err != nil {
			return "", err
		}
		return namePromptReply, nil
	}

	if hasPricingIntent(question) {
		if scratch.OriginalPricingQuestion == "" {
			scratch.OriginalPricingQuestion = question
			if err := e.sessions.SetScratch(sessionID, scratch); err != nil {
				return "", err
			}
		}
		if !scratch.LeadCollected {
			armed := SessionState{
				Kind:             StateCollectingPhone,
				Name:             scratch.Username,
				OriginalQuestion: question,
			}
			if err := e.sessions.SetState(sessionID, armed); err != nil {
				return "", err
			}
			return phonePromptReply(scratch.Username), nil
		}
	}

	return e.answerQuestion(ctx, sessionID, question, scratch, emit)
}

// locationFastPath resolves "which page is this from" questions with a
// single URL-level rerank. Returns false to fall through to the normal
// flow.
func (e *Engine) locationFastPath(ctx context.Context, question string) (string, bool) {
	docs, err := e.queryByText(ctx, question, primaryQueryLimit)
	if err != nil {
		e.log.Warn("location fast-path query failed", "error", err)
		return "", false
	}
	candidate, ok := bestLocationCandidate(docs)
	if !ok {
		return "", false
	}
	e.log.Debug("location fast-path selected", "url", candidate.URL, "score", candidate.Score)
	return candidate.Format(), true
}

// collectName handles the message that answers the name prompt.
func (e *Engine) collectName(ctx context.Context, sessionID, input string, scratch Scratch) (string, error) {
	name, err := validation.ValidateName(strings.TrimSpace(input))
	if err != nil {
		return invalidNameReply(err.Error()), nil
	}

	scratch.Username = name
	if err := e.sessions.SetScratch(sessionID, scratch); err != nil {
		return "", err
	}
	if err := e.sessions.SetState(sessionID, SessionState{Kind: StateNamed, Name: name}); err != nil {
		return "", err
	}
	// The name-only lead lands immediately so a visitor who bounces
	// before the pricing funnel is still recorded.
	if err := e.leads.SavePartial(ctx, sessionID, name); err != nil {
		e.log.Error("partial lead save failed", "session_id", sessionID, "error", err)
	}
	return greetingReply(name), nil
}

// advanceLeadStep consumes one message of the step-by-step lead funnel.
// Invalid input keeps the current state.
func (e *Engine) advanceLeadStep(ctx context.Context, sessionID, input string, state SessionState, scratch Scratch) (string, error) {
	switch state.Kind {
	case StateCollectingPhone:
		phone, err := validation.ValidatePhone(strings.TrimSpace(input))
		if err != nil {
			return retryReply(err.Error()), nil
		}
		state.Phone = phone
		state.Kind = StateCollectingEmail
		if err := e.sessions.SetState(sessionID, state); err != nil {
			return "", err
		}
		return emailStepReply, nil

	case StateCollectingEmail:
		email, err := validation.ValidateEmail(strings.TrimSpace(input))
		if err != nil {
			return retryReply(err.Error()), nil
		}
		// lead_collected is set before persistence so a failing record
		// store can never trap the session in the funnel.
		scratch.LeadCollected = true
		scratch.Phone = state.Phone
		scratch.Email = email
		if err := e.sessions.SetScratch(sessionID, scratch); err != nil {
			return "", err
		}
		if err := e.sessions.SetState(sessionID, SessionState{Kind: StateComplete, Name: state.Name}); err != nil {
			return "", err
		}
		lead := recordstore.Lead{
			Name:             state.Name,
			Phone:            state.Phone,
			Email:            email,
			OriginalQuestion: state.OriginalQuestion,
			SessionID:        sessionID,
		}
		if err := e.leads.Complete(ctx, lead); err != nil {
			e.log.Error("lead persistence failed", "session_id", sessionID, "error", err)
			return leadFallbackReply, nil
		}
		return leadCompleteReply(state.Name), nil

	default:
		return "Please try again.", nil
	}
}

// captureInlineContact handles contact details volunteered outside the
// step funnel. Phone wins over email when a message carries both.
func (e *Engine) captureInlineContact(ctx context.Context, sessionID, question string, scratch Scratch) (string, bool, error) {
	info := contact.Extract(question)
	if !info.HasContact() {
		return "", false, nil
	}

	originalQuestion := scratch.OriginalPricingQuestion
	if originalQuestion == "" {
		originalQuestion = question
	}

	if len(info.Phones) > 0 && scratch.Phone == "" {
		phone := info.Phones[0]
		if _, err := validation.ValidatePhone(phone); err != nil {
			return retryReply(err.Error()), true, nil
		}
		if err := e.leads.SavePhone(ctx, sessionID, phone, originalQuestion); err != nil {
			e.log.Error("inline phone save failed", "session_id", sessionID, "error", err)
		}
		scratch.Phone = phone
		if err := e.sessions.SetScratch(sessionID, scratch); err != nil {
			return "", true, err
		}
		return inlinePhoneSavedReply, true, nil
	}

	if len(info.Emails) > 0 {
		email := info.Emails[0]
		if _, err := validation.ValidateEmail(email); err != nil {
			return retryReply(err.Error()), true, nil
		}
		if err := e.leads.SaveEmail(ctx, sessionID, email, originalQuestion); err != nil {
			e.log.Error("inline email save failed", "session_id", sessionID, "error", err)
		}
		scratch.LeadCollected = true
		scratch.Email = email
		if err := e.sessions.SetScratch(sessionID, scratch); err != nil {
			return "", true, err
		}
		if err := e.sessions.SetState(sessionID, SessionState{Kind: StateComplete, Name: scratch.Username}); err != nil {
			return "", true, err
		}
		return inlineEmailSavedReply, true, nil
	}

	return "", false, nil
}

// answerQuestion is the retrieval and synthesis tail of the dispatch.
func (e *Engine) answerQuestion(ctx context.Context, sessionID, question string, scratch Scratch, emit llm.StreamCallback) (string, error) {
	analysis, err := e.analyzeQuestion(ctx, question)
	if err != nil {
		return "", err
	}
	normalized := normalizeQuery(question)

	union := e.multiPassRetrieve(ctx, analysis, normalized)
	ranked, err := e.rerank(ctx, normalized, union, rerankDepth)
	if err != nil {
		return "", err
	}
	answer := e.synthesizeAnswer(ctx, question, ranked, emit)

	sourceTexts := make([]string, len(ranked))
	for i, doc := range ranked {
		sourceTexts[i] = doc.Text
	}
	if err := e.sessions.SetSources(sessionID, sourceTexts); err != nil {
		return "", err
	}

	scratch.LastQuestion = question
	scratch.LastAnswer = answer
	if err := e.sessions.SetScratch(sessionID, scratch); err != nil {
		return "", err
	}
	return answer, nil
}

// =============================================================================
// Contact Lookup
// =============================================================================

// contactSearchTerms picks the probe set for the focused contact pass
// from the question's wording.
func contactSearchTerms(question string) []string {
	lowered := strings.ToLower(question)
	switch {
	case strings.Contains(lowered, "email"):
		return []string{
			"email", "e-mail", "contact email", "email address", "send email",
			"contact us", "customer service", "support email",
		}
	case strings.Contains(lowered, "phone"), strings.Contains(lowered, "call"),
		strings.Contains(lowered, "telephone"), strings.Contains(lowered, "mobile"):
		return []string{
			"phone", "telephone", "call", "mobile", "phone number", "contact number",
			"customer service", "support phone", "call us",
		}
	default:
		return []string{
			"contact information", "contact us", "customer service", "support",
			"phone number", "email address", "office location", "headquarters",
			"get in touch", "reach us", "customer care", "help desk", "contact details",
		}
	}
}

// contactSearch probes the store with contact-specific terms and
// returns up to contactDocsCap unique documents.
func (e *Engine) contactSearch(ctx context.Context, question string) []vectorstore.Document {
	var docs []vectorstore.Document
	seen := make(map[string]struct{})
	for _, term := range contactSearchTerms(question) {
		batch, err := e.queryByText(ctx, term, contactTermLimit)
		if err != nil {
			e.log.Debug("contact probe failed", "term", term, "error", err)
			continue
		}
		for _, doc := range batch {
			if strings.TrimSpace(doc.Text) == "" {
				continue
			}
			if _, dup := seen[doc.Text]; dup {
				continue
			}
			seen[doc.Text] = struct{}{}
			docs = append(docs, doc)
		}
	}
	if len(docs) > contactDocsCap {
		docs = docs[:contactDocsCap]
	}
	return docs
}

// ContactInfo runs the focused contact retrieval and returns the
// extracted details plus the formatted reply.
func (e *Engine) ContactInfo(ctx context.Context, question string) (contact.Info, string) {
	ctx, span := engineTracer.Start(ctx, "ContactInfo")
	defer span.End()

	docs := e.contactSearch(ctx, question)
	var merged contact.Info
	seenEmail := make(map[string]struct{})
	seenPhone := make(map[string]struct{})
	for _, doc := range docs {
		info := contact.Extract(doc.Text)
		for _, email := range info.Emails {
			if _, dup := seenEmail[email]; dup {
				continue
			}
			seenEmail[email] = struct{}{}
			merged.Emails = append(merged.Emails, email)
		}
		for _, phone := range info.Phones {
			if _, dup := seenPhone[phone]; dup {
				continue
			}
			seenPhone[phone] = struct{}{}
			merged.Phones = append(merged.Phones, phone)
		}
	}
	return merged, contact.FormatResponse(merged, question)
}

// =============================================================================
// Admin Surface
// =============================================================================

// DocumentCount reports how many chunks the tenant's collection holds.
func (e *Engine) DocumentCount(ctx context.Context) (int64, error) {
	return e.storeHandle().Count(ctx)
}

// RecentSources returns up to limit of the session's last snippets;
// non-positive limits default to three.
func (e *Engine) RecentSources(sessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultRecentSources
	}
	return e.sessions.Sources(sessionID, limit)
}

// Leads returns every captured lead, newest first.
func (e *Engine) Leads(ctx context.Context) ([]recordstore.Lead, error) {
	return e.leads.All(ctx)
}

// LeadsCount returns the lead total.
func (e *Engine) LeadsCount(ctx context.Context) (int64, error) {
	return e.leads.Count(ctx)
}

// ReloadVectorStore closes the vector handle and reopens it against
// the same path, picking up whatever the crawler wrote since the last
// open. The embedder, cross-encoder, and LLM client survive reloads.
func (e *Engine) ReloadVectorStore(ctx context.Context) error {
	ctx, span := engineTracer.Start(ctx, "ReloadVectorStore")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Close(); err != nil {
		e.log.Warn("closing vector store before reload", "error", err)
	}
	select {
	case <-time.After(reloadSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	store, err := e.reopenStore()
	if err != nil {
		span.RecordError(err)
		return &EngineError{
			StatusCode: 503,
			Message:    fmt.Sprintf("vector store reopen failed: %v", err),
			Retryable:  true,
		}
	}
	e.store = store

	if count, err := store.Count(ctx); err == nil {
		e.log.Info("vector store reloaded", "documents", count)
	}
	return nil
}

// Close releases every backend the engine owns.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("vector store: %w", err))
	}
	if err := e.leads.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("lead store: %w", err))
	}
	if err := e.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store: %w", err))
	}
	return errors.Join(errs...)
}
