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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/recordstore"
	"github.com/AleutianAI/Tidepool/services/vectorstore"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeStore struct {
	mu          sync.Mutex
	docs        []vectorstore.Document
	searchCalls int
	closed      bool
}

func (f *fakeStore) Upsert(_ context.Context, docs []vectorstore.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeStore) Search(_ context.Context, _ []float32, opts vectorstore.SearchOptions) ([]vectorstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	limit := opts.Limit
	if limit <= 0 || limit > len(f.docs) {
		limit = len(f.docs)
	}
	out := make([]vectorstore.Document, limit)
	copy(out, f.docs[:limit])
	return out, nil
}

func (f *fakeStore) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.docs)), nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) searches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls
}

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r % 13)
	}
	return vec, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

type staticLLM struct {
	mu         sync.Mutex
	reply      string
	err        error
	calls      int
	lastPrompt string
	lastParams llm.GenerationParams
}

func (s *staticLLM) Generate(_ context.Context, prompt string, params llm.GenerationParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastPrompt = prompt
	s.lastParams = params
	return s.reply, s.err
}

// flatEncoder scores everything zero, so rerank order reduces to the
// keyword bonus and retrieval order.
type flatEncoder struct{}

func (flatEncoder) Score(_ context.Context, _ string, docs []string) ([]float64, error) {
	return make([]float64, len(docs)), nil
}

type memoryLeads struct {
	mu          sync.Mutex
	rows        map[string]*recordstore.Lead
	order       []string
	completeErr error
}

func newMemoryLeads() *memoryLeads {
	return &memoryLeads{rows: make(map[string]*recordstore.Lead)}
}

func (m *memoryLeads) SavePartial(_ context.Context, sessionID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[sessionID]; exists {
		return nil
	}
	m.rows[sessionID] = &recordstore.Lead{
		Name:             name,
		OriginalQuestion: "Name collection",
		SessionID:        sessionID,
		Source:           recordstore.LeadSourceNameCollection,
		Status:           recordstore.LeadStatusPartial,
	}
	m.order = append(m.order, sessionID)
	return nil
}

func (m *memoryLeads) SavePhone(_ context.Context, sessionID, phone, originalQuestion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[sessionID]
	if !ok || row.Status != recordstore.LeadStatusPartial {
		return nil
	}
	row.Phone = phone
	row.OriginalQuestion = originalQuestion
	row.Status = recordstore.LeadStatusPhoneCollected
	return nil
}

func (m *memoryLeads) SaveEmail(_ context.Context, sessionID, email, originalQuestion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[sessionID]
	if !ok {
		return nil
	}
	row.Email = email
	row.OriginalQuestion = originalQuestion
	row.Status = recordstore.LeadStatusComplete
	return nil
}

func (m *memoryLeads) Complete(_ context.Context, lead recordstore.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	if row, ok := m.rows[lead.SessionID]; ok {
		row.Phone = lead.Phone
		row.Email = lead.Email
		row.OriginalQuestion = lead.OriginalQuestion
		row.Status = recordstore.LeadStatusComplete
		return nil
	}
	lead.Source = recordstore.LeadSourcePricingInquiry
	lead.Status = recordstore.LeadStatusComplete
	m.rows[lead.SessionID] = &lead
	m.order = append(m.order, lead.SessionID)
	return nil
}

func (m *memoryLeads) All(_ context.Context) ([]recordstore.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordstore.Lead, 0, len(m.order))
	for _, sessionID := range m.order {
		out = append(out, *m.rows[sessionID])
	}
	return out, nil
}

func (m *memoryLeads) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}

func (m *memoryLeads) Close(_ context.Context) error { return nil }

// =============================================================================
// Fixture
// =============================================================================

type engineFixture struct {
	engine *Engine
	store  *fakeStore
	llm    *staticLLM
	leads  *memoryLeads
}

func newTestEngine(t *testing.T, docs []vectorstore.Document) *engineFixture {
	t.Helper()

	store := &fakeStore{docs: docs}
	llmStub := &staticLLM{reply: "The answer."}
	leads := newMemoryLeads()

	tenant := TenantContext{
		ResourceID:      "acme",
		VectorStorePath: t.TempDir(),
		RecordStoreURI:  "mongodb://localhost:27017/acme_test",
	}
	eng, err := NewEngine(context.Background(), EngineConfig{Tenant: tenant}, &EngineDeps{
		Store:    store,
		Embedder: fakeEmbedder{},
		LLM:      llmStub,
		Encoder:  flatEncoder{},
		Leads:    leads,
		Now:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	return &engineFixture{engine: eng, store: store, llm: llmStub, leads: leads}
}

func seedSession(t *testing.T, eng *Engine, sessionID, name string) {
	t.Helper()
	require.NoError(t, eng.sessions.SetState(sessionID, SessionState{Kind: StateNamed, Name: name}))
	require.NoError(t, eng.sessions.SetScratch(sessionID, Scratch{Username: name}))
}

// =============================================================================
// Conversational Flow
// =============================================================================

func TestChatFirstTimePricingFlow(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()
	const session = "s1"

	reply := fx.engine.Chat(ctx, "How much does enterprise cost?", session)
	require.Equal(t, "Before we continue, may I have your name please?", reply)

	reply = fx.engine.Chat(ctx, "Alice O'Connor", session)
	require.Equal(t, "Hey there Alice O'Connor! What would you like to know about?", reply)

	reply = fx.engine.Chat(ctx, "what's your pricing tiers?", session)
	require.Equal(t, "I'd be happy to help with pricing, Alice O'Connor! Could you please provide your phone number?", reply)

	reply = fx.engine.Chat(ctx, "not really", session)
	assert.True(t, strings.HasPrefix(reply, "❌"), "invalid phone should get a retry prompt, got %q", reply)
	assert.True(t, strings.HasSuffix(reply, "Please try again."), "got %q", reply)

	reply = fx.engine.Chat(ctx, "+1 415 555 2671", session)
	require.Equal(t, "Perfect! Finally, what's your email address?", reply)

	reply = fx.engine.Chat(ctx, "alice@example.com", session)
	require.Equal(t, "Thank you Alice O'Connor! Your information has been saved. We'll follow up soon regarding your pricing inquiry.", reply)

	rows, err := fx.leads.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, recordstore.LeadStatusComplete, rows[0].Status)
	assert.Equal(t, "what's your pricing tiers?", rows[0].OriginalQuestion)
	assert.Equal(t, "Alice O'Connor", rows[0].Name)
	assert.Equal(t, "+1 415 555 2671", rows[0].Phone)
	assert.Equal(t, "alice@example.com", rows[0].Email)
}

func TestChatInvalidNameKeepsGateArmed(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()
	const session = "s-name"

	require.Equal(t, namePromptReply, fx.engine.Chat(ctx, "hello there", session))

	reply := fx.engine.Chat(ctx, "x", session)
	assert.True(t, strings.HasPrefix(reply, "❌"))
	assert.True(t, strings.HasSuffix(reply, "Please provide a valid name."))

	reply = fx.engine.Chat(ctx, "Maya", session)
	assert.Equal(t, "Hey there Maya! What would you like to know about?", reply)
}

func TestChatInlineContactRequiresName(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()
	const session = "s2"

	// A fresh session volunteering a phone still hits the name gate;
	// nothing is persisted yet.
	reply := fx.engine.Chat(ctx, "my number is 415-555-2671", session)
	require.Equal(t, namePromptReply, reply)
	rows, err := fx.leads.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	reply = fx.engine.Chat(ctx, "Alice", session)
	require.Equal(t, "Hey there Alice! What would you like to know about?", reply)

	// Replaying the same message now lands the phone.
	reply = fx.engine.Chat(ctx, "my number is 415-555-2671", session)
	require.Equal(t, "Great! I've saved your phone number. Could you please provide your email address?", reply)
	rows, err = fx.leads.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, recordstore.LeadStatusPhoneCollected, rows[0].Status)
	assert.Equal(t, "415-555-2671", rows[0].Phone)
}

func TestChatInlineEmailCompletesLead(t *testing.T) {
	fx := newTestEngine(t, []vectorstore.Document{{ID: "d1", Text: "Plans start at nine dollars."}})
	ctx := context.Background()
	const session = "s3"

	fx.engine.Chat(ctx, "hi", session)
	fx.engine.Chat(ctx, "Alice", session)
	fx.engine.Chat(ctx, "my number is 415-555-2671", session)

	reply := fx.engine.Chat(ctx, "you can reach me at alice@example.com", session)
	require.Equal(t, "Perfect! I've saved your email address. We will contact you soon regarding your queries", reply)

	rows, err := fx.leads.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, recordstore.LeadStatusComplete, rows[0].Status)
	assert.Equal(t, "alice@example.com", rows[0].Email)

	// The lead flow is terminal: a later pricing question falls through
	// to retrieval instead of re-arming the funnel.
	reply = fx.engine.Chat(ctx, "what is your pricing?", session)
	assert.Equal(t, fx.llm.reply, reply)
}

func TestChatLeadPersistenceFailureNeverLoops(t *testing.T) {
	fx := newTestEngine(t, []vectorstore.Document{{ID: "d1", Text: "Plans start at nine dollars."}})
	ctx := context.Background()
	const session = "s4"

	fx.engine.Chat(ctx, "hi", session)
	fx.engine.Chat(ctx, "Alice", session)
	fx.engine.Chat(ctx, "how much does it cost?", session)
	fx.engine.Chat(ctx, "415-555-2671", session)

	fx.leads.completeErr = errors.New("record store down")
	reply := fx.engine.Chat(ctx, "alice@example.com", session)
	require.Equal(t, "Thank you! We'll follow up soon.", reply)

	// lead_collected stuck on: pricing now behaves like retrieval.
	reply = fx.engine.Chat(ctx, "pricing again please", session)
	assert.Equal(t, fx.llm.reply, reply)
}

// =============================================================================
// Location Fast-Path
// =============================================================================

func TestChatLocationFastPath(t *testing.T) {
	docs := []vectorstore.Document{
		{
			ID:   "about-1",
			Text: "Our story began in a garage. Read about the company and our mission.",
			Metadata: map[string]string{
				"url":        "https://acme.test/about",
				"page_title": "About Acme",
			},
		},
		{
			ID:   "blog-1",
			Text: "Ten thoughts on growth from the team blog.",
			Metadata: map[string]string{
				"url":        "https://acme.test/blog/foo",
				"page_title": "Growth Thoughts",
			},
		},
		{
			ID:   "cat-1",
			Text: "All news posts in one place.",
			Metadata: map[string]string{
				"url":        "https://acme.test/category/news",
				"page_title": "News",
			},
		},
	}
	fx := newTestEngine(t, docs)

	reply := fx.engine.Chat(context.Background(), "which page talks about your company story?", "loc")
	require.Equal(t, "About Acme\nhttps://acme.test/about", reply)
	assert.Zero(t, fx.llm.calls, "fast path must not reach the synthesizer")
}

func TestChatLocationQueryFallsThroughWithoutURLs(t *testing.T) {
	docs := []vectorstore.Document{{ID: "d1", Text: "no metadata here"}}
	fx := newTestEngine(t, docs)
	seedSession(t, fx.engine, "loc2", "Dana")

	reply := fx.engine.Chat(context.Background(), "which page is this from?", "loc2")
	assert.Equal(t, fx.llm.reply, reply, "no URL candidates should fall through to the normal flow")
	assert.Equal(t, 1, fx.llm.calls)
}

// =============================================================================
// Retrieval + Synthesis
// =============================================================================

func TestChatRetrievalAnswer(t *testing.T) {
	docs := []vectorstore.Document{
		{ID: "d1", Text: "Acme Corporation was founded in 2005 by Jane Doe."},
		{ID: "d2", Text: "Acme sells weather balloons to research stations."},
	}
	fx := newTestEngine(t, docs)
	fx.llm.reply = "Acme was founded in 2005."
	const session = "ret"
	seedSession(t, fx.engine, session, "Dana")

	answer := fx.engine.Chat(context.Background(), "When was Acme founded?", session)
	require.Equal(t, "Acme was founded in 2005.", answer)

	require.Equal(t, 1, fx.llm.calls)
	assert.Contains(t, fx.llm.lastPrompt, "CONTEXT:")
	assert.Contains(t, fx.llm.lastPrompt, "Acme Corporation was founded in 2005 by Jane Doe.")
	assert.Contains(t, fx.llm.lastPrompt, "QUESTION: When was Acme founded?")

	require.NotNil(t, fx.llm.lastParams.Temperature)
	assert.InDelta(t, 0.3, float64(*fx.llm.lastParams.Temperature), 1e-6)
	require.NotNil(t, fx.llm.lastParams.TopP)
	assert.InDelta(t, 0.8, float64(*fx.llm.lastParams.TopP), 1e-6)
	require.NotNil(t, fx.llm.lastParams.TopK)
	assert.Equal(t, 50, *fx.llm.lastParams.TopK)

	sources, err := fx.engine.RecentSources(session, 0)
	require.NoError(t, err)
	require.NotEmpty(t, sources)
	assert.LessOrEqual(t, len(sources), 3)
}

func TestChatStripsURLsFromNonLocationAnswers(t *testing.T) {
	docs := []vectorstore.Document{{ID: "d1", Text: "Acme history content."}}
	fx := newTestEngine(t, docs)
	fx.llm.reply = "Acme started in 2005. See https://acme.test/about for more.\nSource: about page\nIt is still family owned."
	seedSession(t, fx.engine, "strip", "Dana")

	answer := fx.engine.Chat(context.Background(), "When did Acme start?", "strip")
	assert.NotContains(t, answer, "https://")
	assert.NotContains(t, answer, "Source:")
	assert.Contains(t, answer, "It is still family owned.")
}

func TestChatEmbedderFailureReturnsApology(t *testing.T) {
	store := &fakeStore{}
	llmStub := &staticLLM{reply: "unused"}
	tenant := TenantContext{
		ResourceID:      "acme",
		VectorStorePath: t.TempDir(),
		RecordStoreURI:  "mongodb://localhost:27017/acme_test",
	}
	eng, err := NewEngine(context.Background(), EngineConfig{Tenant: tenant}, &EngineDeps{
		Store:    store,
		Embedder: fakeEmbedder{err: errors.New("model offline")},
		LLM:      llmStub,
		Encoder:  flatEncoder{},
		Leads:    newMemoryLeads(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	seedSession(t, eng, "err", "Dana")

	answer := eng.Chat(context.Background(), "When was Acme founded?", "err")
	assert.True(t, strings.HasPrefix(answer, "I apologize, but I encountered an error while processing your question:"), "got %q", answer)
	assert.Contains(t, answer, "model offline")
}

func TestSynthesizeAnswerFallbacks(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()
	docs := []vectorstore.Document{{Text: "some context"}}

	assert.Equal(t, "I couldn't find relevant information to answer your question.",
		fx.engine.synthesizeAnswer(ctx, "q", nil, nil))

	fx.llm.reply = "   "
	assert.Equal(t, "I found some information but couldn't generate a proper response.",
		fx.engine.synthesizeAnswer(ctx, "q", docs, nil))

	fx.llm.reply = ""
	fx.llm.err = errors.New("llm down")
	assert.Equal(t, "I found relevant information but encountered an error while generating the response.",
		fx.engine.synthesizeAnswer(ctx, "q", docs, nil))
}

// =============================================================================
// Contact Lookup
// =============================================================================

func TestContactInfo(t *testing.T) {
	docs := []vectorstore.Document{
		{ID: "c1", Text: "Email us at sales@acme.test or call 415-555-0100 for a quote."},
		{ID: "c2", Text: "Support is at sales@acme.test as well."},
	}
	fx := newTestEngine(t, docs)

	info, formatted := fx.engine.ContactInfo(context.Background(), "contact information")
	assert.Equal(t, []string{"sales@acme.test"}, info.Emails)
	assert.Equal(t, []string{"415-555-0100"}, info.Phones)
	assert.Contains(t, formatted, "Here's the contact information I found:")
	assert.Contains(t, formatted, "sales@acme.test")
	assert.Contains(t, formatted, "415-555-0100")
}

func TestContactInfoNothingFound(t *testing.T) {
	fx := newTestEngine(t, []vectorstore.Document{{ID: "d", Text: "nothing useful"}})

	info, formatted := fx.engine.ContactInfo(context.Background(), "contact information")
	assert.Empty(t, info.Emails)
	assert.Empty(t, info.Phones)
	assert.Equal(t, "I couldn't find specific contact information in the available content. You might want to look for a contact page.", formatted)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestNewEngineRejectsInvalidTenant(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineConfig{
		Tenant: TenantContext{ResourceID: "acme", RecordStoreURI: "mongodb://x"},
	}, &EngineDeps{})
	require.Error(t, err)
	assert.Equal(t, "vector_store_path is required for tenant isolation and cannot be empty", err.Error())
	assert.True(t, IsTenantContextError(err))
}

func TestReloadVectorStoreSwapsHandle(t *testing.T) {
	oldStore := &fakeStore{docs: []vectorstore.Document{{ID: "a", Text: "one"}}}
	newStore := &fakeStore{docs: []vectorstore.Document{
		{ID: "a", Text: "one"},
		{ID: "b", Text: "two"},
	}}
	tenant := TenantContext{
		ResourceID:      "acme",
		VectorStorePath: t.TempDir(),
		RecordStoreURI:  "mongodb://localhost:27017/acme_test",
	}
	eng, err := NewEngine(context.Background(), EngineConfig{Tenant: tenant}, &EngineDeps{
		Store:       oldStore,
		Embedder:    fakeEmbedder{},
		LLM:         &staticLLM{reply: "r"},
		Encoder:     flatEncoder{},
		Leads:       newMemoryLeads(),
		ReopenStore: func() (vectorstore.Store, error) { return newStore, nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	count, err := eng.DocumentCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, eng.ReloadVectorStore(context.Background()))
	assert.True(t, oldStore.closed)

	count, err = eng.DocumentCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
