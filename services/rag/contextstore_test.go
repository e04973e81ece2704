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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContextStore(t *testing.T) *ContextStore {
	t.Helper()
	cs, err := NewContextStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestContextStoreStateRoundTrip(t *testing.T) {
	cs := newTestContextStore(t)

	state, ok, err := cs.State("absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateUnknown, state.Normalized().Kind)

	want := SessionState{
		Kind:             StateCollectingPhone,
		Name:             "Alice",
		OriginalQuestion: "what's your pricing tiers?",
	}
	require.NoError(t, cs.SetState("s1", want))

	got, ok, err := cs.State("s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestContextStoreScratchRoundTrip(t *testing.T) {
	cs := newTestContextStore(t)

	scratch, ok, err := cs.Scratch("absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, scratch.Username)

	want := Scratch{
		Username:                "Alice",
		Phone:                   "415-555-2671",
		OriginalPricingQuestion: "how much?",
		LeadCollected:           true,
	}
	require.NoError(t, cs.SetScratch("s1", want))

	got, ok, err := cs.Scratch("s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestContextStoreSessionsAreIndependent(t *testing.T) {
	cs := newTestContextStore(t)

	require.NoError(t, cs.SetState("a", SessionState{Kind: StateNamed, Name: "Alice"}))
	require.NoError(t, cs.SetState("b", SessionState{Kind: StateWaitingForName}))

	got, ok, err := cs.State("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateNamed, got.Kind)

	got, ok, err = cs.State("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateWaitingForName, got.Kind)
	assert.Empty(t, got.Name)
}

func TestContextStoreSources(t *testing.T) {
	cs := newTestContextStore(t)

	// Missing key is not an error.
	sources, err := cs.Sources("s1", 3)
	require.NoError(t, err)
	assert.Empty(t, sources)
	require.NoError(t, cs.ClearSources("s1"))

	long := strings.Repeat("alpha bravo ", 40) // well past the snippet cap
	require.NoError(t, cs.SetSources("s1", []string{
		"first snippet",
		long,
		"third", "fourth", "fifth", "sixth", "seventh",
	}))

	sources, err = cs.Sources("s1", 10)
	require.NoError(t, err)
	require.Len(t, sources, sourcesLimit)
	assert.Equal(t, "first snippet", sources[0])

	assert.True(t, strings.HasSuffix(sources[1], "..."))
	assert.LessOrEqual(t, len(sources[1]), snippetMaxLength+len("..."))
	assert.False(t, strings.HasSuffix(strings.TrimSuffix(sources[1], "..."), " "),
		"truncation should not leave trailing whitespace before the ellipsis")

	truncated := sources[1]
	sources, err = cs.Sources("s1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first snippet", truncated}, sources)

	require.NoError(t, cs.ClearSources("s1"))
	sources, err = cs.Sources("s1", 3)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestSessionStateNormalized(t *testing.T) {
	var zero SessionState
	assert.Equal(t, StateUnknown, zero.Normalized().Kind)

	named := SessionState{Kind: StateNamed, Name: "Alice"}
	assert.Equal(t, named, named.Normalized())
}

func TestSessionStateCollectingLead(t *testing.T) {
	tests := []struct {
		kind StateKind
		want bool
	}{
		{StateUnknown, false},
		{StateWaitingForName, false},
		{StateNamed, false},
		{StateCollectingPhone, true},
		{StateCollectingEmail, true},
		{StateComplete, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.want, SessionState{Kind: tc.kind}.CollectingLead())
		})
	}
}
