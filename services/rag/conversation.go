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
	"fmt"
	"strings"
)

// =============================================================================
// Session State Machine
// =============================================================================

// StateKind identifies where a session sits in the conversational
// lead-capture flow.
type StateKind string

const (
	// StateUnknown is a fresh session: no name, never prompted.
	StateUnknown StateKind = "unknown"

	// StateWaitingForName means the next message is treated as the
	// visitor's name.
	StateWaitingForName StateKind = "waiting_for_name"

	// StateNamed means the visitor introduced themselves and the
	// session is in normal question answering.
	StateNamed StateKind = "named"

	// StateCollectingPhone means a pricing inquiry armed the lead flow
	// and the next message is treated as a phone number.
	StateCollectingPhone StateKind = "collecting_phone"

	// StateCollectingEmail means the phone was captured and the next
	// message is treated as an email address.
	StateCollectingEmail StateKind = "collecting_email"

	// StateComplete is terminal for the session's lead flow. Later
	// pricing questions behave like general retrieval questions.
	StateComplete StateKind = "complete"
)

// SessionState is the persisted position of one session in the state
// machine, plus the partial lead fields carried between steps.
//
// The zero value decodes as StateUnknown.
type SessionState struct {
	Kind             StateKind `msgpack:"kind,omitempty"`
	Name             string    `msgpack:"name,omitempty"`
	Phone            string    `msgpack:"phone,omitempty"`
	OriginalQuestion string    `msgpack:"original_question,omitempty"`
}

// Normalized returns the state with an empty Kind mapped to
// StateUnknown.
func (s SessionState) Normalized() SessionState {
	if s.Kind == "" {
		s.Kind = StateUnknown
	}
	return s
}

// CollectingLead reports whether the session is mid lead capture.
func (s SessionState) CollectingLead() bool {
	return s.Kind == StateCollectingPhone || s.Kind == StateCollectingEmail
}

// =============================================================================
// Pricing Intent
// =============================================================================

var pricingKeywords = []string{"price", "cost", "pricing", "quote", "rates", "how much"}

// hasPricingIntent reports whether the lowercased question contains a
// pricing keyword.
func hasPricingIntent(question string) bool {
	lowered := strings.ToLower(question)
	for _, keyword := range pricingKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// =============================================================================
// Conversational Replies
// =============================================================================

// These strings are part of the product surface; widget tests and the
// admin dashboard match on them. Do not reword without coordinating a
// frontend release.

const (
	namePromptReply       = "Before we continue, may I have your name please?"
	emailStepReply        = "Perfect! Finally, what's your email address?"
	inlinePhoneSavedReply = "Great! I've saved your phone number. Could you please provide your email address?"
	inlineEmailSavedReply = "Perfect! I've saved your email address. We will contact you soon regarding your queries"
	leadFallbackReply     = "Thank you! We'll follow up soon."
)

func greetingReply(name string) string {
	return fmt.Sprintf("Hey there %s! What would you like to know about?", name)
}

func invalidNameReply(reason string) string {
	return fmt.Sprintf("❌ %s Please provide a valid name.", reason)
}

func retryReply(reason string) string {
	return fmt.Sprintf("❌ %s Please try again.", reason)
}

func phonePromptReply(name string) string {
	if name != "" {
		return fmt.Sprintf("I'd be happy to help with pricing, %s! Could you please provide your phone number?", name)
	}
	return "I'd be happy to help with pricing! Could you please provide your phone number?"
}

func leadCompleteReply(name string) string {
	return fmt.Sprintf("Thank you %s! Your information has been saved. We'll follow up soon regarding your pricing inquiry.", name)
}

func processingErrorReply(err error) string {
	return fmt.Sprintf("I apologize, but I encountered an error while processing your question: %v", err)
}
