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
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
	"github.com/AleutianAI/Tidepool/services/llm"
)

// ChatStream answers one question like Chat, but forwards raw answer
// tokens to emit while the model generates. The returned string is the
// authoritative final answer: token frames skip post-processing, so a
// caller relaying the stream must still deliver this value as the
// terminal frame. Branches that never reach the LLM (lead capture,
// sources, contact) produce no token events; their reply arrives only
// in the return value.
func (e *Engine) ChatStream(ctx context.Context, question, sessionID string, emit llm.StreamCallback) string {
	ctx, span := engineTracer.Start(ctx, "ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", e.tenant.ResourceID),
		attribute.String("session_id", sessionID),
	)

	answer, err := e.chat(ctx, question, sessionID, emit)
	if err != nil {
		e.log.Error("chat pipeline failed", "session_id", sessionID, "error", err)
		span.RecordError(err)
		return processingErrorReply(err)
	}
	return answer
}

// generateAnswer runs one LLM generation for the synthesizer. With a
// nil emit, or a backend that cannot stream, it degrades to a plain
// Generate call. Otherwise answer tokens are forwarded to emit as they
// arrive and accumulated into the returned text; thinking and
// lifecycle events stay internal to the engine.
func (e *Engine) generateAnswer(ctx context.Context, prompt string, params llm.GenerationParams, emit llm.StreamCallback) (string, error) {
	streamer, ok := e.llm.(llm.StreamingLLMClient)
	if emit == nil || !ok {
		return e.llm.Generate(ctx, prompt, params)
	}

	messages := []datatypes.Message{{Role: "user", Content: prompt}}
	var buf strings.Builder
	err := streamer.ChatStream(ctx, messages, params, func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken {
			return nil
		}
		buf.WriteString(event.Content)
		return emit(event)
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
