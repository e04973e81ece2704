// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// =============================================================================
// Stream Event Types
// =============================================================================

// StreamEventType identifies what a StreamEvent carries.
type StreamEventType string

const (
	// StreamEventToken is a fragment of the final answer.
	StreamEventToken StreamEventType = "token"
	// StreamEventThinking is a fragment of the model's reasoning trace.
	// Only emitted by models that expose thinking and when the stream
	// config does not redact it.
	StreamEventThinking StreamEventType = "thinking"
	// StreamEventError reports a server-side failure mid-stream.
	StreamEventError StreamEventType = "error"
	// StreamEventDone marks the end of a successful stream.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is a single unit of streamed output delivered to the caller's
// callback. Events marshal directly into WebSocket frames.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback receives each StreamEvent in order. Returning a non-nil
// error aborts the stream.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream Configuration
// =============================================================================

// StreamConfig bounds what a stream is allowed to deliver.
//
// # Description
//
// Zero values mean "no limit" except MaxResponseLength, which
// DefaultStreamConfig caps so a runaway model cannot grow a response
// without bound.
type StreamConfig struct {
	// RedactThinking drops thinking tokens instead of emitting them.
	RedactThinking bool
	// MaxThinkingLength caps total thinking bytes emitted (0 = unlimited).
	MaxThinkingLength int
	// MaxResponseLength caps total answer bytes emitted (0 = unlimited).
	MaxResponseLength int
	// RateLimitPerSecond throttles event delivery (0 = unthrottled).
	RateLimitPerSecond int
}

// DefaultStreamConfig returns the limits used when the caller does not
// supply a config: unredacted thinking, unlimited thinking length, no
// throttle, and a 100 KiB response cap.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxResponseLength: 100 * 1024,
	}
}

// =============================================================================
// Stream Processor
// =============================================================================

// DefaultStreamProcessor applies a StreamConfig to a sequence of raw Ollama
// chunks, emitting StreamEvents and tracking running totals.
//
// Not safe for concurrent use; each stream gets its own processor.
type DefaultStreamProcessor struct {
	cfg            StreamConfig
	logger         *slog.Logger
	limiter        *rate.Limiter
	tokenCount     int
	responseLength int
	thinkingLength int
}

// NewDefaultStreamProcessor builds a processor for one stream. A nil logger
// falls back to slog.Default().
func NewDefaultStreamProcessor(cfg StreamConfig, logger *slog.Logger) *DefaultStreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return &DefaultStreamProcessor{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
	}
}

// ProcessChunk handles one parsed chunk.
//
// # Description
//
// Emits the chunk's thinking and content through the callback, applying
// redaction and length budgets from the config. Error chunks emit a
// StreamEventError and terminate the stream.
//
// # Inputs
//
//   - ctx: Governs rate-limiter waits.
//   - chunk: Parsed NDJSON line from the Ollama response.
//   - callback: Receiver for emitted events.
//
// # Outputs
//
//   - bool: True when the stream is finished (done flag or error chunk).
//   - error: Non-nil on error chunks or when the callback aborts.
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk,
	callback StreamCallback) (bool, error) {

	if chunk.Error != "" {
		if cbErr := callback(StreamEvent{Type: StreamEventError, Error: chunk.Error}); cbErr != nil {
			p.logger.Warn("Stream callback rejected error event", "error", cbErr)
		}
		return true, fmt.Errorf("ollama stream error: %s", chunk.Error)
	}

	if chunk.Thinking != "" && !p.cfg.RedactThinking {
		content := p.clip(chunk.Thinking, p.cfg.MaxThinkingLength, p.thinkingLength)
		if content != "" {
			if err := p.emit(ctx, StreamEvent{Type: StreamEventThinking, Content: content}, callback); err != nil {
				return false, err
			}
			p.thinkingLength += len(content)
		}
	}

	if chunk.Message.Content != "" {
		content := p.clip(chunk.Message.Content, p.cfg.MaxResponseLength, p.responseLength)
		if content != "" {
			if err := p.emit(ctx, StreamEvent{Type: StreamEventToken, Content: content}, callback); err != nil {
				return false, err
			}
			p.tokenCount++
			p.responseLength += len(content)
		}
	}

	if chunk.Done {
		if err := p.emit(ctx, StreamEvent{Type: StreamEventDone}, callback); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// GetTokenCount reports how many content events have been emitted.
func (p *DefaultStreamProcessor) GetTokenCount() int {
	return p.tokenCount
}

// GetResponseLength reports total answer bytes emitted so far.
func (p *DefaultStreamProcessor) GetResponseLength() int {
	return p.responseLength
}

// clip truncates content to the budget remaining under limit. A limit of
// zero means unlimited.
func (p *DefaultStreamProcessor) clip(content string, limit, used int) string {
	if limit <= 0 {
		return content
	}
	remaining := limit - used
	if remaining <= 0 {
		return ""
	}
	if len(content) > remaining {
		return content[:remaining]
	}
	return content
}

func (p *DefaultStreamProcessor) emit(ctx context.Context, event StreamEvent,
	callback StreamCallback) error {

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := callback(event); err != nil {
		return fmt.Errorf("stream callback failed: %w", err)
	}
	return nil
}

// =============================================================================
// Wire Format
// =============================================================================

// ollamaStreamChunk is one NDJSON line of a streaming /api/chat response.
type ollamaStreamChunk struct {
	Model         string            `json:"model,omitempty"`
	CreatedAt     string            `json:"created_at,omitempty"`
	Message       datatypes.Message `json:"message"`
	Thinking      string            `json:"thinking,omitempty"`
	Done          bool              `json:"done"`
	DoneReason    string            `json:"done_reason,omitempty"`
	TotalDuration int64             `json:"total_duration,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (o *OllamaClient) parseStreamChunk(line []byte) (*ollamaStreamChunk, error) {
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
	}
	return &chunk, nil
}

// =============================================================================
// Streaming Client
// =============================================================================

// StreamingLLMClient is implemented by backends that can deliver the answer
// incrementally. Callers holding a plain LLMClient may type-assert to this
// to discover streaming support.
type StreamingLLMClient interface {
	LLMClient
	ChatStream(ctx context.Context, messages []datatypes.Message,
		params GenerationParams, callback StreamCallback) error
}

var _ StreamingLLMClient = (*OllamaClient)(nil)

// ChatStream streams a chat completion using DefaultStreamConfig.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig streams a chat completion under explicit limits.
//
// # Description
//
// POSTs to /api/chat with stream enabled and feeds each NDJSON line
// through a DefaultStreamProcessor. Malformed lines are skipped with a
// warning so one bad chunk cannot kill an otherwise healthy stream.
//
// # Inputs
//
//   - ctx: Cancels the request and any in-flight read.
//   - messages: Conversation to complete.
//   - params: Sampling overrides, same semantics as Chat.
//   - callback: Receives events in order. A non-nil return aborts.
//   - cfg: Redaction, length, and throttle limits.
//
// # Outputs
//
//   - error: Non-nil on transport failure, server error, mid-stream error
//     chunk, or callback abort. Context cancellation surfaces as the
//     context's own error.
func (o *OllamaClient) ChatStreamWithConfig(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback, cfg StreamConfig) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	chatURL := o.baseURL + "/api/chat"
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  generationOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal stream request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create stream request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("Ollama stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("ollama chat stream failed with status %d: %s",
			resp.StatusCode, string(body))
		slog.Error("Ollama stream returned an error", "status_code", resp.StatusCode,
			"response", string(body))
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, statusErr.Error())
		return statusErr
	}

	processor := NewDefaultStreamProcessor(cfg, nil)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, parseErr := o.parseStreamChunk(line)
		if parseErr != nil {
			slog.Warn("Skipping malformed stream chunk", "error", parseErr)
			continue
		}
		done, procErr := processor.ProcessChunk(ctx, chunk, callback)
		if procErr != nil {
			span.RecordError(procErr)
			span.SetStatus(codes.Error, procErr.Error())
			return procErr
		}
		if done {
			span.SetAttributes(attribute.Int("llm.stream_tokens", processor.GetTokenCount()))
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to read Ollama stream: %w", err)
	}

	// Stream closed without a done chunk. Treat as complete; the server
	// hung up after its last token.
	span.SetAttributes(attribute.Int("llm.stream_tokens", processor.GetTokenCount()))
	return nil
}
