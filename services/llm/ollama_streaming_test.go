// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
)

// streamServer returns an OllamaClient wired to an httptest server whose
// /api/chat handler writes the given NDJSON lines.
func streamServer(t *testing.T, lines ...string) *OllamaClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected path /api/chat, got %s", r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "application/x-ndjson" {
			t.Errorf("Expected Accept application/x-ndjson, got %s", accept)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			if _, err := w.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    server.URL,
		model:      "test-model",
	}
}

// eventCollector records stream events and can abort after a given count.
type eventCollector struct {
	events     []StreamEvent
	abortAfter int // abort when len(events) reaches this, 0 = never
	abortErr   error
}

func (c *eventCollector) callback(event StreamEvent) error {
	c.events = append(c.events, event)
	if c.abortAfter > 0 && len(c.events) >= c.abortAfter {
		return c.abortErr
	}
	return nil
}

func (c *eventCollector) joined(kind StreamEventType) string {
	var sb strings.Builder
	for _, e := range c.events {
		if e.Type == kind {
			sb.WriteString(e.Content)
		}
	}
	return sb.String()
}

func (c *eventCollector) count(kind StreamEventType) int {
	n := 0
	for _, e := range c.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

// TestProcessChunk_EventKinds drives single chunks through the processor and
// checks the event each one produces.
func TestProcessChunk_EventKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      StreamConfig
		chunk    ollamaStreamChunk
		wantType StreamEventType
		wantText string
		wantDone bool
		wantErr  bool
	}{
		{
			name:     "content token",
			chunk:    ollamaStreamChunk{Message: datatypes.Message{Role: "assistant", Content: "Hello"}},
			wantType: StreamEventToken,
			wantText: "Hello",
		},
		{
			name:     "thinking token",
			chunk:    ollamaStreamChunk{Thinking: "step one"},
			wantType: StreamEventThinking,
			wantText: "step one",
		},
		{
			name:     "done flag",
			chunk:    ollamaStreamChunk{Done: true, DoneReason: "stop"},
			wantType: StreamEventDone,
			wantDone: true,
		},
		{
			name:     "error chunk",
			chunk:    ollamaStreamChunk{Error: "model overloaded"},
			wantType: StreamEventError,
			wantDone: true,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			processor := NewDefaultStreamProcessor(tt.cfg, nil)
			collector := &eventCollector{}

			done, err := processor.ProcessChunk(context.Background(), &tt.chunk, collector.callback)

			if tt.wantErr && err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ProcessChunk returned error: %v", err)
			}
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if len(collector.events) != 1 {
				t.Fatalf("Expected 1 event, got %d", len(collector.events))
			}
			if collector.events[0].Type != tt.wantType {
				t.Errorf("Event type = %v, want %v", collector.events[0].Type, tt.wantType)
			}
			if collector.events[0].Content != tt.wantText {
				t.Errorf("Event content = %q, want %q", collector.events[0].Content, tt.wantText)
			}
		})
	}
}

// TestProcessChunk_RedactsThinking verifies redaction drops thinking without
// touching answer tokens.
func TestProcessChunk_RedactsThinking(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(StreamConfig{RedactThinking: true}, nil)
	collector := &eventCollector{}

	chunk := &ollamaStreamChunk{
		Thinking: "private reasoning",
		Message:  datatypes.Message{Role: "assistant", Content: "answer"},
	}
	done, err := processor.ProcessChunk(context.Background(), chunk, collector.callback)
	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}
	if done {
		t.Error("done should be false")
	}
	if collector.count(StreamEventThinking) != 0 {
		t.Error("Thinking events should be redacted")
	}
	if collector.joined(StreamEventToken) != "answer" {
		t.Errorf("Token content = %q, want %q", collector.joined(StreamEventToken), "answer")
	}
}

// TestProcessChunk_ResponseBudget verifies the response cap clips the
// overflowing chunk and silences everything after it.
func TestProcessChunk_ResponseBudget(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(StreamConfig{MaxResponseLength: 8}, nil)
	collector := &eventCollector{}

	ctx := context.Background()
	chunks := []string{"Hello, ", "world!", "ignored"}
	for _, content := range chunks {
		chunk := &ollamaStreamChunk{Message: datatypes.Message{Content: content}}
		if _, err := processor.ProcessChunk(ctx, chunk, collector.callback); err != nil {
			t.Fatalf("ProcessChunk returned error: %v", err)
		}
	}

	if got := collector.joined(StreamEventToken); got != "Hello, w" {
		t.Errorf("Joined tokens = %q, want %q", got, "Hello, w")
	}
	if processor.GetResponseLength() != 8 {
		t.Errorf("Response length = %d, want 8", processor.GetResponseLength())
	}
	// The third chunk is fully clipped, so only two token events count.
	if processor.GetTokenCount() != 2 {
		t.Errorf("Token count = %d, want 2", processor.GetTokenCount())
	}
}

// TestProcessChunk_ThinkingBudget verifies the thinking cap is independent of
// the response cap.
func TestProcessChunk_ThinkingBudget(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(StreamConfig{MaxThinkingLength: 4}, nil)
	collector := &eventCollector{}

	ctx := context.Background()
	for _, thinking := range []string{"abc", "defgh"} {
		chunk := &ollamaStreamChunk{Thinking: thinking}
		if _, err := processor.ProcessChunk(ctx, chunk, collector.callback); err != nil {
			t.Fatalf("ProcessChunk returned error: %v", err)
		}
	}

	if got := collector.joined(StreamEventThinking); got != "abcd" {
		t.Errorf("Joined thinking = %q, want %q", got, "abcd")
	}
}

// TestProcessChunk_CallbackAbort verifies a rejecting callback stops the
// stream with a wrapped error.
func TestProcessChunk_CallbackAbort(t *testing.T) {
	t.Parallel()

	processor := NewDefaultStreamProcessor(DefaultStreamConfig(), nil)
	sentinel := errors.New("client went away")
	collector := &eventCollector{abortAfter: 1, abortErr: sentinel}

	chunk := &ollamaStreamChunk{Message: datatypes.Message{Content: "token"}}
	_, err := processor.ProcessChunk(context.Background(), chunk, collector.callback)
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected wrapped sentinel error, got %v", err)
	}
	if !strings.Contains(err.Error(), "stream callback failed") {
		t.Errorf("Error should mention callback failure: %v", err)
	}
}

// TestDefaultStreamConfig verifies the stock limits.
func TestDefaultStreamConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultStreamConfig()
	if cfg.RedactThinking {
		t.Error("Thinking should not be redacted by default")
	}
	if cfg.MaxThinkingLength != 0 {
		t.Errorf("MaxThinkingLength = %d, want 0 (unlimited)", cfg.MaxThinkingLength)
	}
	if cfg.MaxResponseLength != 100*1024 {
		t.Errorf("MaxResponseLength = %d, want %d", cfg.MaxResponseLength, 100*1024)
	}
	if cfg.RateLimitPerSecond != 0 {
		t.Errorf("RateLimitPerSecond = %d, want 0 (unthrottled)", cfg.RateLimitPerSecond)
	}
}

// TestChatStream_AssemblesAnswer verifies a full stream round trip: tokens
// arrive in order and the done event closes the stream.
func TestChatStream_AssemblesAnswer(t *testing.T) {
	client := streamServer(t,
		`{"message":{"role":"assistant","content":"Our "},"done":false}`,
		`{"message":{"role":"assistant","content":"store "},"done":false}`,
		`{"message":{"role":"assistant","content":"opens at 9."},"done":true}`,
	)

	collector := &eventCollector{}
	messages := []datatypes.Message{{Role: "user", Content: "When do you open?"}}
	err := client.ChatStream(context.Background(), messages, GenerationParams{}, collector.callback)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	if got := collector.joined(StreamEventToken); got != "Our store opens at 9." {
		t.Errorf("Assembled answer = %q", got)
	}
	if collector.count(StreamEventDone) != 1 {
		t.Errorf("Expected exactly one done event, got %d", collector.count(StreamEventDone))
	}
	last := collector.events[len(collector.events)-1]
	if last.Type != StreamEventDone {
		t.Errorf("Last event = %v, want done", last.Type)
	}
}

// TestChatStream_ThinkingInterleaved verifies thinking events precede their
// answer tokens and are typed separately.
func TestChatStream_ThinkingInterleaved(t *testing.T) {
	client := streamServer(t,
		`{"thinking":"check the hours page","done":false}`,
		`{"message":{"role":"assistant","content":"9am"},"done":false}`,
		`{"done":true}`,
	)

	collector := &eventCollector{}
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, collector.callback)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	if got := collector.joined(StreamEventThinking); got != "check the hours page" {
		t.Errorf("Thinking = %q", got)
	}
	if collector.events[0].Type != StreamEventThinking {
		t.Errorf("First event = %v, want thinking", collector.events[0].Type)
	}
	if got := collector.joined(StreamEventToken); got != "9am" {
		t.Errorf("Answer = %q", got)
	}
}

// TestChatStreamWithConfig_Redaction verifies redaction applies end to end.
func TestChatStreamWithConfig_Redaction(t *testing.T) {
	client := streamServer(t,
		`{"thinking":"hidden","done":false}`,
		`{"message":{"content":"visible"},"done":true}`,
	)

	collector := &eventCollector{}
	cfg := StreamConfig{RedactThinking: true}
	err := client.ChatStreamWithConfig(context.Background(), nil, GenerationParams{},
		collector.callback, cfg)
	if err != nil {
		t.Fatalf("ChatStreamWithConfig returned error: %v", err)
	}

	if collector.count(StreamEventThinking) != 0 {
		t.Error("Thinking should be redacted end to end")
	}
	if got := collector.joined(StreamEventToken); got != "visible" {
		t.Errorf("Answer = %q", got)
	}
}

// TestChatStream_ServerError verifies non-200 responses fail before any event.
func TestChatStream_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)
	client := &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    server.URL,
		model:      "missing-model",
	}

	collector := &eventCollector{}
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, collector.callback)
	if err == nil {
		t.Fatal("Expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("Error should carry the status code: %v", err)
	}
	if len(collector.events) != 0 {
		t.Errorf("No events should be emitted on server error, got %d", len(collector.events))
	}
}

// TestChatStream_MidStreamError verifies an error chunk surfaces as both an
// error event and a returned error.
func TestChatStream_MidStreamError(t *testing.T) {
	client := streamServer(t,
		`{"message":{"content":"partial"},"done":false}`,
		`{"error":"model crashed"}`,
	)

	collector := &eventCollector{}
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, collector.callback)
	if err == nil {
		t.Fatal("Expected error for mid-stream error chunk")
	}
	if !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("Error should carry the server message: %v", err)
	}
	if collector.count(StreamEventError) != 1 {
		t.Errorf("Expected one error event, got %d", collector.count(StreamEventError))
	}
	if got := collector.joined(StreamEventToken); got != "partial" {
		t.Errorf("Tokens before the error should still be delivered, got %q", got)
	}
}

// TestChatStream_CallbackAbort verifies the client stops reading when the
// callback rejects an event.
func TestChatStream_CallbackAbort(t *testing.T) {
	client := streamServer(t,
		`{"message":{"content":"one"},"done":false}`,
		`{"message":{"content":"two"},"done":false}`,
		`{"done":true}`,
	)

	sentinel := errors.New("websocket closed")
	collector := &eventCollector{abortAfter: 1, abortErr: sentinel}
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, collector.callback)
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected the callback's error, got %v", err)
	}
	if len(collector.events) != 1 {
		t.Errorf("Expected 1 event before abort, got %d", len(collector.events))
	}
}

// TestChatStream_SkipsMalformedLines verifies one bad NDJSON line does not
// kill the stream.
func TestChatStream_SkipsMalformedLines(t *testing.T) {
	client := streamServer(t,
		`{"message":{"content":"good"},"done":false}`,
		`{not json at all`,
		`{"message":{"content":" still good"},"done":true}`,
	)

	collector := &eventCollector{}
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, collector.callback)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if got := collector.joined(StreamEventToken); got != "good still good" {
		t.Errorf("Answer = %q", got)
	}
}

// TestChatStream_SkipsBlankLines verifies keep-alive blank lines are ignored.
func TestChatStream_SkipsBlankLines(t *testing.T) {
	client := streamServer(t,
		``,
		`{"message":{"content":"hello"},"done":false}`,
		`   `,
		`{"done":true}`,
	)

	collector := &eventCollector{}
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, collector.callback)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if got := collector.joined(StreamEventToken); got != "hello" {
		t.Errorf("Answer = %q", got)
	}
}

// TestChatStream_TruncatedStream verifies a stream that ends without a done
// chunk is treated as complete.
func TestChatStream_TruncatedStream(t *testing.T) {
	client := streamServer(t,
		`{"message":{"content":"cut off"},"done":false}`,
	)

	collector := &eventCollector{}
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, collector.callback)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if got := collector.joined(StreamEventToken); got != "cut off" {
		t.Errorf("Answer = %q", got)
	}
	if collector.count(StreamEventDone) != 0 {
		t.Error("No done event should be synthesized for a truncated stream")
	}
}

// TestChatStream_ContextCancellation verifies cancellation surfaces as the
// context's error, not a transport error.
func TestChatStream_ContextCancellation(t *testing.T) {
	firstChunk := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		if _, err := w.Write([]byte(`{"message":{"content":"first"},"done":false}` + "\n")); err != nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(firstChunk)
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	client := &OllamaClient{
		httpClient: &http.Client{},
		baseURL:    server.URL,
		model:      "test-model",
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-firstChunk
		cancel()
	}()

	collector := &eventCollector{}
	err := client.ChatStream(ctx, nil, GenerationParams{}, collector.callback)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestParseStreamChunk covers the NDJSON line decoder.
func TestParseStreamChunk(t *testing.T) {
	t.Parallel()

	client := &OllamaClient{}

	chunk, err := client.parseStreamChunk([]byte(
		`{"model":"m","message":{"role":"assistant","content":"hi"},"thinking":"t","done":true,"done_reason":"stop"}`))
	if err != nil {
		t.Fatalf("parseStreamChunk returned error: %v", err)
	}
	if chunk.Message.Content != "hi" {
		t.Errorf("Content = %q, want %q", chunk.Message.Content, "hi")
	}
	if chunk.Thinking != "t" {
		t.Errorf("Thinking = %q, want %q", chunk.Thinking, "t")
	}
	if !chunk.Done || chunk.DoneReason != "stop" {
		t.Errorf("Done = %v/%q, want true/stop", chunk.Done, chunk.DoneReason)
	}

	if _, err := client.parseStreamChunk([]byte(`{"done":`)); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}
