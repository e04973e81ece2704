// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestNewFromEnv_Dispatch verifies LLM_BACKEND_TYPE selects the right backend.
func TestNewFromEnv_Dispatch(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434")
	t.Setenv("OLLAMA_MODEL", "test-model")
	t.Setenv("LLM_SERVICE_URL_BASE", "http://localhost:8080")

	t.Setenv("LLM_BACKEND_TYPE", "ollama")
	client, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv(ollama) returned error: %v", err)
	}
	if _, ok := client.(*OllamaClient); !ok {
		t.Errorf("Expected *OllamaClient, got %T", client)
	}

	t.Setenv("LLM_BACKEND_TYPE", "local")
	client, err = NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv(local) returned error: %v", err)
	}
	if _, ok := client.(*LocalLlamaCppClient); !ok {
		t.Errorf("Expected *LocalLlamaCppClient, got %T", client)
	}

	// Unknown values fall back to ollama.
	t.Setenv("LLM_BACKEND_TYPE", "mystery")
	client, err = NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv(mystery) returned error: %v", err)
	}
	if _, ok := client.(*OllamaClient); !ok {
		t.Errorf("Expected fallback *OllamaClient, got %T", client)
	}
}

// TestNewFromEnv_MissingConfig verifies backends fail fast without their
// required environment.
func TestNewFromEnv_MissingConfig(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	t.Setenv("LLM_SERVICE_URL_BASE", "")
	t.Setenv("GEMINI_API_KEY", "")

	t.Setenv("LLM_BACKEND_TYPE", "ollama")
	if _, err := NewFromEnv(); err == nil {
		t.Error("Expected error for ollama backend without OLLAMA_BASE_URL")
	}

	t.Setenv("LLM_BACKEND_TYPE", "local")
	if _, err := NewFromEnv(); err == nil {
		t.Error("Expected error for local backend without LLM_SERVICE_URL_BASE")
	}

	t.Setenv("LLM_BACKEND_TYPE", "gemini")
	if _, err := NewFromEnv(); err == nil {
		t.Error("Expected error for gemini backend without GEMINI_API_KEY")
	}
}

// TestGenerationOptions_Defaults verifies unset params map to the stack's
// default sampling knobs.
func TestGenerationOptions_Defaults(t *testing.T) {
	t.Parallel()

	options := generationOptions(GenerationParams{})

	if options["temperature"] != float32(0.2) {
		t.Errorf("Expected default temperature 0.2, got %v", options["temperature"])
	}
	if options["top_k"] != 20 {
		t.Errorf("Expected default top_k 20, got %v", options["top_k"])
	}
	if options["top_p"] != float32(0.9) {
		t.Errorf("Expected default top_p 0.9, got %v", options["top_p"])
	}
	if options["num_predict"] != 8192 {
		t.Errorf("Expected default num_predict 8192, got %v", options["num_predict"])
	}
	if _, ok := options["stop"]; ok {
		t.Error("Stop should be omitted when unset")
	}
}

// TestGenerationOptions_Overrides verifies caller params win over defaults.
func TestGenerationOptions_Overrides(t *testing.T) {
	t.Parallel()

	temp := float32(0.3)
	topK := 50
	topP := float32(0.8)
	maxTokens := 1024
	options := generationOptions(GenerationParams{
		Temperature: &temp,
		TopK:        &topK,
		TopP:        &topP,
		MaxTokens:   &maxTokens,
		Stop:        []string{"###"},
	})

	if options["temperature"] != float32(0.3) {
		t.Errorf("Expected temperature 0.3, got %v", options["temperature"])
	}
	if options["top_k"] != 50 {
		t.Errorf("Expected top_k 50, got %v", options["top_k"])
	}
	if options["top_p"] != float32(0.8) {
		t.Errorf("Expected top_p 0.8, got %v", options["top_p"])
	}
	if options["num_predict"] != 1024 {
		t.Errorf("Expected num_predict 1024, got %v", options["num_predict"])
	}
	stop, ok := options["stop"].([]string)
	if !ok || len(stop) != 1 || stop[0] != "###" {
		t.Errorf("Expected stop [###], got %v", options["stop"])
	}
}

// TestLocalLlamaCppClient_Generate verifies the /completion round trip and
// that defaults are filled into the payload.
func TestLocalLlamaCppClient_Generate(t *testing.T) {
	var captured LocalLlamaCppClientPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("Expected path /completion, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"content":"the answer"}`)); err != nil {
			t.Errorf("Failed to write response: %v", err)
		}
	}))
	defer server.Close()

	t.Setenv("LLM_SERVICE_URL_BASE", server.URL)
	client, err := NewLocalLlamaCppClient()
	if err != nil {
		t.Fatalf("NewLocalLlamaCppClient returned error: %v", err)
	}

	answer, err := client.Generate(context.Background(), "hello", GenerationParams{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if answer != "the answer" {
		t.Errorf("Expected 'the answer', got '%s'", answer)
	}
	if captured.Prompt != "hello" {
		t.Errorf("Expected prompt 'hello', got '%s'", captured.Prompt)
	}
	if captured.NPredict != 512 {
		t.Errorf("Expected default n_predict 512, got %d", captured.NPredict)
	}
	if len(captured.Stop) != 1 || captured.Stop[0] != "\n" {
		t.Errorf("Expected default stop [\\n], got %v", captured.Stop)
	}
}

// TestStreamingSupport verifies which backends advertise token streaming.
func TestStreamingSupport(t *testing.T) {
	t.Parallel()

	var ollama LLMClient = &OllamaClient{}
	if _, ok := ollama.(StreamingLLMClient); !ok {
		t.Error("OllamaClient should implement StreamingLLMClient")
	}

	var local LLMClient = &LocalLlamaCppClient{}
	if _, ok := local.(StreamingLLMClient); ok {
		t.Error("LocalLlamaCppClient should not implement StreamingLLMClient")
	}
}
