package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
)

// LocalLlamaCppClient drives a llama.cpp server's /completion endpoint.
// It is the lightest-weight backend: one GGUF model, no API keys, no
// orchestration beyond the server binary itself.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ LLMClient = (*LocalLlamaCppClient)(nil)

// LocalLlamaCppClientPayload is the /completion request body.
type LocalLlamaCppClientPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type llamaCppResp struct {
	Content string `json:"content"`
}

// NewLocalLlamaCppClient reads LLM_SERVICE_URL_BASE from the environment.
func NewLocalLlamaCppClient() (*LocalLlamaCppClient, error) {
	baseURL := os.Getenv("LLM_SERVICE_URL_BASE")
	if baseURL == "" {
		return nil, fmt.Errorf("LLM_SERVICE_URL_BASE environment variable not set")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
	}, nil
}

// fillSampling applies the caller's knobs, falling back to the sampling
// defaults this stack runs llama.cpp with.
func (p *LocalLlamaCppClientPayload) fillSampling(params GenerationParams) {
	if params.MaxTokens != nil {
		p.NPredict = *params.MaxTokens
		p.MaxTokens = params.MaxTokens
	} else {
		p.NPredict = 512
		defaultMaxTokens := 2048
		p.MaxTokens = &defaultMaxTokens
	}
	if params.Temperature != nil {
		p.Temperature = params.Temperature
	} else {
		var defaultTemperature float32 = 0.2
		p.Temperature = &defaultTemperature
	}
	if params.TopK != nil {
		p.TopK = params.TopK
	} else {
		defaultTopK := 20
		p.TopK = &defaultTopK
	}
	if params.TopP != nil {
		p.TopP = params.TopP
	} else {
		var defaultTopP float32 = 0.9
		p.TopP = &defaultTopP
	}
	if params.Stop != nil {
		p.Stop = params.Stop
	} else {
		p.Stop = []string{"\n"}
	}
}

// Generate completes a single prompt against /completion.
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	completionURL := l.baseURL + "/completion"
	payload := LocalLlamaCppClientPayload{Prompt: prompt}
	payload.fillSampling(params)

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal the payload: %w", err)
	}
	slog.Info("Calling Llama.cpp Generate", "url", completionURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, completionURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request to the llm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read the llm's response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm server returned status %d: %s", resp.StatusCode, string(body))
	}
	var llmResponseBody llamaCppResp
	if err := json.Unmarshal(body, &llmResponseBody); err != nil {
		return "", fmt.Errorf("failed to parse the llm response: %w", err)
	}
	return llmResponseBody.Content, nil
}

// Chat renders the conversation into a role-tagged prompt and completes it.
//
// llama.cpp only applies model-specific chat templates on its OpenAI-compat
// endpoint; this client keeps to /completion, so the conversation is
// flattened generically. Fine for the short exchanges the bot sends;
// anything model-specific should run server side.
func (l *LocalLlamaCppClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	var sb strings.Builder
	for _, msg := range messages {
		switch strings.ToLower(msg.Role) {
		case "system":
			sb.WriteString("System: ")
		case "assistant":
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")

	// The single-newline stop default would cut a flattened answer short.
	if params.Stop == nil {
		params.Stop = []string{"\nUser:", "\nSystem:"}
	}
	return l.Generate(ctx, sb.String(), params)
}
