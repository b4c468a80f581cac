// Package llm implements the model adapter against OpenAI-compatible chat
// completion endpoints.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lumenlab/optiq/internal/core"
)

const (
	defaultRequestTimeout = 120 * time.Second
	maxErrorBodyBytes     = 8 * 1024
)

// AdapterOptions groups dependencies for Adapter.
type AdapterOptions struct {
	HTTPClient *http.Client // Optional: defaults to a client with a 120s timeout
	Logger     *slog.Logger // Optional

	// APIKeyLookup resolves a model's APIKeyRef to a credential. Defaults to
	// environment variable lookup.
	APIKeyLookup func(ref string) (string, error)
}

// Adapter executes completion requests against OpenAI-compatible providers.
type Adapter struct {
	http         *http.Client
	logger       *slog.Logger
	apiKeyLookup func(ref string) (string, error)
}

// NewAdapter creates a new Adapter with the given options.
func NewAdapter(opts AdapterOptions) *Adapter {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookup := opts.APIKeyLookup
	if lookup == nil {
		lookup = lookupAPIKeyFromEnv
	}
	return &Adapter{
		http:         hc,
		logger:       logger.With("component", "llm_adapter"),
		apiKeyLookup: lookup,
	}
}

func lookupAPIKeyFromEnv(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	key, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("api key %q not set", ref)
	}
	return key, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// Complete sends a chat completion request and returns the assembled result.
func (a *Adapter) Complete(
	ctx context.Context,
	params core.CompleteParams,
) (*core.CompletionResult, error) {
	start := time.Now()

	resp, err := a.send(ctx, params, false)
	if err != nil {
		return nil, err
	}

	body, readErr := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return nil, fmt.Errorf("read completion response: %w", readErr)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("completion response has no choices")
	}

	return &core.CompletionResult{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}

// CompleteStream sends a streaming chat completion request, forwarding each
// content delta to onChunk, and returns the assembled result. Providers that
// include a final usage frame get exact token counts; otherwise counts are zero.
func (a *Adapter) CompleteStream(
	ctx context.Context,
	params core.CompleteParams,
	onChunk func(delta string),
) (*core.CompletionResult, error) {
	start := time.Now()

	resp, err := a.send(ctx, params, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var content strings.Builder
	var usage chatUsage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk chatStreamChunk
		if unmarshalErr := json.Unmarshal([]byte(payload), &chunk); unmarshalErr != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", unmarshalErr)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onChunk != nil {
					onChunk(choice.Delta.Content)
				}
			}
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, fmt.Errorf("read stream: %w", scanErr)
	}

	return &core.CompletionResult{
		Content:      content.String(),
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}

func (a *Adapter) send(
	ctx context.Context,
	params core.CompleteParams,
	stream bool,
) (*http.Response, error) {
	if params.Model == nil {
		return nil, errors.New("model config is required")
	}

	deployment := params.Model.Deployment
	if deployment == "" {
		deployment = params.Model.Name
	}

	reqBody := chatRequest{
		Model: deployment,
		// The combined instruction text travels as a single system message.
		Messages:    []chatMessage{{Role: "system", Content: params.Prompt}},
		Temperature: params.Model.ClampTemperature(params.Temperature),
		MaxTokens:   params.MaxTokens,
		Stream:      stream,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	url := strings.TrimSuffix(params.Model.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	apiKey, err := a.apiKeyLookup(params.Model.APIKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send completion request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if closeErr := resp.Body.Close(); closeErr != nil {
			a.logger.WarnContext(ctx, "close error response body", "error", closeErr)
		}
		return nil, fmt.Errorf("completion request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
