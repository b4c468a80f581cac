package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlab/optiq/internal/adapters/llm"
	"github.com/lumenlab/optiq/internal/core"
	"github.com/lumenlab/optiq/internal/domain/model"
)

func testModel(baseURL string) *model.ModelConfig {
	return &model.ModelConfig{
		Name:           "gpt-test",
		Provider:       "openai",
		BaseURL:        baseURL,
		MaxTokens:      1024,
		MinTemperature: 0,
		MaxTemperature: 1,
	}
}

func staticKeyLookup(key string) func(string) (string, error) {
	return func(string) (string, error) { return key, nil }
}

func TestCompleteParsesResponseAndUsage(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
          "choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
          "usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
        }`))
	}))
	defer srv.Close()

	adapter := llm.NewAdapter(llm.AdapterOptions{APIKeyLookup: staticKeyLookup("secret")})
	res, err := adapter.Complete(context.Background(), core.CompleteParams{
		Model:       testModel(srv.URL),
		Prompt:      "say hello",
		Temperature: 0.4,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 12, res.InputTokens)
	assert.Equal(t, 3, res.OutputTokens)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "gpt-test", gotReq["model"])
	assert.InDelta(t, 0.4, gotReq["temperature"], 0.0001)

	// The combined prompt is delivered as one system message.
	msgs, ok := gotReq["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	msg, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "system", msg["role"])
	assert.Equal(t, "say hello", msg["content"])
}

func TestCompleteClampsTemperature(t *testing.T) {
	t.Parallel()

	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{}}`))
	}))
	defer srv.Close()

	m := testModel(srv.URL)
	m.MinTemperature = 0.2

	adapter := llm.NewAdapter(llm.AdapterOptions{APIKeyLookup: staticKeyLookup("")})
	_, err := adapter.Complete(context.Background(), core.CompleteParams{
		Model:       m,
		Prompt:      "p",
		Temperature: 0,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, gotReq["temperature"], 0.0001)
}

func TestCompleteNonOKStatusSurfacesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer srv.Close()

	adapter := llm.NewAdapter(llm.AdapterOptions{APIKeyLookup: staticKeyLookup("")})
	_, err := adapter.Complete(context.Background(), core.CompleteParams{
		Model:  testModel(srv.URL),
		Prompt: "p",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCompleteStreamAssemblesChunks(t *testing.T) {
	t.Parallel()

	frames := []string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`data: [DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(strings.Join(frames, "\n\n") + "\n"))
	}))
	defer srv.Close()

	var deltas []string
	adapter := llm.NewAdapter(llm.AdapterOptions{APIKeyLookup: staticKeyLookup("")})
	res, err := adapter.CompleteStream(context.Background(), core.CompleteParams{
		Model:  testModel(srv.URL),
		Prompt: "p",
	}, func(delta string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.Equal(t, 5, res.InputTokens)
	assert.Equal(t, 2, res.OutputTokens)
}
