package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/asc/pkg/config"
)

func TestKindFor(t *testing.T) {
	tests := []struct {
		model string
		kind  Kind
		known bool
	}{
		{"claude-sonnet-4", KindAnthropic, true},
		{"CLAUDE", KindAnthropic, true},
		{"gemini-1.5-pro", KindGoogle, true},
		{"gpt-4o", KindOpenAI, true},
		{"codex-mini", KindOpenAI, true},
		{"openai", KindOpenAI, true},
		{"llama3", KindLocal, false},
	}
	for _, tt := range tests {
		kind, known := KindFor(tt.model)
		assert.Equal(t, tt.kind, kind, tt.model)
		assert.Equal(t, tt.known, known, tt.model)
	}
}

func TestNew(t *testing.T) {
	providers := config.ProvidersConfig{
		Anthropic: config.ProviderConfig{APIKey: "a"},
		OpenAI:    config.ProviderConfig{APIKey: "o"},
		Google:    config.ProviderConfig{APIKey: "g"},
	}

	b, err := New("claude", providers, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultClaudeModel, b.Model())

	b, err = New("gemini", providers, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultGeminiModel, b.Model())

	b, err = New("gpt-4o-mini", providers, 0)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", b.Model())

	_, err = New("llama3", providers, 0)
	assert.Error(t, err, "unknown model without local endpoint")

	providers.Local.Endpoint = "http://localhost:11434/v1"
	b, err = New("llama3", providers, 0)
	require.NoError(t, err)
	assert.Equal(t, "llama3", b.Model())

	_, err = New("claude", config.ProvidersConfig{}, 0)
	assert.Error(t, err, "missing api key")
}

func TestCompatibleBackend_Complete(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"llama3","choices":[{"index":0,"message":{"role":"assistant","content":"{\"actions\":[]}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	b := NewCompatibleBackend("llama3", srv.URL+"/v1/", "k", pricing{input: 1, output: 2})
	res, err := b.Complete(context.Background(), CompletionRequest{
		Prompt: "do it", SystemPrompt: "sys", MaxTokens: 8192, Temperature: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"actions":[]}`, res.Content)
	assert.Equal(t, 15, res.TokensUsed)
	assert.Equal(t, "stop", res.FinishReason)
	assert.InDelta(t, 10.0/1e6+10.0/1e6, res.CostUSD, 1e-12)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "do it", got.Messages[1].Content)
	assert.Equal(t, 8192, got.MaxTokens)
	assert.Equal(t, 0.7, got.Temperature)

	stats := b.Stats()
	assert.Equal(t, 1, stats.RequestCount)
	assert.Equal(t, 15, stats.TotalTokens)
	assert.Equal(t, 15, stats.AvgTokensPerRequest)
}

func TestCompatibleBackend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewCompatibleBackend("m", srv.URL, "", localPricing)
	_, err := b.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, 1, b.Stats().FailedRequestCount)
	assert.Equal(t, 0, b.Stats().RequestCount)
}

func TestAnthropicBackend_Complete(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/messages"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],
			"stop_reason":"end_turn","usage":{"input_tokens":1000,"output_tokens":200}}`))
	}))
	defer srv.Close()

	b, err := NewAnthropicBackend("claude-test", config.ProviderConfig{APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)

	res, err := b.Complete(context.Background(), CompletionRequest{Prompt: "p", SystemPrompt: "s", MaxTokens: 8192, Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Content)
	assert.Equal(t, 1200, res.TokensUsed)
	assert.Equal(t, "end_turn", res.FinishReason)
	assert.InDelta(t, 1000*3.0/1e6+200*15.0/1e6, res.CostUSD, 1e-12)
	assert.EqualValues(t, 8192, body["max_tokens"])
	assert.Equal(t, "claude-test", body["model"])
}

func TestOpenAIBackend_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend("gpt-4o", config.ProviderConfig{APIKey: "k", Endpoint: srv.URL + "/"})
	require.NoError(t, err)
	res, err := b.Complete(context.Background(), CompletionRequest{Prompt: "p", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, 7, res.TokensUsed)
}

type flakyBackend struct {
	usage
	failures int
	calls    int
}

func (f *flakyBackend) Complete(context.Context, CompletionRequest) (*CompletionResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient")
	}
	return &CompletionResult{Content: "done"}, nil
}

func TestWithRetry(t *testing.T) {
	inner := &flakyBackend{usage: usage{model: "m"}, failures: 2}
	b := WithRetry(inner, 3).(*retryBackend)
	b.base = time.Millisecond

	res, err := b.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 3, inner.calls)

	inner = &flakyBackend{usage: usage{model: "m"}, failures: 5}
	b = WithRetry(inner, 3).(*retryBackend)
	b.base = time.Millisecond
	_, err = b.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	inner := &flakyBackend{usage: usage{model: "m"}, failures: 5}
	b := WithRetry(inner, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Complete(ctx, CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
