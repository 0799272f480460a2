package provider

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rand/asc/pkg/config"
)

// CompletionRequest is a single-turn generation request
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// CompletionResult is the outcome of a generation call
type CompletionResult struct {
	Content      string  `json:"content"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TokensUsed   int     `json:"tokens_used"`
	CostUSD      float64 `json:"cost_usd"`
	Model        string  `json:"model"`
	FinishReason string  `json:"finish_reason"`
}

// Backend generates text from a prompt
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	Model() string
	Stats() Stats
}

// Stats is cumulative usage for one backend
type Stats struct {
	Model               string  `json:"model"`
	TotalTokens         int     `json:"total_tokens"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	RequestCount        int     `json:"request_count"`
	AvgTokensPerRequest int     `json:"avg_tokens_per_request"`
	FailedRequestCount  int     `json:"failed_request_count"`
}

// usage accumulates Stats and is embedded by every backend
type usage struct {
	mu     sync.Mutex
	model  string
	tokens int
	cost   float64
	count  int
	failed int
}

func (u *usage) record(res *CompletionResult) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tokens += res.TokensUsed
	u.cost += res.CostUSD
	u.count++
}

func (u *usage) recordFailure() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failed++
}

func (u *usage) Model() string {
	return u.model
}

func (u *usage) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := Stats{
		Model:              u.model,
		TotalTokens:        u.tokens,
		TotalCostUSD:       math.Round(u.cost*10000) / 10000,
		RequestCount:       u.count,
		FailedRequestCount: u.failed,
	}
	if u.count > 0 {
		s.AvgTokensPerRequest = u.tokens / u.count
	}
	return s
}

// Kind names a backend family
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindGoogle    Kind = "google"
	KindOpenAI    Kind = "openai"
	KindLocal     Kind = "local"
)

// Default models used when the configured model is just a vendor name
const (
	DefaultClaudeModel = "claude-sonnet-4-20250514"
	DefaultGeminiModel = "gemini-1.5-pro"
	DefaultOpenAIModel = "gpt-4o"
)

// KindFor maps a model name to its backend family. Matching is by substring:
// "claude" → anthropic, "gemini" → google, "gpt"/"codex"/"openai" → openai.
func KindFor(model string) (Kind, bool) {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return KindAnthropic, true
	case strings.Contains(m, "gemini"):
		return KindGoogle, true
	case strings.Contains(m, "gpt"), strings.Contains(m, "codex"), strings.Contains(m, "openai"):
		return KindOpenAI, true
	}
	return KindLocal, false
}

// New builds the backend for model from provider settings. Models that match
// no vendor go to the local OpenAI-compatible endpoint when one is configured.
func New(model string, providers config.ProvidersConfig, retryAttempts int) (Backend, error) {
	kind, known := KindFor(model)
	lower := strings.ToLower(model)

	var (
		b   Backend
		err error
	)
	switch kind {
	case KindAnthropic:
		if lower == "claude" {
			model = DefaultClaudeModel
		}
		b, err = NewAnthropicBackend(model, providers.Anthropic)
	case KindGoogle:
		if lower == "gemini" {
			model = DefaultGeminiModel
		}
		b, err = NewGeminiBackend(model, providers.Google)
	case KindOpenAI:
		if lower == "openai" {
			model = DefaultOpenAIModel
		}
		b, err = NewOpenAIBackend(model, providers.OpenAI)
	default:
		if !known && providers.Local.Endpoint == "" {
			return nil, fmt.Errorf("unknown model %q: supported are claude, gemini, gpt, codex, or a local endpoint", model)
		}
		b = NewCompatibleBackend(model, providers.Local.Endpoint, providers.Local.APIKey, localPricing)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(b, retryAttempts), nil
}
