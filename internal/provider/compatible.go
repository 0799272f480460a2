package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/rand/asc/pkg/config"
)

// GeminiEndpoint is Google's OpenAI-compatible API root
const GeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/openai"

// ChatMessage represents a message in the chat
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse represents a chat completion response
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int         `json:"index"`
		Message ChatMessage `json:"message"`
		Finish  string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// CompatibleBackend speaks the OpenAI chat completions wire protocol over
// plain HTTP. It serves Gemini and local servers such as ollama or vllm.
type CompatibleBackend struct {
	usage
	endpoint string
	apiKey   string
	price    pricing
	client   *http.Client
	limiter  *rate.Limiter
}

// NewCompatibleBackend creates a backend for any OpenAI-compatible endpoint
func NewCompatibleBackend(model, endpoint, apiKey string, price pricing) *CompatibleBackend {
	return &CompatibleBackend{
		usage:    usage{model: model},
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		price:    price,
		client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// NewGeminiBackend creates a Gemini backend limited to one request per second
func NewGeminiBackend(model string, cfg config.ProviderConfig) (*CompatibleBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY not set")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = GeminiEndpoint
	}
	b := NewCompatibleBackend(model, endpoint, cfg.APIKey, geminiPricing)
	b.limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	return b, nil
}

func (b *CompatibleBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if b.endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured for model %s", b.model)
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var messages []ChatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	resp, err := b.createChatCompletion(ctx, &ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		b.recordFailure()
		return nil, err
	}
	if len(resp.Choices) == 0 {
		b.recordFailure()
		return nil, fmt.Errorf("no choices returned")
	}

	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	total := resp.Usage.TotalTokens
	if total == 0 {
		total = in + out
	}
	res := &CompletionResult{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		TokensUsed:   total,
		CostUSD:      b.price.cost(in, out),
		Model:        b.model,
		FinishReason: resp.Choices[0].Finish,
	}
	b.record(res)
	log.Printf("[Provider] %s completion: %d tokens, $%.4f", b.model, res.TokensUsed, res.CostUSD)
	return res, nil
}

func (b *CompatibleBackend) createChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	url := fmt.Sprintf("%s/chat/completions", b.endpoint)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", b.apiKey))
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	var completionResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completionResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &completionResp, nil
}
