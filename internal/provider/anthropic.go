package provider

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rand/asc/pkg/config"
)

// AnthropicBackend calls the Anthropic Messages API
type AnthropicBackend struct {
	usage
	client *anthropic.Client
}

// NewAnthropicBackend creates a Claude backend. An empty endpoint uses the
// public API.
func NewAnthropicBackend(model string, cfg config.ProviderConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("CLAUDE_API_KEY not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	// Retries are handled by WithRetry
	opts = append(opts, option.WithMaxRetries(0))
	client := anthropic.NewClient(opts...)
	return &AnthropicBackend{usage: usage{model: model}, client: &client}, nil
}

func (b *AnthropicBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(b.model),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		b.recordFailure()
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	res := &CompletionResult{
		Content:      sb.String(),
		InputTokens:  in,
		OutputTokens: out,
		TokensUsed:   in + out,
		CostUSD:      claudePricing.cost(in, out),
		Model:        b.model,
		FinishReason: string(resp.StopReason),
	}
	b.record(res)
	log.Printf("[Provider] Claude completion: %d tokens, $%.4f", res.TokensUsed, res.CostUSD)
	return res, nil
}
