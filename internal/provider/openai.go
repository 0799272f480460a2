package provider

import (
	"context"
	"fmt"
	"log"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rand/asc/pkg/config"
)

// OpenAIBackend calls the OpenAI Chat Completions API
type OpenAIBackend struct {
	usage
	client *openai.Client
	price  pricing
}

// NewOpenAIBackend creates a GPT/Codex backend
func NewOpenAIBackend(model string, cfg config.ProviderConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	client := openai.NewClient(opts...)
	return &OpenAIBackend{usage: usage{model: model}, client: &client, price: openAIPricing(model)}, nil
}

func (b *OpenAIBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               b.model,
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		b.recordFailure()
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		b.recordFailure()
		return nil, fmt.Errorf("openai api returned no choices")
	}

	in, out := int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)
	res := &CompletionResult{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		TokensUsed:   int(resp.Usage.TotalTokens),
		CostUSD:      b.price.cost(in, out),
		Model:        b.model,
		FinishReason: resp.Choices[0].FinishReason,
	}
	b.record(res)
	log.Printf("[Provider] OpenAI completion: %d tokens, $%.4f", res.TokensUsed, res.CostUSD)
	return res, nil
}
