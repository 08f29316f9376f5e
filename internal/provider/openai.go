package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/config"
	"github.com/sokinpui/patchloop/internal/logging"
)

// APIKeyEnv is consulted when the configuration carries no key.
const APIKeyEnv = "OPENAI_API_KEY"

// OpenAI asks a chat completion endpoint for a diff.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *logging.Logger
}

// NewOpenAI creates a client for any OpenAI compatible endpoint.
func NewOpenAI(cfg config.Provider, logger *logging.Logger) (*OpenAI, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	key := cfg.APIKey.Value()
	if key == "" {
		key = os.Getenv(APIKeyEnv)
	}
	if key == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("no API key: set provider.api_key or %s", APIKeyEnv)
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.Named("openai"),
	}, nil
}

func (o *OpenAI) GenerateDiff(ctx context.Context, objective, planContext string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: Prompt(objective, planContext)},
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}

	o.logger.Debug(ctx, "requesting diff", zap.String("model", o.model))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	o.logger.Debug(ctx, "received reply",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return extract(resp.Choices[0].Message.Content)
}
