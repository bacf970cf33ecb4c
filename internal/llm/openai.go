package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures any OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
}

// OpenAI calls the chat completions API through langchaingo.
type OpenAI struct {
	model       llms.Model
	temperature float64
}

// NewOpenAI creates the client. Local servers without auth get a placeholder token.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return &OpenAI{model: model, temperature: cfg.Temperature}, nil
}

func (o *OpenAI) Complete(ctx context.Context, p Prompt) (string, error) {
	var msgs []llms.MessageContent
	if p.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	}
	user := p.User
	if p.JSON {
		user += "\n\nRespond with a single JSON object and nothing else."
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, user))

	resp, err := o.model.GenerateContent(ctx, msgs, llms.WithTemperature(o.temperature))
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
