// Package llm wraps the text-completion backends used by the perception and
// decision stages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/agentloop/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when the backend answers with no text.
var ErrEmptyResponse = errors.New("empty model response")

// Prompt is one completion request.
type Prompt struct {
	System string
	User   string
	// JSON asks the backend for a JSON-only response where supported.
	JSON bool
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// New builds the configured backend wrapped in rate limiting and retries.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Completer, error) {
	var (
		base Completer
		err  error
	)
	switch strings.ToLower(cfg.Provider) {
	case "gemini", "":
		base, err = NewGemini(ctx, GeminiConfig{
			APIKey:      cfg.APIKey.Value(),
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
		})
	case "openai":
		base, err = NewOpenAI(OpenAIConfig{
			APIKey:      cfg.APIKey.Value(),
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (supported: gemini, openai)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	return NewResilient(base, ResilientConfig{
		Limiter:      rate.NewLimiter(limit, 1),
		MaxRetries:   uint(max(cfg.MaxRetries, 0)),
		InitialDelay: cfg.RetryInitialDelay.Duration(),
	}, logger), nil
}
