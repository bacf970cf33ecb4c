package llm

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ResilientConfig tunes rate limiting and retries.
type ResilientConfig struct {
	Limiter      *rate.Limiter
	MaxRetries   uint
	InitialDelay time.Duration
}

// Resilient rate-limits calls and retries rate-limit and server errors with
// jittered exponential backoff.
type Resilient struct {
	next   Completer
	cfg    ResilientConfig
	logger *zap.Logger
}

// NewResilient wraps next.
func NewResilient(next Completer, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{next: next, cfg: cfg, logger: logger}
}

func (r *Resilient) Complete(ctx context.Context, p Prompt) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialDelay
	b.MaxInterval = 20 * r.cfg.InitialDelay

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		if err := r.cfg.Limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
		out, err := r.next.Complete(ctx, p)
		if err != nil && !Retryable(err) {
			return "", backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("model call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
}

// Retryable reports whether err looks like a rate limit or a transient server error.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return transientMessage.MatchString(err.Error())
}

// transientMessage matches status codes and provider phrases in client
// errors that carry no typed status, such as "API returned unexpected status
// code: 503". Codes must stand alone so token counts like 1500 do not match.
var transientMessage = regexp.MustCompile(`(?i)\b(?:429|500|502|503|504)\b|resource_exhausted|rate limit|too many requests|\bunavailable\b|\boverloaded\b`)
