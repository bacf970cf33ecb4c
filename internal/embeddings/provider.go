// Package embeddings turns text into vectors for the memory tiers.
package embeddings

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/agentloop/internal/config"
	"github.com/fyrsmithlabs/agentloop/internal/vectorstore"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is an Embedder with a known output size and releasable resources.
type Provider interface {
	vectorstore.Embedder
	Dimension() int
	Close() error
}

// NewProvider builds the provider named by cfg.Provider: "hash" (default),
// "tei" or "fastembed". dimension sizes the hash provider and overrides the
// TEI model lookup when positive.
func NewProvider(cfg config.EmbeddingsConfig, dimension int, logger *zap.Logger) (Provider, error) {
	metrics := NewMetrics(logger)
	switch cfg.Provider {
	case "hash", "":
		return NewHashProvider(dimension, metrics)
	case "tei":
		return NewTEIProvider(TEIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Dimension: dimension}, metrics)
	case "fastembed":
		cacheDir, err := config.ExpandHome(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		return NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cacheDir}, metrics)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// dimensionForModel guesses the output size from well-known model names.
func dimensionForModel(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "small-zh"):
		return 512
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384
	}
}
