package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"
)

// HashProvider embeds text by feature hashing lowercase word unigrams and
// bigrams into a fixed number of buckets. It needs no model download and is
// deterministic, which makes it the default for local runs and tests.
type HashProvider struct {
	dimension int
	metrics   *Metrics
}

// NewHashProvider returns a provider producing unit vectors of size dimension.
func NewHashProvider(dimension int, metrics *Metrics) (*HashProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return &HashProvider{dimension: dimension, metrics: metrics}, nil
}

// EmbedDocuments embeds each text independently.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	if len(texts) == 0 {
		err := fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		p.metrics.Record(ctx, "hash", "embed_documents", time.Since(start), 0, err)
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	p.metrics.Record(ctx, "hash", "embed_documents", time.Since(start), len(texts), nil)
	return out, nil
}

// EmbedQuery embeds a single text.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	if text == "" {
		err := fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		p.metrics.Record(ctx, "hash", "embed_query", time.Since(start), 0, err)
		return nil, err
	}
	v := p.vector(text)
	p.metrics.Record(ctx, "hash", "embed_query", time.Since(start), 1, nil)
	return v, nil
}

func (p *HashProvider) vector(text string) []float32 {
	v := make([]float32, p.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	add := func(feature string, weight float32) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		// The top bit picks the sign so collisions tend to cancel.
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		v[sum%uint64(p.dimension)] += sign * weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Dimension returns the vector size.
func (p *HashProvider) Dimension() int { return p.dimension }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }
