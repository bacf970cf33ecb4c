// Package memory routes reads and writes across the session, episodic and
// document memory tiers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("agentloop.memory")

const (
	// DefaultEpisodicCollection holds committed (query, answer) pairs.
	DefaultEpisodicCollection = "episodic"

	// DefaultDocumentCollection holds ingested document chunks.
	DefaultDocumentCollection = "documents"

	// sessionWindow is how many recent turns are scored for relevance.
	sessionWindow = 20
)

// Config names the collections used by the vector tiers.
type Config struct {
	EpisodicCollection string
	DocumentCollection string
	// Redactor, when set, scrubs every text before it is persisted.
	Redactor Redactor
	// Validity filters episodic hits at retrieval. Zero durations take the
	// DefaultValidity values.
	Validity Validity
}

// Redactor removes secrets from text.
type Redactor interface {
	Redact(text string) string
}

// Gateway is the single entry point to memory for the coordinator. It is
// safe for concurrent use by many runs.
type Gateway struct {
	sessions SessionStore
	store    vectorstore.Store
	embedder vectorstore.Embedder
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewGateway wires the tiers together.
func NewGateway(sessions SessionStore, store vectorstore.Store, embedder vectorstore.Embedder, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if sessions == nil || store == nil || embedder == nil {
		return nil, fmt.Errorf("session store, vector store and embedder are required")
	}
	if cfg.EpisodicCollection == "" {
		cfg.EpisodicCollection = DefaultEpisodicCollection
	}
	if cfg.DocumentCollection == "" {
		cfg.DocumentCollection = DefaultDocumentCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Validity = cfg.Validity.withDefaults()
	return &Gateway{
		sessions: sessions,
		store:    store,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// WriteSessionTurn appends turn to the session log. An empty session id is a no-op.
func (g *Gateway) WriteSessionTurn(ctx context.Context, sessionID string, turn blackboard.Turn) error {
	if sessionID == "" {
		return nil
	}
	if turn.Time.IsZero() {
		turn.Time = g.now()
	}
	turn.Text = g.redact(turn.Text)
	if err := g.sessions.Append(ctx, sessionID, turn); err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// RetrieveContext queries the three tiers concurrently and merges the hits.
// A failing tier contributes nothing; the surviving snippets are returned
// together with an error wrapping ErrStorageUnavailable.
func (g *Gateway) RetrieveContext(ctx context.Context, query, sessionID string, k int) ([]blackboard.Snippet, error) {
	ctx, span := tracer.Start(ctx, "Gateway.RetrieveContext")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 || strings.TrimSpace(query) == "" {
		return []blackboard.Snippet{}, nil
	}

	type tierResult struct {
		snippets []blackboard.Snippet
		err      error
	}
	tiers := []blackboard.Tier{blackboard.TierSession, blackboard.TierEpisodic, blackboard.TierDocument}
	results := make([]tierResult, len(tiers))

	var eg errgroup.Group
	for i, tier := range tiers {
		eg.Go(func() error {
			var r tierResult
			switch tier {
			case blackboard.TierSession:
				r.snippets, r.err = g.searchSession(ctx, query, sessionID, k)
			case blackboard.TierEpisodic:
				r.snippets, r.err = g.searchCollection(ctx, g.config.EpisodicCollection, tier, query, k)
			case blackboard.TierDocument:
				r.snippets, r.err = g.searchCollection(ctx, g.config.DocumentCollection, tier, query, k)
			}
			results[i] = r
			return nil
		})
	}
	_ = eg.Wait()

	var (
		all  []blackboard.Snippet
		errs []error
	)
	for i, r := range results {
		if r.err != nil {
			RetrievalFailures.WithLabelValues(string(tiers[i])).Inc()
			g.logger.Warn("memory tier unavailable",
				zap.String("tier", string(tiers[i])),
				zap.Error(r.err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", tiers[i], r.err))
			continue
		}
		all = append(all, r.snippets...)
	}

	merged := Merge(all, k)
	span.SetAttributes(attribute.Int("results", len(merged)))
	if len(errs) > 0 {
		span.RecordError(errors.Join(errs...))
		return merged, fmt.Errorf("%w: %w", ErrStorageUnavailable, errors.Join(errs...))
	}
	return merged, nil
}

func (g *Gateway) searchSession(ctx context.Context, query, sessionID string, k int) ([]blackboard.Snippet, error) {
	if sessionID == "" {
		return nil, nil
	}
	turns, err := g.sessions.Recent(ctx, sessionID, sessionWindow)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}

	texts := make([]string, 0, len(turns))
	kept := make([]blackboard.Turn, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		texts = append(texts, t.Text)
		kept = append(kept, t)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	qv, err := g.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	tv, err := g.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding turns: %w", err)
	}

	out := make([]blackboard.Snippet, len(kept))
	for i, t := range kept {
		out[i] = blackboard.Snippet{
			Tier:      blackboard.TierSession,
			Text:      fmt.Sprintf("%s: %s", t.Role, t.Text),
			Score:     cosine(qv, tv[i]),
			Source:    sessionID,
			CreatedAt: t.Time,
		}
	}
	return Merge(out, k), nil
}

func (g *Gateway) searchCollection(ctx context.Context, collection string, tier blackboard.Tier, query string, k int) ([]blackboard.Snippet, error) {
	hits, err := g.store.SearchInCollection(ctx, collection, query, k)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]blackboard.Snippet, 0, len(hits))
	now := g.now()
	for _, h := range hits {
		if tier == blackboard.TierEpisodic {
			if ok, reason := g.config.Validity.Valid(h, query, now); !ok {
				g.logger.Debug("episode rejected", zap.String("id", h.ID), zap.String("reason", reason))
				continue
			}
		}
		s := blackboard.Snippet{
			Tier:   tier,
			Text:   h.Content,
			Score:  float64(h.Score),
			Source: h.ID,
		}
		if ns, ok := h.MetadataInt64("created_at"); ok {
			s.CreatedAt = time.Unix(0, ns)
		}
		if doc := h.MetadataString("doc_id"); doc != "" {
			s.Source = doc
		}
		out = append(out, s)
	}
	return out, nil
}

// CommitEpisodic stores a successful (query, answer) pair with its
// provenance. Committing the same pair again is a no-op reported as
// committed=false.
func (g *Gateway) CommitEpisodic(ctx context.Context, query, answer string, prov Provenance) (committed bool, err error) {
	ctx, span := tracer.Start(ctx, "Gateway.CommitEpisodic")
	defer span.End()
	defer func() {
		switch {
		case err != nil:
			EpisodicCommits.WithLabelValues("error").Inc()
			span.RecordError(err)
		case committed:
			EpisodicCommits.WithLabelValues("committed").Inc()
		default:
			EpisodicCommits.WithLabelValues("duplicate").Inc()
		}
	}()

	query, answer = g.redact(query), g.redact(answer)
	id := EpisodeID(query, answer)
	span.SetAttributes(attribute.String("episode.id", id))

	exists, err := g.store.HasDocument(ctx, g.config.EpisodicCollection, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if exists {
		g.logger.Debug("episode already committed", zap.String("id", id))
		return false, nil
	}

	_, err = g.store.AddDocuments(ctx, []vectorstore.Document{{
		ID:         id,
		Collection: g.config.EpisodicCollection,
		Content:    FormatEpisode(query, answer),
		Metadata: map[string]any{
			"query":      query,
			"answer":     answer,
			"created_at": g.now().UnixNano(),
			"source":     string(prov.Source),
			"confidence": prov.Confidence,
		},
	}})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	g.logger.Info("episode committed", zap.String("id", id))
	return true, nil
}

func (g *Gateway) redact(text string) string {
	if g.config.Redactor == nil {
		return text
	}
	return g.config.Redactor.Redact(text)
}

// FormatEpisode renders an episode as stored and retrieved.
func FormatEpisode(query, answer string) string {
	return "Q: " + query + "\nA: " + answer
}

// SearchDocuments queries only the document tier.
func (g *Gateway) SearchDocuments(ctx context.Context, query string, k int) ([]blackboard.Snippet, error) {
	snippets, err := g.searchCollection(ctx, g.config.DocumentCollection, blackboard.TierDocument, query, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return Merge(snippets, k), nil
}
