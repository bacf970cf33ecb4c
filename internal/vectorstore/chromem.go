package vectorstore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("agentloop.vectorstore.chromem")

// ChromemConfig configures the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress enables gzip for persisted files.
	Compress bool

	// VectorSize must match the embedder's output dimension.
	VectorSize int
}

// ChromemStore implements Store on an embedded chromem-go database.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger
}

// NewChromemStore opens (or creates) the database described by config.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if config.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{db: db, embedder: embedder, config: config, logger: logger}, nil
}

// embeddingFunc must always be passed to chromem; with nil it falls back to OpenAI.
func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// AddDocuments embeds docs in one batch and upserts them.
func (s *ChromemStore) AddDocuments(ctx context.Context, docs []Document) (ids []string, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.AddDocuments")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "add", start, err) }(time.Now())

	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}
	name := docs[0].Collection
	for i, d := range docs {
		if d.Collection != name {
			return nil, fmt.Errorf("document %d targets %q but batch targets %q", i, d.Collection, name)
		}
		if d.ID == "" {
			return nil, fmt.Errorf("document %d has no id", i)
		}
	}
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("collection", name), attribute.Int("document_count", len(docs)))

	collection, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", name, err)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	ids = make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  metadataToStrings(d.Metadata),
			Embedding: embeddings[i],
		}
	}

	// Concurrency 1: embeddings are already computed.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug("added documents to chromem",
		zap.String("collection", name),
		zap.Int("count", len(docs)),
	)
	return ids, nil
}

// SearchInCollection runs an exact cosine query against collection.
func (s *ChromemStore) SearchInCollection(ctx context.Context, name, query string, k int) (out []SearchResult, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.SearchInCollection")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "search", start, err) }(time.Now())

	span.SetAttributes(attribute.String("collection", name), attribute.Int("k", k))

	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	collection := s.db.GetCollection(name, s.embeddingFunc())
	if collection == nil {
		return nil, ErrCollectionNotFound
	}

	// chromem rejects nResults above the document count.
	count := collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	k = min(k, count)

	results, err := collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	out = make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: metadataFromStrings(r.Metadata),
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// HasDocument looks id up directly.
func (s *ChromemStore) HasDocument(ctx context.Context, name, id string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	collection := s.db.GetCollection(name, s.embeddingFunc())
	if collection == nil {
		return false, nil
	}
	// GetByID errors only when the id is absent.
	if _, err := collection.GetByID(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}

// CreateCollection creates an empty collection.
func (s *ChromemStore) CreateCollection(_ context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if s.db.GetCollection(name, s.embeddingFunc()) != nil {
		return ErrCollectionExists
	}
	if _, err := s.db.CreateCollection(name, nil, s.embeddingFunc()); err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	s.logger.Info("created chromem collection", zap.String("collection", name))
	return nil
}

// CollectionExists reports whether name has been created.
func (s *ChromemStore) CollectionExists(_ context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	return s.db.GetCollection(name, s.embeddingFunc()) != nil, nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

func metadataToStrings(metadata map[string]any) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func metadataFromStrings(metadata map[string]string) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

var _ Store = (*ChromemStore)(nil)
