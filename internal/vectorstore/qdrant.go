package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("agentloop.vectorstore.qdrant")

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string
	Port   int // gRPC port, 6334 by default
	UseTLS bool

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64

	// MaxRetries bounds retries of transient gRPC failures.
	MaxRetries uint

	// MaxMessageSize caps gRPC message size in bytes.
	MaxMessageSize int
}

// ApplyDefaults fills unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate checks required fields.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

// PointID maps an arbitrary document id onto the UUID space Qdrant requires.
// The original id is kept in the "id" payload field.
func PointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// QdrantStore implements Store over Qdrant's native gRPC API.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	embed  Embedder
	logger *zap.Logger
}

// NewQdrantStore connects and health-checks the server.
func NewQdrantStore(ctx context.Context, config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return &QdrantStore{client: client, config: config, embed: embedder, logger: logger}, nil
}

func retry[T any](ctx context.Context, s *QdrantStore, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransientError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.config.MaxRetries+1),
	)
}

// AddDocuments embeds and upserts docs, creating the collection if needed.
func (s *QdrantStore) AddDocuments(ctx context.Context, docs []Document) (ids []string, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.AddDocuments")
	defer span.End()
	defer func(start time.Time) { observe("qdrant", "add", start, err) }(time.Now())

	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}
	name := docs[0].Collection
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("collection", name), attribute.Int("document_count", len(docs)))

	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := s.CreateCollection(ctx, name); err != nil {
			return nil, err
		}
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		if d.Collection != name {
			return nil, fmt.Errorf("document %d targets %q but batch targets %q", i, d.Collection, name)
		}
		texts[i] = d.Content
	}
	embeddings, err := s.embed.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	ids = make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(d.ID)),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: toPayload(d),
		}
	}

	_, err = retry(ctx, s, func() (*qdrant.UpdateResult, error) {
		return s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: name, Points: points})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upserting into %s: %w", name, err)
	}
	return ids, nil
}

// SearchInCollection embeds query and runs a cosine nearest-neighbor query.
func (s *QdrantStore) SearchInCollection(ctx context.Context, name, query string, k int) (out []SearchResult, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.SearchInCollection")
	defer span.End()
	defer func(start time.Time) { observe("qdrant", "search", start, err) }(time.Now())

	span.SetAttributes(attribute.String("collection", name), attribute.Int("k", k))

	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCollectionNotFound
	}

	vector, err := s.embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	points, err := retry(ctx, s, func() ([]*qdrant.ScoredPoint, error) {
		return s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching %s: %w", name, err)
	}

	out = make([]SearchResult, len(points))
	for i, p := range points {
		out[i] = fromPayload(p.Payload)
		out[i].Score = p.Score
	}
	return out, nil
}

// HasDocument fetches the point for id without its vector.
func (s *QdrantStore) HasDocument(ctx context.Context, name, id string) (bool, error) {
	exists, err := s.CollectionExists(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	points, err := retry(ctx, s, func() ([]*qdrant.RetrievedPoint, error) {
		return s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: name,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(id))},
		})
	})
	if err != nil {
		return false, fmt.Errorf("getting point from %s: %w", name, err)
	}
	return len(points) > 0, nil
}

// CreateCollection creates a cosine collection of the configured vector size.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	_, err := retry(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
			return ErrCollectionExists
		}
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	s.logger.Info("created qdrant collection", zap.String("collection", name))
	return nil
}

// CollectionExists asks the server.
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	exists, err := retry(ctx, s, func() (bool, error) {
		return s.client.CollectionExists(ctx, name)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return exists, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func toPayload(d Document) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		"content": qdrant.NewValueString(d.Content),
		"id":      qdrant.NewValueString(d.ID),
	}
	for k, v := range d.Metadata {
		switch val := v.(type) {
		case string:
			payload[k] = qdrant.NewValueString(val)
		case int:
			payload[k] = qdrant.NewValueInt(int64(val))
		case int64:
			payload[k] = qdrant.NewValueInt(val)
		case float64:
			payload[k] = qdrant.NewValueDouble(val)
		case bool:
			payload[k] = qdrant.NewValueBool(val)
		default:
			payload[k] = qdrant.NewValueString(fmt.Sprint(val))
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) SearchResult {
	r := SearchResult{Metadata: make(map[string]any, len(payload))}
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			r.Metadata[k] = val.StringValue
			switch k {
			case "content":
				r.Content = val.StringValue
			case "id":
				r.ID = val.StringValue
			}
		case *qdrant.Value_IntegerValue:
			r.Metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			r.Metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			r.Metadata[k] = val.BoolValue
		}
	}
	return r
}

var _ Store = (*QdrantStore)(nil)
