// Package vectorstore stores embedded text in named collections and answers
// nearest-neighbor queries against them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when creating an existing collection.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates an empty batch.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrConnectionFailed indicates the backing service is unreachable.
	ErrConnectionFailed = errors.New("vector store connection failed")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName accepts lowercase letters, digits and underscores, 1-64 chars.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the nearest-neighbor index used by the episodic and document
// memory tiers. Writes are upserts keyed by document id, so adding the same
// document twice leaves a single record.
type Store interface {
	// AddDocuments embeds and stores docs. All docs must target the same
	// collection, which is created on demand.
	AddDocuments(ctx context.Context, docs []Document) ([]string, error)

	// SearchInCollection returns up to k results ordered by descending score.
	// A missing collection yields ErrCollectionNotFound.
	SearchInCollection(ctx context.Context, collection, query string, k int) ([]SearchResult, error)

	// HasDocument reports whether id is stored in collection.
	HasDocument(ctx context.Context, collection, id string) (bool, error)

	CreateCollection(ctx context.Context, collection string) error
	CollectionExists(ctx context.Context, collection string) (bool, error)
	Close() error
}
