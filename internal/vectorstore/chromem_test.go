package vectorstore_test

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/agentloop/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wordEmbedder hashes words into buckets so texts sharing words score higher.
type wordEmbedder struct {
	size int
}

func (e *wordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *wordEmbedder) vector(text string) []float32 {
	v := make([]float32, e.size)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(e.size)]++
	}
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}

func newTestChromemStore(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: 64,
	}, &wordEmbedder{size: 64}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewChromemStore_Validation(t *testing.T) {
	_, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{VectorSize: 8}, nil, nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)

	_, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, &wordEmbedder{size: 8}, nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{VectorSize: 8}, &wordEmbedder{size: 8}, nil)
	require.NoError(t, err, "empty path keeps the store in memory")
	assert.NotNil(t, store)
}

func TestChromemStore_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	ids, err := store.AddDocuments(ctx, []vectorstore.Document{
		{ID: "a", Collection: "documents", Content: "the capital of france is paris", Metadata: map[string]any{"created_at": int64(10)}},
		{ID: "b", Collection: "documents", Content: "two plus two equals four"},
		{ID: "c", Collection: "documents", Content: "cube root of 27 is 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	results, err := store.SearchInCollection(ctx, "documents", "what is two plus two", 10)
	require.NoError(t, err)
	require.Len(t, results, 3, "k is capped at the collection size")
	assert.Equal(t, "b", results[0].ID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	for _, r := range results {
		if r.ID == "a" {
			n, ok := r.MetadataInt64("created_at")
			assert.True(t, ok)
			assert.Equal(t, int64(10), n)
		}
	}
}

func TestChromemStore_UpsertSameID(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	doc := vectorstore.Document{ID: "same", Collection: "episodic", Content: "q a"}
	_, err := store.AddDocuments(ctx, []vectorstore.Document{doc})
	require.NoError(t, err)
	_, err = store.AddDocuments(ctx, []vectorstore.Document{doc})
	require.NoError(t, err)

	results, err := store.SearchInCollection(ctx, "episodic", "q", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemStore_HasDocument(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	ok, err := store.HasDocument(ctx, "episodic", "x")
	require.NoError(t, err)
	assert.False(t, ok, "missing collection")

	_, err = store.AddDocuments(ctx, []vectorstore.Document{{ID: "x", Collection: "episodic", Content: "hello"}})
	require.NoError(t, err)

	ok, err = store.HasDocument(ctx, "episodic", "x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasDocument(ctx, "episodic", "y")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChromemStore_SearchMissingCollection(t *testing.T) {
	store := newTestChromemStore(t)
	_, err := store.SearchInCollection(context.Background(), "nothing_here", "q", 3)
	assert.ErrorIs(t, err, vectorstore.ErrCollectionNotFound)
}

func TestChromemStore_SearchValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	_, err := store.SearchInCollection(ctx, "Bad-Name", "q", 3)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidCollectionName)

	_, err = store.SearchInCollection(ctx, "documents", "q", 0)
	assert.Error(t, err)

	_, err = store.SearchInCollection(ctx, "documents", "", 3)
	assert.Error(t, err)
}

func TestChromemStore_Collections(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	exists, err := store.CollectionExists(ctx, "documents")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.CreateCollection(ctx, "documents"))
	assert.ErrorIs(t, store.CreateCollection(ctx, "documents"), vectorstore.ErrCollectionExists)

	exists, err = store.CollectionExists(ctx, "documents")
	require.NoError(t, err)
	assert.True(t, exists)

	results, err := store.SearchInCollection(ctx, "documents", "q", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_AddDocumentsErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	_, err := store.AddDocuments(ctx, nil)
	assert.ErrorIs(t, err, vectorstore.ErrEmptyDocuments)

	_, err = store.AddDocuments(ctx, []vectorstore.Document{
		{ID: "1", Collection: "a", Content: "x"},
		{ID: "2", Collection: "b", Content: "y"},
	})
	assert.Error(t, err)

	_, err = store.AddDocuments(ctx, []vectorstore.Document{{Collection: "a", Content: "x"}})
	assert.Error(t, err)
}

func TestChromemStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := vectorstore.ChromemConfig{Path: dir, VectorSize: 32}

	store, err := vectorstore.NewChromemStore(cfg, &wordEmbedder{size: 32}, nil)
	require.NoError(t, err)
	_, err = store.AddDocuments(ctx, []vectorstore.Document{{ID: "p", Collection: "documents", Content: "persist me"}})
	require.NoError(t, err)

	reopened, err := vectorstore.NewChromemStore(cfg, &wordEmbedder{size: 32}, nil)
	require.NoError(t, err)
	ok, err := reopened.HasDocument(ctx, "documents", "p")
	require.NoError(t, err)
	assert.True(t, ok)
}
