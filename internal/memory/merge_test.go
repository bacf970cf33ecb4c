package memory

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/stretchr/testify/assert"
)

func TestMerge(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	in := []blackboard.Snippet{
		{Tier: blackboard.TierDocument, Text: "paris", Score: 0.4, CreatedAt: t0},
		{Tier: blackboard.TierEpisodic, Text: "Q: 2+2\nA: 4", Score: 0.9, CreatedAt: t0},
		{Tier: blackboard.TierSession, Text: "user: hello", Score: 0.7, CreatedAt: t0},
		{Tier: blackboard.TierSession, Text: "user: newer", Score: 0.7, CreatedAt: t1},
		{Tier: blackboard.TierDocument, Text: "paris", Score: 0.6, CreatedAt: t0},
	}

	out := Merge(in, 10)
	texts := make([]string, len(out))
	for i, s := range out {
		texts[i] = s.Text
	}
	assert.Equal(t, []string{"Q: 2+2\nA: 4", "user: newer", "user: hello", "paris"}, texts)
	assert.Equal(t, 0.6, out[3].Score, "duplicate keeps the best score")

	assert.Len(t, Merge(in, 2), 2)
	assert.Empty(t, Merge(nil, 3))
	assert.Empty(t, Merge(in, 0))
}

func TestEpisodeID(t *testing.T) {
	a := EpisodeID("2 + 2", "4")
	assert.Len(t, a, 64)
	assert.Equal(t, a, EpisodeID("2 + 2", "4"))
	assert.NotEqual(t, a, EpisodeID("2 + 24", ""), "separator prevents boundary collisions")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 2}))
}

func TestChunk(t *testing.T) {
	text := "First paragraph\nwraps here.\r\n\r\nSecond one.\n\n\n   \n\nThird."
	assert.Equal(t, []string{"First paragraph wraps here.", "Second one.", "Third."}, Chunk(text))
	assert.Empty(t, Chunk("  \n\n "))

	long := ""
	for i := 0; i < 200; i++ {
		long += "This is a sentence. "
	}
	chunks := Chunk(long)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), maxChunkRunes)
	}
}
