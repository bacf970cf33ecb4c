package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
)

// ContentHash is the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EpisodeID derives the episodic record key from a (query, answer) pair.
func EpisodeID(query, answer string) string {
	return ContentHash(query + "\x00" + answer)
}

// Merge deduplicates snippets by content hash keeping the better-scored (then
// newer) copy, orders by descending score with newer snippets first on ties,
// and keeps at most k.
func Merge(snippets []blackboard.Snippet, k int) []blackboard.Snippet {
	best := make(map[string]int, len(snippets))
	out := make([]blackboard.Snippet, 0, len(snippets))
	for _, s := range snippets {
		h := ContentHash(s.Text)
		i, seen := best[h]
		if !seen {
			best[h] = len(out)
			out = append(out, s)
			continue
		}
		if outranks(s, out[i]) {
			out[i] = s
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return outranks(out[i], out[j]) })

	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func outranks(a, b blackboard.Snippet) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
