package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/agentloop/internal/vectorstore"
)

// maxChunkRunes caps a chunk; longer paragraphs are split on sentence ends.
const maxChunkRunes = 1200

// Ingest splits text into paragraph chunks and stores them in the document
// tier under docID. Re-ingesting the same document overwrites its chunks.
func (g *Gateway) Ingest(ctx context.Context, docID, text string) (int, error) {
	if docID == "" {
		return 0, fmt.Errorf("document id cannot be empty")
	}
	chunks := Chunk(g.redact(text))
	if len(chunks) == 0 {
		return 0, nil
	}

	created := g.now().UnixNano()
	docs := make([]vectorstore.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = vectorstore.Document{
			ID:         fmt.Sprintf("%s#%d", docID, i),
			Collection: g.config.DocumentCollection,
			Content:    c,
			Metadata: map[string]any{
				"doc_id":     docID,
				"chunk":      i,
				"created_at": created,
			},
		}
	}
	if _, err := g.store.AddDocuments(ctx, docs); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return len(docs), nil
}

// Chunk splits text on blank lines and breaks oversized paragraphs at
// sentence boundaries.
func Chunk(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		out = append(out, splitLong(para)...)
	}
	return out
}

func splitLong(para string) []string {
	if len([]rune(para)) <= maxChunkRunes {
		return []string{para}
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, sentence := range strings.SplitAfter(para, ". ") {
		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(sentence)) > maxChunkRunes {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		cur.WriteString(sentence)
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
