package tools

import (
	"context"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
)

// DocumentSearcher is the slice of the memory gateway the search tool needs.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, query string, k int) ([]blackboard.Snippet, error)
}

type documentSearchInput struct {
	Query string `json:"query" jsonschema:"what to look for in the stored documents"`
	K     int    `json:"k,omitempty" jsonschema:"maximum number of passages, default 3"`
}

// DocumentHit is one passage returned by search_stored_documents.
type DocumentHit struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

type documentSearchOutput struct {
	Results []DocumentHit `json:"results"`
}

// DocumentSearchTool exposes the document tier as search_stored_documents.
func DocumentSearchTool(searcher DocumentSearcher) *Tool {
	t := MustFunc("search_stored_documents", "Search ingested documents for passages relevant to a query", CategoryMemory,
		func(ctx context.Context, in documentSearchInput) (documentSearchOutput, error) {
			k := in.K
			if k <= 0 {
				k = 3
			}
			snippets, err := searcher.SearchDocuments(ctx, in.Query, k)
			if err != nil {
				return documentSearchOutput{}, err
			}
			out := documentSearchOutput{Results: make([]DocumentHit, 0, len(snippets))}
			for _, s := range snippets {
				out.Results = append(out.Results, DocumentHit{Text: s.Text, Source: s.Source, Score: s.Score})
			}
			return out, nil
		})
	t.Keywords = []string{"documents", "retrieval", "knowledge"}
	return t
}

// RegisterBuiltins adds the math tools and, when searcher is non-nil, the
// document search tool.
func RegisterBuiltins(r *Registry, searcher DocumentSearcher) error {
	for _, t := range MathTools() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	if searcher != nil {
		return r.Register(DocumentSearchTool(searcher))
	}
	return nil
}
