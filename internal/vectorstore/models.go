package vectorstore

import (
	"fmt"
	"strconv"
)

// Document is a piece of text to embed and store.
type Document struct {
	ID         string
	Content    string
	Metadata   map[string]any
	Collection string
}

// SearchResult is one hit from a similarity query.
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]any
}

// MetadataString returns the metadata value for key rendered as a string.
func (r SearchResult) MetadataString(key string) string {
	v, ok := r.Metadata[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// MetadataInt64 returns the metadata value for key as an int64. Backends that
// only store strings are parsed.
func (r SearchResult) MetadataInt64(key string) (int64, bool) {
	switch v := r.Metadata[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}
