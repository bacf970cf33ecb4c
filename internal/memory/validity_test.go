package memory

import (
	"strconv"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/vectorstore"
	"github.com/stretchr/testify/assert"
)

func TestWantsFresh(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"latest release notes", true},
		{"what is the current rate", true},
		{"weather today", true},
		{"What's NEW in Go", true},
		{"renew my license", false},
		{"news about the project", false},
		{"cube root of 27", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, WantsFresh(tt.query))
		})
	}
}

func TestValidity_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	hit := func(age time.Duration, source Source, confidence string) vectorstore.SearchResult {
		md := map[string]any{
			"created_at": strconv.FormatInt(now.Add(-age).UnixNano(), 10),
			"source":     string(source),
		}
		if confidence != "" {
			md["confidence"] = confidence
		}
		return vectorstore.SearchResult{ID: "e1", Metadata: md}
	}
	v := DefaultValidity()

	tests := []struct {
		name   string
		hit    vectorstore.SearchResult
		query  string
		valid  bool
		reason string
	}{
		{"fresh tool answer", hit(time.Minute, SourceTools, "0.95"), "2 + 2", true, ""},
		{"low confidence", hit(time.Minute, SourceTools, "0.5"), "2 + 2", false, "low confidence"},
		{"missing confidence", hit(time.Minute, SourceTools, ""), "2 + 2", false, "low confidence"},
		{"default ttl", hit(25*time.Hour, SourceModel, "1"), "2 + 2", false, "expired"},
		{"documents outlive default", hit(48*time.Hour, SourceDocuments, "1"), "install steps", true, ""},
		{"documents expire", hit(169*time.Hour, SourceDocuments, "1"), "install steps", false, "expired"},
		{"external expires quickly", hit(7*time.Hour, SourceExternal, "1"), "exchange rate", false, "expired"},
		{"freshness query within window", hit(30*time.Minute, SourceExternal, "1"), "current exchange rate", true, ""},
		{"freshness query past window", hit(2*time.Hour, SourceExternal, "1"), "current exchange rate", false, "stale for a freshness query"},
		{"no timestamp", vectorstore.SearchResult{ID: "e2"}, "2 + 2", false, "no timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := v.Valid(tt.hit, tt.query, now)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestValidity_ZeroConfidenceDisablesCheck(t *testing.T) {
	now := time.Now()
	v := Validity{}.withDefaults()
	hit := vectorstore.SearchResult{Metadata: map[string]any{"created_at": now.UnixNano()}}
	ok, _ := v.Valid(hit, "anything", now)
	assert.True(t, ok)
}
