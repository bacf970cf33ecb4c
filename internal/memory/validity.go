package memory

import (
	"regexp"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/vectorstore"
)

// Source says where a committed answer came from. It selects how long the
// episode stays reusable.
type Source string

const (
	SourceDocuments Source = "documents"
	SourceExternal  Source = "external"
	SourceTools     Source = "tools"
	SourceModel     Source = "model"
)

// Provenance is stored with every episode.
type Provenance struct {
	Source     Source
	Confidence float64
}

// Validity decides whether a stored episode may be handed back to a run.
type Validity struct {
	// MinConfidence rejects episodes committed below it. Zero disables the check.
	MinConfidence float64
	// TTL bounds episode age per source; sources not listed use DefaultTTL.
	TTL        map[Source]time.Duration
	DefaultTTL time.Duration
	// FreshWindow bounds episode age when the query asks for current information.
	FreshWindow time.Duration
}

// DefaultValidity keeps document answers for a week, external tool answers
// for six hours and everything else for a day.
func DefaultValidity() Validity {
	return Validity{
		MinConfidence: 0.9,
		TTL: map[Source]time.Duration{
			SourceDocuments: 168 * time.Hour,
			SourceExternal:  6 * time.Hour,
		},
		DefaultTTL:  24 * time.Hour,
		FreshWindow: time.Hour,
	}
}

func (v Validity) withDefaults() Validity {
	d := DefaultValidity()
	if v.TTL == nil {
		v.TTL = d.TTL
	}
	if v.DefaultTTL <= 0 {
		v.DefaultTTL = d.DefaultTTL
	}
	if v.FreshWindow <= 0 {
		v.FreshWindow = d.FreshWindow
	}
	return v
}

var freshnessWords = regexp.MustCompile(`(?i)\b(?:current|currently|latest|now|today|updated|recent|recently|new)\b`)

// WantsFresh reports whether query asks for current information.
func WantsFresh(query string) bool {
	return freshnessWords.MatchString(query)
}

// Valid reports whether an episode hit may be reused for query at now, and
// why not when it may not.
func (v Validity) Valid(hit vectorstore.SearchResult, query string, now time.Time) (bool, string) {
	ns, ok := hit.MetadataInt64("created_at")
	if !ok {
		return false, "no timestamp"
	}
	age := now.Sub(time.Unix(0, ns))

	if v.MinConfidence > 0 {
		c, err := strconv.ParseFloat(hit.MetadataString("confidence"), 64)
		if err != nil || c < v.MinConfidence {
			return false, "low confidence"
		}
	}

	ttl, ok := v.TTL[Source(hit.MetadataString("source"))]
	if !ok {
		ttl = v.DefaultTTL
	}
	if age > ttl {
		return false, "expired"
	}
	if age > v.FreshWindow && WantsFresh(query) {
		return false, "stale for a freshness query"
	}
	return true, ""
}
