// Package secrets redacts credentials from text before it is persisted to
// memory. Detection runs the gitleaks default ruleset plus a small table of
// extra rules for shapes gitleaks leaves alone, such as DSNs with passwords.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Rule detects one kind of secret. When Keywords is non-empty the rule only
// runs on text containing at least one of them (case-insensitive).
type Rule struct {
	ID       string
	Pattern  string
	Keywords []string
}

// Finding locates a redacted secret in the input. RuleID is a gitleaks rule
// id or the ID of an extra Rule. The matched value is never retained.
type Finding struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// Scrubber is safe for concurrent use.
type Scrubber struct {
	rules       []compiledRule
	allow       []*regexp.Regexp
	replacement string

	mu       sync.Mutex
	detector *detect.Detector
	gitleaks bool
}

// Option customizes a Scrubber.
type Option func(*Scrubber) error

// WithAllowList skips matches that match any of patterns.
func WithAllowList(patterns ...string) Option {
	return func(s *Scrubber) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("allow list pattern %q: %w", p, err)
			}
			s.allow = append(s.allow, re)
		}
		return nil
	}
}

// WithReplacement sets the text substituted for secrets.
func WithReplacement(r string) Option {
	return func(s *Scrubber) error {
		if r == "" {
			return fmt.Errorf("replacement cannot be empty")
		}
		s.replacement = r
		return nil
	}
}

// WithoutGitleaks limits detection to the extra rules.
func WithoutGitleaks() Option {
	return func(s *Scrubber) error {
		s.gitleaks = false
		return nil
	}
}

// New compiles the extra rules and loads the gitleaks default config. A nil
// rules slice means DefaultRules.
func New(rules []Rule, opts ...Option) (*Scrubber, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scrubber{replacement: DefaultRedaction, gitleaks: true}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		s.rules = append(s.rules, cr)
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.gitleaks {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("loading gitleaks config: %w", err)
		}
		s.detector = d
	}
	return s, nil
}

// Scrub returns text with every detected secret replaced, and where they were.
func (s *Scrubber) Scrub(text string) (string, []Finding) {
	found := s.detect(text)
	for _, r := range s.rules {
		if !r.applies(text) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			found = append(found, Finding{RuleID: r.id, Start: m[0], End: m[1]})
		}
	}
	if len(found) == 0 {
		return text, nil
	}
	return s.apply(text, found), found
}

// detect runs gitleaks and locates every occurrence of each secret it
// reports. Column data is not used; the secret itself is searched for.
func (s *Scrubber) detect(text string) []Finding {
	if s.detector == nil {
		return nil
	}
	s.mu.Lock()
	results := s.detector.DetectString(text)
	s.mu.Unlock()

	var found []Finding
	seen := make(map[[2]int]bool)
	for _, f := range results {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || s.allowed(secret) {
			continue
		}
		for from := 0; ; {
			i := strings.Index(text[from:], secret)
			if i < 0 {
				break
			}
			span := [2]int{from + i, from + i + len(secret)}
			if !seen[span] {
				seen[span] = true
				found = append(found, Finding{RuleID: f.RuleID, Start: span[0], End: span[1]})
			}
			from = span[1]
		}
	}
	return found
}

// Redact is Scrub without the findings.
func (s *Scrubber) Redact(text string) string {
	out, _ := s.Scrub(text)
	return out
}

func (r compiledRule) applies(text string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(text) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// apply replaces the union of the finding spans, overlapping spans merged.
func (s *Scrubber) apply(text string, found []Finding) string {
	spans := make([][2]int, len(found))
	for i, f := range found {
		spans[i] = [2]int{f.Start, f.End}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp[0] <= last[1] {
			last[1] = max(last[1], sp[1])
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(text))
	prev := 0
	for _, sp := range merged {
		out = append(out, text[prev:sp[0]]...)
		out = append(out, s.replacement...)
		prev = sp[1]
	}
	out = append(out, text[prev:]...)
	return string(out)
}
