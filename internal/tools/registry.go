// Package tools holds the capability table the decision stage plans against
// and the executor invokes.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"
)

var (
	// ErrUnknownTool is returned for a name that is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidParams is returned when params do not match the tool's input schema.
	ErrInvalidParams = errors.New("invalid tool params")

	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Category groups tools for listing and search.
type Category string

const (
	CategoryMath     Category = "math"
	CategoryMemory   Category = "memory"
	CategoryExternal Category = "external"
)

// InvokeFunc runs a tool against already validated params.
type InvokeFunc func(ctx context.Context, params map[string]any) (any, error)

// Tool is one entry of the capability table.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Category    Category           `json:"category"`
	Keywords    []string           `json:"keywords,omitempty"`
	Params      []string           `json:"params"`
	Input       *jsonschema.Schema `json:"input_schema,omitempty"`
	Output      *jsonschema.Schema `json:"output_schema,omitempty"`

	invoke   InvokeFunc
	resolved *jsonschema.Resolved
}

// SearchResult is a tool match with a relevance score (3 exact, 2 name, 1 description or keyword).
type SearchResult struct {
	Tool        *Tool  `json:"tool"`
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	metrics *Metrics
	logger  *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		metrics: NewMetrics(logger),
		logger:  logger,
	}
}

// Register adds t. The input schema, when present, is resolved once here.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.invoke == nil {
		return fmt.Errorf("tool %q has no implementation", t.Name)
	}
	if t.Input != nil && t.resolved == nil {
		resolved, err := t.Input.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolving input schema for %q: %w", t.Name, err)
		}
		t.resolved = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// List returns all tools ordered by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks params against the named tool's input schema.
func (r *Registry) Validate(name string, params map[string]any) error {
	t, err := r.Get(name)
	if err != nil {
		return err
	}
	return t.validate(params)
}

func (t *Tool) validate(params map[string]any) error {
	if t.resolved == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	// Round trip so Go-typed values (ints, structs) look like decoded JSON.
	normalized, err := normalize(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := t.resolved.Validate(normalized); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidParams, t.Name, err)
	}
	return nil
}

// Call validates params and invokes the named tool.
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) (result any, err error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	r.metrics.IncrementActive(ctx, name)
	defer func() {
		r.metrics.DecrementActive(ctx, name)
		r.metrics.RecordInvocation(ctx, name, time.Since(start), err)
	}()

	if err = t.validate(params); err != nil {
		return nil, err
	}
	result, err = t.invoke(ctx, params)
	if err != nil {
		r.logger.Debug("tool call failed", zap.String("tool", name), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

// Search matches tools by name, description and keywords. The query may be a
// regular expression; an invalid pattern falls back to substring matching.
func (r *Registry) Search(query string) []*SearchResult {
	if query == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := strings.ToLower(query)
	var re *regexp.Regexp
	if compiled, err := regexp.Compile("(?i)" + query); err == nil {
		re = compiled
	}
	matches := func(s string) bool {
		return strings.Contains(strings.ToLower(s), q) || (re != nil && re.MatchString(s))
	}

	var results []*SearchResult
	for _, t := range r.tools {
		switch {
		case strings.ToLower(t.Name) == q:
			results = append(results, &SearchResult{Tool: t, Score: 3, MatchReason: "exact name match"})
		case matches(t.Name):
			results = append(results, &SearchResult{Tool: t, Score: 2, MatchReason: "name match"})
		case matches(t.Description):
			results = append(results, &SearchResult{Tool: t, Score: 1, MatchReason: "description match"})
		default:
			for _, kw := range t.Keywords {
				if matches(kw) {
					results = append(results, &SearchResult{Tool: t, Score: 1, MatchReason: "keyword match"})
					break
				}
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tool.Name < results[j].Tool.Name
	})
	return results
}

// Describe renders the capability table for prompts, one tool per line.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, t := range r.List() {
		fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name, strings.Join(t.Params, ", "), t.Description)
	}
	return b.String()
}

func normalize(params map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
