package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// NewFunc builds a tool from a typed function. Schemas are inferred from In
// and Out; the positional parameter order follows In's field order.
func NewFunc[In, Out any](name, description string, category Category, fn func(ctx context.Context, in In) (Out, error)) (*Tool, error) {
	input, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("input schema for %s: %w", name, err)
	}
	output, err := jsonschema.For[Out](nil)
	if err != nil {
		return nil, fmt.Errorf("output schema for %s: %w", name, err)
	}
	input.Description = description

	return &Tool{
		Name:        name,
		Description: description,
		Category:    category,
		Params:      fieldNames(reflect.TypeFor[In]()),
		Input:       input,
		Output:      output,
		invoke: func(ctx context.Context, params map[string]any) (any, error) {
			raw, err := json.Marshal(params)
			if err != nil {
				return nil, err
			}
			var in In
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
			return fn(ctx, in)
		},
	}, nil
}

// MustFunc is NewFunc for tables built at init time.
func MustFunc[In, Out any](name, description string, category Category, fn func(ctx context.Context, in In) (Out, error)) *Tool {
	t, err := NewFunc(name, description, category, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func fieldNames(t reflect.Type) []string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	var names []string
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		names = append(names, name)
	}
	return names
}
