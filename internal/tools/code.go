package tools

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var constParams = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

// Evaluate runs a CODE step: a single expression in which every registered
// tool is callable by name with positional arguments, e.g.
// "add(2, multiply(3, 4)) / pi".
func (r *Registry) Evaluate(ctx context.Context, code string) (any, error) {
	exp, err := govaluate.NewEvaluableExpressionWithFunctions(code, r.functions(ctx))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	params := make(map[string]any, len(constParams))
	for k, v := range constParams {
		params[k] = v
	}
	result, err := exp.Evaluate(params)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Registry) functions(ctx context.Context) map[string]govaluate.ExpressionFunction {
	tools := r.List()
	fns := make(map[string]govaluate.ExpressionFunction, len(tools))
	for _, t := range tools {
		if !identifier.MatchString(t.Name) {
			continue
		}
		name, order := t.Name, t.Params
		fns[name] = func(args ...any) (any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if len(args) > len(order) {
				return nil, fmt.Errorf("%s takes at most %d arguments, got %d", name, len(order), len(args))
			}
			params := make(map[string]any, len(args))
			for i, a := range args {
				params[order[i]] = a
			}
			return r.Call(ctx, name, params)
		}
	}
	return fns
}

// CheckCode parses code against the current function table without running it.
func (r *Registry) CheckCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("empty expression")
	}
	_, err := govaluate.NewEvaluableExpressionWithFunctions(code, r.functions(context.Background()))
	return err
}
