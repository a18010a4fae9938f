package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// ConditionEvaluator decides condition nodes. Input carries the run's
// variables under "vars" and completed node outputs under "outputs".
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expr string, input map[string]interface{}) (bool, error)
}

// RegoEvaluator evaluates conditions as Rego query expressions, for example
// `input.vars.score > 0.8` or `input.outputs.classify.label == "spam"`.
// A condition is true only when the query yields the value true; an
// undefined result is false.
type RegoEvaluator struct {
	mu    sync.Mutex
	cache map[string]rego.PreparedEvalQuery
}

// NewRegoEvaluator creates an evaluator
func NewRegoEvaluator() *RegoEvaluator {
	return &RegoEvaluator{cache: make(map[string]rego.PreparedEvalQuery)}
}

// Check compiles expr without evaluating it.
func (r *RegoEvaluator) Check(ctx context.Context, expr string) error {
	_, err := r.prepare(ctx, expr)
	return err
}

func (r *RegoEvaluator) prepare(ctx context.Context, expr string) (rego.PreparedEvalQuery, error) {
	r.mu.Lock()
	q, ok := r.cache[expr]
	r.mu.Unlock()
	if ok {
		return q, nil
	}

	q, err := rego.New(rego.Query(expr)).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare condition %q: %w", expr, err)
	}
	r.mu.Lock()
	r.cache[expr] = q
	r.mu.Unlock()
	return q, nil
}

// Evaluate runs expr against input
func (r *RegoEvaluator) Evaluate(ctx context.Context, expr string, input map[string]interface{}) (bool, error) {
	q, err := r.prepare(ctx, expr)
	if err != nil {
		return false, err
	}
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", expr, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	for _, ex := range results[0].Expressions {
		if b, ok := ex.Value.(bool); !ok || !b {
			return false, nil
		}
	}
	return true, nil
}
