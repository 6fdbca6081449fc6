package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// DefaultConditionTimeout bounds one expression evaluation.
const DefaultConditionTimeout = 5 * time.Second

// StarlarkConditionEvaluator evaluates `when:` expressions from pipeline
// configs as Starlark expressions. The pipeline context snapshot is exposed
// as top-level variables.
type StarlarkConditionEvaluator struct {
	timeout time.Duration
}

// NewStarlarkConditionEvaluator creates an evaluator with the given per-call
// timeout; DefaultConditionTimeout if zero.
func NewStarlarkConditionEvaluator(timeout time.Duration) *StarlarkConditionEvaluator {
	if timeout <= 0 {
		timeout = DefaultConditionTimeout
	}
	return &StarlarkConditionEvaluator{timeout: timeout}
}

// Evaluate implements pipeline.ConditionEvaluator. The expression's Starlark
// truth value is returned: None, False, 0, "", and empty collections are
// false, everything else is true.
func (e *StarlarkConditionEvaluator) Evaluate(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	ectx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		truth bool
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		truth, err := e.evaluateSync(expr, vars)
		done <- outcome{truth: truth, err: err}
	}()

	select {
	case <-ectx.Done():
		return false, fmt.Errorf("condition %q timed out after %s", expr, e.timeout)
	case out := <-done:
		return out.truth, out.err
	}
}

func (e *StarlarkConditionEvaluator) evaluateSync(expr string, vars map[string]any) (bool, error) {
	thread := &starlark.Thread{
		Name:  "pipewright-condition",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	env := make(starlark.StringDict, len(vars))
	for key, val := range vars {
		sval, err := toStarlarkValue(val)
		if err != nil {
			return false, fmt.Errorf("convert variable %s: %w", key, err)
		}
		env[key] = sval
	}

	value, err := starlark.Eval(thread, "condition.star", expr, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	return bool(value.Truth()), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Duration:
		return starlark.MakeInt64(int64(val)), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sval, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sval
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sval, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sval); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T in condition variables", v)
	}
}
