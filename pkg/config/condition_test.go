package config

import (
	"context"
	"testing"
	"time"
)

func TestStarlarkConditionEvaluator_Evaluate(t *testing.T) {
	eval := NewStarlarkConditionEvaluator(0)
	ctx := context.Background()

	cases := []struct {
		name string
		expr string
		vars map[string]any
		want bool
	}{
		{"comparison true", `env == "production"`, map[string]any{"env": "production"}, true},
		{"comparison false", `env == "production"`, map[string]any{"env": "staging"}, false},
		{"numeric", `replicas > 2`, map[string]any{"replicas": 3}, true},
		{"boolean variable", `enabled`, map[string]any{"enabled": true}, true},
		{"truthy string", `branch`, map[string]any{"branch": "main"}, true},
		{"falsy empty string", `branch`, map[string]any{"branch": ""}, false},
		{"list membership", `"gpu" in features`, map[string]any{"features": []string{"gpu", "ssd"}}, true},
		{"dict access", `limits["cpu"] >= 2.0`, map[string]any{"limits": map[string]any{"cpu": 4.0}}, true},
		{"boolean logic", `a and not b`, map[string]any{"a": true, "b": false}, true},
		{"no variables", `1 + 1 == 2`, nil, true},
	}

	for _, tc := range cases {
		got, err := eval.Evaluate(ctx, tc.expr, tc.vars)
		if err != nil {
			t.Errorf("%s: expected evaluation, got error: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestStarlarkConditionEvaluator_SyntaxError(t *testing.T) {
	eval := NewStarlarkConditionEvaluator(0)
	if _, err := eval.Evaluate(context.Background(), `env ==`, nil); err == nil {
		t.Fatal("Expected syntax error")
	}
}

func TestStarlarkConditionEvaluator_UndefinedVariable(t *testing.T) {
	eval := NewStarlarkConditionEvaluator(0)
	if _, err := eval.Evaluate(context.Background(), `missing == 1`, nil); err == nil {
		t.Fatal("Expected error for undefined variable")
	}
}

func TestStarlarkConditionEvaluator_UnsupportedVariableType(t *testing.T) {
	eval := NewStarlarkConditionEvaluator(0)
	_, err := eval.Evaluate(context.Background(), `x`, map[string]any{"x": struct{}{}})
	if err == nil {
		t.Fatal("Expected error for unsupported variable type")
	}
}

func TestStarlarkConditionEvaluator_DurationVariable(t *testing.T) {
	eval := NewStarlarkConditionEvaluator(time.Second)
	got, err := eval.Evaluate(context.Background(), `elapsed > 1000000`, map[string]any{
		"elapsed": 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Expected evaluation, got: %v", err)
	}
	if !got {
		t.Error("Expected duration compared as nanoseconds")
	}
}
