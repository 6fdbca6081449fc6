package pipeline

import (
	"strings"
	"testing"
)

func TestDAGBuilder_BuildGraph_EmptySteps(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]*ExecutionStep{})

	if err != nil {
		t.Fatalf("Expected no error for empty steps, got: %v", err)
	}

	if len(graph.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(graph.Nodes))
	}

	if len(graph.Edges) != 0 {
		t.Errorf("Expected 0 edges, got %d", len(graph.Edges))
	}

	if graph.Depth != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth)
	}
}

func TestDAGBuilder_BuildGraph_SingleStep(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "a", Name: "a", Type: StepTypeCommand},
	}

	graph, err := builder.BuildGraph(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Nodes) != 1 {
		t.Errorf("Expected 1 node, got %d", len(graph.Nodes))
	}

	if graph.Depth != 1 {
		t.Errorf("Expected depth 1, got %d", graph.Depth)
	}

	if len(graph.Roots) != 1 || graph.Roots[0] != "a" {
		t.Errorf("Expected root [a], got %v", graph.Roots)
	}
}

func TestDAGBuilder_BuildGraph_LinearChain(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "a", Type: StepTypeCommand},
		{ID: "b", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "a", Type: DependencyHard}}},
		{ID: "c", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "b", Type: DependencyHard}}},
	}

	graph, err := builder.BuildGraph(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}

	for i, want := range []string{"a", "b", "c"} {
		if graph.Nodes[want].Level != i {
			t.Errorf("Expected %s at level %d, got %d", want, i, graph.Nodes[want].Level)
		}
	}
}

func TestDAGBuilder_BuildGraph_Diamond(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "root", Type: StepTypeCommand},
		{ID: "left", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "root", Type: DependencyHard}}},
		{ID: "right", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "root", Type: DependencyHard}}},
		{ID: "join", Type: StepTypeCommand, DependsOn: []Dependency{
			{TargetID: "left", Type: DependencyHard},
			{TargetID: "right", Type: DependencyHard},
		}},
	}

	graph, err := builder.BuildGraph(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}

	if graph.Nodes["left"].Level != 1 || graph.Nodes["right"].Level != 1 {
		t.Errorf("Expected left and right at level 1, got %d and %d",
			graph.Nodes["left"].Level, graph.Nodes["right"].Level)
	}

	levels := builder.GetLevels()
	if len(levels) != 3 || len(levels[1]) != 2 {
		t.Errorf("Expected 2 steps at level 1, got levels %v", levels)
	}
}

func TestDAGBuilder_BuildGraph_DetectsCycle(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "a", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "b", Type: DependencyHard}}},
		{ID: "b", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "a", Type: DependencyHard}}},
	}

	_, err := builder.BuildGraph(steps)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}

	perr, ok := err.(*PipelineError)
	if !ok {
		t.Fatalf("Expected *PipelineError, got %T", err)
	}
	if perr.Code != ErrCodeCyclicDependency {
		t.Errorf("Expected code %s, got %s", ErrCodeCyclicDependency, perr.Code)
	}
	if !strings.Contains(perr.Message, "->") {
		t.Errorf("Expected cycle path in message, got %q", perr.Message)
	}
	if !IsValidationError(err) {
		t.Error("Expected cycle to classify as validation error")
	}
}

func TestDAGBuilder_BuildGraph_UnresolvedTarget(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "a", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "ghost", Type: DependencyHard}}},
	}

	_, err := builder.BuildGraph(steps)
	if err == nil {
		t.Fatal("Expected unresolved target error, got nil")
	}

	perr := err.(*PipelineError)
	if perr.Code != ErrCodeUnresolvedTarget {
		t.Errorf("Expected code %s, got %s", ErrCodeUnresolvedTarget, perr.Code)
	}
}

func TestDAGBuilder_BuildGraph_DuplicateID(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "a", Type: StepTypeCommand},
		{ID: "a", Type: StepTypeCommand},
	}

	_, err := builder.BuildGraph(steps)
	if err == nil {
		t.Fatal("Expected duplicate ID error, got nil")
	}

	perr := err.(*PipelineError)
	if perr.Code != ErrCodeDuplicateID {
		t.Errorf("Expected code %s, got %s", ErrCodeDuplicateID, perr.Code)
	}
}

func TestDAGBuilder_TopologicalOrder(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "c", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "b", Type: DependencyHard}}},
		{ID: "a", Type: StepTypeCommand},
		{ID: "b", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "a", Type: DependencyHard}}},
	}

	if _, err := builder.BuildGraph(steps); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	order := builder.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("Expected a before b before c, got %v", order)
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "a", Name: "first", Type: StepTypeCommand},
		{ID: "b", Name: "second", Type: StepTypeBehavior, DependsOn: []Dependency{{TargetID: "a", Type: DependencySoft}}},
	}

	if _, err := builder.BuildGraph(steps); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{"digraph", `"a"`, `"b"`, `"a" -> "b"`, "style=dashed"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q, got:\n%s", want, dot)
		}
	}
}

func TestDAGBuilder_ValidateGraph(t *testing.T) {
	builder := NewDAGBuilder()
	steps := []*ExecutionStep{
		{ID: "a", Type: StepTypeCommand},
		{ID: "b", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "a", Type: DependencyHard}}},
	}

	graph, err := builder.BuildGraph(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := builder.ValidateGraph(graph); err != nil {
		t.Errorf("Expected valid graph, got: %v", err)
	}
}

func TestDAGBuilder_StampsStepLevels(t *testing.T) {
	builder := NewDAGBuilder()
	a := &ExecutionStep{ID: "a", Type: StepTypeCommand}
	b := &ExecutionStep{ID: "b", Type: StepTypeCommand, DependsOn: []Dependency{{TargetID: "a", Type: DependencyHard}}}

	if _, err := builder.BuildGraph([]*ExecutionStep{a, b}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if a.Level != 0 || b.Level != 1 {
		t.Errorf("Expected levels 0 and 1, got %d and %d", a.Level, b.Level)
	}
}
