package pipeline

import (
	"fmt"
	"strings"
)

// DAGBuilder builds a directed acyclic graph from execution steps. It
// performs topological sorting with Kahn's algorithm and assigns execution
// levels: steps at the same level share no path and may run in parallel.
type DAGBuilder struct {
	// steps maps step IDs to their steps
	steps map[string]*ExecutionStep

	// adjacencyList maps step IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps step IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to step IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		steps:                make(map[string]*ExecutionStep),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from plan steps. It validates
// dependency targets, detects cycles, and computes execution levels. A
// detected cycle is a fatal validation error; the plan is never executed.
func (b *DAGBuilder) BuildGraph(steps []*ExecutionStep) (*ExecutionGraph, error) {
	if len(steps) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(steps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up the internal data structures from the steps.
func (b *DAGBuilder) initialize(steps []*ExecutionStep) error {
	// First pass: index all steps
	for _, step := range steps {
		if step.ID == "" {
			return NewValidationError("execution step has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.steps[step.ID]; exists {
			return NewValidationError(
				fmt.Sprintf("duplicate execution step ID: %s", step.ID), nil,
			).WithCode(ErrCodeDuplicateID)
		}

		b.steps[step.ID] = step
		b.adjacencyList[step.ID] = make([]string, 0)
		b.reverseAdjacencyList[step.ID] = make([]string, 0)
		b.inDegree[step.ID] = 0
	}

	// Second pass: build adjacency lists and validate dependency targets
	for _, step := range b.steps {
		for _, dep := range step.DependsOn {
			targetID := dep.TargetID

			if _, exists := b.steps[targetID]; !exists {
				return NewValidationError(
					fmt.Sprintf("step %s depends on unresolvable target %s", step.ID, targetID),
					nil,
				).WithCode(ErrCodeUnresolvedTarget).WithStep(step.ID)
			}

			// Edge from dependency to dependent: the dependency must
			// resolve before the dependent can start.
			b.adjacencyList[targetID] = append(b.adjacencyList[targetID], step.ID)
			b.reverseAdjacencyList[step.ID] = append(b.reverseAdjacencyList[step.ID], targetID)
			b.inDegree[step.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for id := range b.steps {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, path); cycle != nil {
				return NewValidationError(
					fmt.Sprintf("cyclic dependency detected: %s", formatCycle(cycle)), nil,
				).WithCode(ErrCodeCyclicDependency)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one exists.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent)
			}
			return append(path, dependent)
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels using Kahn's algorithm. Steps at
// the same level can be executed in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.steps) > 0 {
		return NewValidationError("no root steps found - every step has dependencies", nil).
			WithCode(ErrCodeCyclicDependency)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	// Should never trip if cycle detection worked.
	if processedCount != len(b.steps) {
		return NewInternalError("failed to process all steps - possible cycle", nil)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure and stamps
// each step with its topological level.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, stepIDs := range b.levels {
		for _, stepID := range stepIDs {
			step := b.steps[stepID]
			graph.Nodes[stepID] = &GraphNode{
				ID:           stepID,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[stepID],
				Dependents:   b.adjacencyList[stepID],
			}

			step.Level = level

			if level == 0 {
				graph.Roots = append(graph.Roots, stepID)
			}
		}
	}

	for _, step := range b.steps {
		for _, dep := range step.DependsOn {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   step.ID,
				Type: dep.Type,
			})
		}
	}

	return graph
}

// GetLevels returns the computed execution levels. Each level contains step
// IDs that can run in parallel.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// TopologicalOrder returns the step IDs in a valid execution order: every
// edge's source precedes its target.
func (b *DAGBuilder) TopologicalOrder() []string {
	order := make([]string, 0, len(b.steps))
	for _, level := range b.levels {
		order = append(order, level...)
	}
	return order
}

// ToDOT generates a DOT representation of the DAG for visualization with
// Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, stepIDs := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, stepID := range stepIDs {
			step := b.steps[stepID]
			label := fmt.Sprintf("%s\\n%s", step.Name, step.Type)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				stepID, label, getStepColor(step.Type)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, step := range b.steps {
		for _, dep := range step.DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
				dep.TargetID, step.ID, getDependencyStyle(dep.Type)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ValidateGraph performs consistency checks on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.steps) {
		return NewInternalError("graph node count mismatch", nil)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewInternalError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewInternalError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewInternalError(fmt.Sprintf("root node %s has dependencies", rootID), nil)
		}
	}

	return nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getStepColor returns a fill color for visualizing step types.
func getStepColor(t StepType) string {
	switch t {
	case StepTypeBehavior:
		return "lightblue"
	case StepTypeCommand:
		return "lightgreen"
	default:
		return "white"
	}
}

// getDependencyStyle returns a DOT style string for dependency types.
func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencySoft, DependencyOptional:
		return "style=dashed, color=blue"
	case DependencyConditional:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
