package pipeline

import (
	"time"
)

// Dependency represents an edge in the dependency graph.
type Dependency struct {
	// TargetID is the ID of the step, behavior, or aggregator this depends on.
	TargetID string `json:"target_id"`

	// Type is the dependency classification.
	Type DependencyType `json:"type"`

	// Condition gates a conditional edge. It is evaluated against the
	// pipeline context at plan time; a false result drops the edge for
	// that run. Ignored for other dependency types.
	Condition ConditionFunc `json:"-"`

	// ConditionExpr is an optional expression form of Condition, resolved
	// by the planner's configured ConditionEvaluator.
	ConditionExpr string `json:"condition_expr,omitempty"`
}

// ConditionFunc is a predicate over the pipeline context.
type ConditionFunc func(pctx *PipelineContext) bool

// ResourceRequirement declares how much of a named resource a unit needs
// while it executes.
type ResourceRequirement struct {
	// Resource is the resource name (e.g. "cpu", "memory_mb", "build_slots").
	Resource string `json:"resource"`

	// Amount is the quantity reserved for the duration of the unit.
	Amount float64 `json:"amount"`
}

// RetryPolicy controls how a failed step or command is re-executed.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts"`

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay"`

	// Multiplier scales the delay growth for exponential and linear backoff.
	Multiplier float64 `json:"multiplier"`

	// Strategy selects the delay function.
	Strategy RetryStrategy `json:"strategy"`

	// DelayFunc is the caller-supplied delay function for RetryCustom.
	// It receives the 1-based attempt number of the attempt that just failed.
	DelayFunc func(attempt int) time.Duration `json:"-"`
}

// ExecutionStep is one schedulable node of an execution plan.
type ExecutionStep struct {
	// ID is the unique identifier of this step within the plan.
	ID string `json:"id"`

	// Name is the human-readable step name, used for duration history.
	Name string `json:"name"`

	// Type records whether the step wraps a behavior or a direct command.
	Type StepType `json:"type"`

	// Priority orders steps within the same topological level; higher runs first.
	Priority int `json:"priority"`

	// EstimatedDuration is taken from historical metrics or declared defaults.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// Requirements are the resources reserved while the step runs.
	Requirements []ResourceRequirement `json:"requirements,omitempty"`

	// DependsOn lists the dependency edges of this step.
	DependsOn []Dependency `json:"depends_on,omitempty"`

	// Parallelizable marks the step as safe to dispatch onto the worker pool.
	Parallelizable bool `json:"parallelizable"`

	// Retry is the retry policy applied to the whole step, if any.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Timeout bounds one execution attempt of the step.
	Timeout time.Duration `json:"timeout"`

	// Level is the topological level assigned by the DAG builder.
	Level int `json:"level"`

	// behavior is set for StepTypeBehavior.
	behavior *Behavior

	// command is set for StepTypeCommand.
	command Command

	// condition gates the step under the conditional aggregator strategy.
	condition ConditionFunc
}

// Behavior returns the behavior the step wraps, or nil for command steps.
func (s *ExecutionStep) Behavior() *Behavior { return s.behavior }

// Command returns the direct command the step wraps, or nil for behavior steps.
func (s *ExecutionStep) Command() Command { return s.command }

// ExecutionPlan is a validated, optimized schedule derived from an
// aggregator's composition. Plans are rebuilt per run and may differ
// between runs.
type ExecutionPlan struct {
	// ID is the unique identifier of this plan.
	ID string `json:"id"`

	// AggregatorID is the aggregator the plan was built from.
	AggregatorID string `json:"aggregator_id"`

	// Strategy is the overall execution strategy the planner selected.
	Strategy PlanStrategy `json:"strategy"`

	// Steps are the plan's execution steps in declaration order.
	Steps []*ExecutionStep `json:"steps"`

	// Graph is the dependency DAG over the steps.
	Graph *ExecutionGraph `json:"graph,omitempty"`

	// Requirements aggregates the resource requirements of all steps.
	Requirements []ResourceRequirement `json:"requirements,omitempty"`

	// EstimatedDuration is the estimated critical-path duration.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// OptimizationLevel counts how many optimization passes were applied.
	OptimizationLevel int `json:"optimization_level"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// Step returns the plan step with the given ID, or nil.
func (p *ExecutionPlan) Step(id string) *ExecutionStep {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ExecutionGraph is the DAG over plan steps.
type ExecutionGraph struct {
	// Nodes maps step IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges in the graph.
	Edges []GraphEdge `json:"edges"`

	// Roots are the step IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of topological levels.
	Depth int `json:"depth"`
}

// GraphNode is one node of the execution graph.
type GraphNode struct {
	// ID is the step ID.
	ID string `json:"id"`

	// Level is the topological level (distance from the roots).
	Level int `json:"level"`

	// Dependencies are the step IDs this node depends on.
	Dependencies []string `json:"dependencies"`

	// Dependents are the step IDs that depend on this node.
	Dependents []string `json:"dependents"`
}

// GraphEdge is one dependency edge of the execution graph.
type GraphEdge struct {
	// From is the dependency step ID.
	From string `json:"from"`

	// To is the dependent step ID.
	To string `json:"to"`

	// Type is the dependency classification.
	Type DependencyType `json:"type"`
}

// CommandResult is the outcome of executing one command.
type CommandResult struct {
	// CommandID identifies the command that produced the result.
	CommandID string `json:"command_id"`

	// Status is the terminal status of the execution.
	Status StepStatus `json:"status"`

	// Output carries command-specific output values.
	Output map[string]any `json:"output,omitempty"`

	// Err is the failure, if the command did not succeed.
	Err *PipelineError `json:"error,omitempty"`

	// Attempts is the number of attempts performed, when retried.
	Attempts int `json:"attempts,omitempty"`

	// StartedAt is when the first attempt started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the final attempt finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total wall-clock time across attempts.
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command succeeded.
func (r CommandResult) Success() bool { return r.Status == StepStatusSucceeded }

// BehaviorResult rolls up the command results of one behavior execution.
type BehaviorResult struct {
	// BehaviorID identifies the behavior that produced the result.
	BehaviorID string `json:"behavior_id"`

	// Status is the terminal status of the behavior.
	Status StepStatus `json:"status"`

	// Results holds one entry per command, in completion order for parallel
	// strategies and declaration order otherwise.
	Results []CommandResult `json:"results"`

	// Failures collects every command failure. Soft failures are recorded
	// here without stopping the group.
	Failures []*PipelineError `json:"failures,omitempty"`

	// StartedAt is when the behavior started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the behavior finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the behavior's wall-clock time.
	Duration time.Duration `json:"duration"`
}

// Success reports whether the behavior completed without hard failures.
func (r BehaviorResult) Success() bool { return r.Status == StepStatusSucceeded }

// StepResult is the outcome of executing one plan step.
type StepResult struct {
	// StepID identifies the plan step.
	StepID string `json:"step_id"`

	// Status is the terminal status of the step.
	Status StepStatus `json:"status"`

	// Behavior is the behavior result for behavior steps.
	Behavior *BehaviorResult `json:"behavior,omitempty"`

	// Command is the command result for direct-command steps.
	Command *CommandResult `json:"command,omitempty"`

	// Err is the step-level failure, if any.
	Err *PipelineError `json:"error,omitempty"`

	// Attempts is the number of step-level attempts performed.
	Attempts int `json:"attempts,omitempty"`

	// StartedAt is when the step started; zero if it never started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the step's wall-clock time.
	Duration time.Duration `json:"duration"`
}

// AggregatorResult rolls up one aggregator run.
type AggregatorResult struct {
	// AggregatorID identifies the aggregator.
	AggregatorID string `json:"aggregator_id"`

	// RunID identifies this run.
	RunID string `json:"run_id"`

	// PlanID identifies the plan that was executed.
	PlanID string `json:"plan_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Steps holds the per-step results keyed by step ID.
	Steps map[string]*StepResult `json:"steps"`

	// Failures is the complete failure tree of the run. Nothing is
	// discarded, even when execution continued past a failure.
	Failures []*PipelineError `json:"failures,omitempty"`

	// Summary provides counts by terminal status.
	Summary RunSummary `json:"summary"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the run's wall-clock time.
	Duration time.Duration `json:"duration"`
}

// RunSummary provides statistics about one run.
type RunSummary struct {
	// Total is the number of plan steps.
	Total int `json:"total"`

	// Succeeded is the number of steps that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of steps that failed.
	Failed int `json:"failed"`

	// Skipped counts skipped and skipped-upstream steps.
	Skipped int `json:"skipped"`

	// Cancelled is the number of steps cancelled before starting.
	Cancelled int `json:"cancelled"`

	// Pending is the number of steps that never reached a terminal state.
	Pending int `json:"pending"`
}

// AggregatorValidationResult is the outcome of validating an aggregator's
// composition against a pipeline context.
type AggregatorValidationResult struct {
	// Valid is true when no fatal errors were found.
	Valid bool `json:"valid"`

	// Errors are fatal findings that block execution.
	Errors []*PipelineError `json:"errors,omitempty"`

	// Warnings are non-fatal findings, logged only.
	Warnings []ValidationWarning `json:"warnings,omitempty"`
}

// Metadata describes a unit for external tooling such as CLIs and dashboards.
type Metadata struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// PerformanceMetrics summarizes past runs for external monitoring collectors.
type PerformanceMetrics struct {
	// Runs is the number of completed runs observed.
	Runs int `json:"runs"`

	// AvgDuration is the mean run duration.
	AvgDuration time.Duration `json:"avg_duration"`

	// SuccessRate is the fraction of runs that succeeded, in [0,1].
	SuccessRate float64 `json:"success_rate"`

	// ResourceUsage is the peak resource usage observed per resource name.
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
}

// Event is a timeline event emitted during a run.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Type is the event kind.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// StepID is the step the event refers to, if any.
	StepID string `json:"step_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// EventType is the kind of a timeline event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventRunCompleted  EventType = "run_completed"
	EventRunFailed     EventType = "run_failed"
	EventRunCancelled  EventType = "run_cancelled"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"
	EventStepRetried   EventType = "step_retried"
)
