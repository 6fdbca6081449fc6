package pipeline

import "fmt"

// StepStatus represents the execution status of a single step
// (a command or a behavior scheduled as part of a plan).
type StepStatus string

const (
	// StepStatusPending indicates the step has not started yet.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed (including timeouts).
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkippedUpstream indicates the step never executed because a
	// hard/required dependency failed.
	StepStatusSkippedUpstream StepStatus = "skipped_upstream"

	// StepStatusSkipped indicates the step was skipped for another reason,
	// for example a false conditional predicate or fail-fast mode.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusCancelled indicates the step never started because the run
	// was cancelled.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkippedUpstream,
		StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded, StepStatusFailed,
		StepStatusSkippedUpstream, StepStatusSkipped, StepStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// RunStatus represents the overall status of one aggregator run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every step completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed with no successful steps.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some steps succeeded and some failed or
	// were skipped.
	RunStatusPartial RunStatus = "partial"

	// RunStatusSkippedUpstream indicates the run never started because a
	// blocking dependency of the aggregator did not succeed.
	RunStatusSkippedUpstream RunStatus = "skipped_upstream"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusSkippedUpstream ||
		s == RunStatusCancelled
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// BehaviorStrategy selects how a behavior executes its commands.
type BehaviorStrategy string

const (
	// BehaviorSequential runs commands in declared order; a hard-classified
	// failure aborts the remaining commands in the group.
	BehaviorSequential BehaviorStrategy = "sequential"

	// BehaviorParallel launches all commands concurrently and waits for all
	// of them to finish, successes and failures alike.
	BehaviorParallel BehaviorStrategy = "parallel"

	// BehaviorConditional evaluates each command's eligibility against a
	// predicate over the prior result before running it.
	BehaviorConditional BehaviorStrategy = "conditional"

	// BehaviorBatched partitions commands into fixed-size batches; batches
	// run sequentially, commands within a batch run in parallel.
	BehaviorBatched BehaviorStrategy = "batched"

	// BehaviorRetry wraps each command with the behavior's retry policy.
	BehaviorRetry BehaviorStrategy = "retry"

	// BehaviorFallback tries the first command, then each fallback in order
	// until one succeeds or the list is exhausted.
	BehaviorFallback BehaviorStrategy = "fallback"

	// BehaviorCustom delegates orchestration to a caller-supplied function.
	BehaviorCustom BehaviorStrategy = "custom"
)

// Validate checks if the behavior strategy is valid.
func (s BehaviorStrategy) Validate() error {
	switch s {
	case BehaviorSequential, BehaviorParallel, BehaviorConditional,
		BehaviorBatched, BehaviorRetry, BehaviorFallback, BehaviorCustom:
		return nil
	default:
		return fmt.Errorf("invalid behavior strategy: %s", s)
	}
}

// AggregatorStrategy selects how an aggregator orders its behaviors and
// direct commands.
type AggregatorStrategy string

const (
	// AggregatorSequential chains all units in declared order.
	AggregatorSequential AggregatorStrategy = "sequential"

	// AggregatorParallel runs all units concurrently, bounded by the worker
	// pool, respecting only declared dependencies.
	AggregatorParallel AggregatorStrategy = "parallel"

	// AggregatorConditional gates each unit on a predicate over the
	// pipeline context before it runs.
	AggregatorConditional AggregatorStrategy = "conditional"

	// AggregatorPhased groups units into dependency-respecting phases;
	// units within a phase run in parallel, phases run strictly in sequence.
	AggregatorPhased AggregatorStrategy = "phased"

	// AggregatorDependencyOrdered orders execution by a full topological
	// sort over the declared dependency edges.
	AggregatorDependencyOrdered AggregatorStrategy = "dependency_ordered"

	// AggregatorResourceAware admits units only while the external resource
	// budget has headroom; excess units queue until budget frees up.
	AggregatorResourceAware AggregatorStrategy = "resource_aware"

	// AggregatorCustom delegates orchestration to a caller-supplied function.
	AggregatorCustom AggregatorStrategy = "custom"
)

// Validate checks if the aggregator strategy is valid.
func (s AggregatorStrategy) Validate() error {
	switch s {
	case AggregatorSequential, AggregatorParallel, AggregatorConditional,
		AggregatorPhased, AggregatorDependencyOrdered, AggregatorResourceAware,
		AggregatorCustom:
		return nil
	default:
		return fmt.Errorf("invalid aggregator strategy: %s", s)
	}
}

// PlanStrategy is the overall execution strategy the planner selects for a plan.
type PlanStrategy string

const (
	// PlanSequential executes all steps one at a time in topological order.
	PlanSequential PlanStrategy = "sequential"

	// PlanParallel executes independent steps concurrently up to the worker
	// pool size.
	PlanParallel PlanStrategy = "parallel"

	// PlanHybrid mixes sequential and parallel sections depending on each
	// step's parallelizable flag.
	PlanHybrid PlanStrategy = "hybrid"

	// PlanAdaptive additionally gates admission on the reported resource
	// budget.
	PlanAdaptive PlanStrategy = "adaptive"
)

// Validate checks if the plan strategy is valid.
func (s PlanStrategy) Validate() error {
	switch s {
	case PlanSequential, PlanParallel, PlanHybrid, PlanAdaptive:
		return nil
	default:
		return fmt.Errorf("invalid plan strategy: %s", s)
	}
}

// DependencyType classifies an edge in the dependency graph.
type DependencyType string

const (
	// DependencyExecution orders execution; the dependency must succeed.
	DependencyExecution DependencyType = "execution"

	// DependencyData indicates the dependent consumes the dependency's
	// output; the dependency must succeed.
	DependencyData DependencyType = "data"

	// DependencyResource indicates the dependent reuses a resource the
	// dependency prepares; the dependency must succeed.
	DependencyResource DependencyType = "resource"

	// DependencyConditional is evaluated against a context predicate at
	// plan time; a false predicate drops the edge for that run.
	DependencyConditional DependencyType = "conditional"

	// DependencySoft never blocks: the dependent proceeds regardless of the
	// dependency's outcome, waiting at most the dependency's own timeout.
	DependencySoft DependencyType = "soft"

	// DependencyHard blocks: if the dependency fails, the dependent is
	// marked skipped-upstream and never executes.
	DependencyHard DependencyType = "hard"

	// DependencyOptional behaves like soft.
	DependencyOptional DependencyType = "optional"

	// DependencyRequired behaves like hard.
	DependencyRequired DependencyType = "required"
)

// Blocking reports whether a failure of the dependency prevents the
// dependent from executing. Conditional edges are resolved at plan time and
// block like hard edges if kept.
func (t DependencyType) Blocking() bool {
	switch t {
	case DependencySoft, DependencyOptional:
		return false
	default:
		return true
	}
}

// Validate checks if the dependency type is valid.
func (t DependencyType) Validate() error {
	switch t {
	case DependencyExecution, DependencyData, DependencyResource,
		DependencyConditional, DependencySoft, DependencyHard,
		DependencyOptional, DependencyRequired:
		return nil
	default:
		return fmt.Errorf("invalid dependency type: %s", t)
	}
}

// RetryStrategy selects the delay function of a retry policy.
type RetryStrategy string

const (
	// RetryFixedDelay waits the initial delay between every attempt.
	RetryFixedDelay RetryStrategy = "fixed"

	// RetryExponentialBackoff waits initial*multiplier^(attempt-1), capped
	// at the maximum delay.
	RetryExponentialBackoff RetryStrategy = "exponential"

	// RetryLinearBackoff grows the delay by a fixed increment per attempt,
	// capped at the maximum delay.
	RetryLinearBackoff RetryStrategy = "linear"

	// RetryCustom delegates the delay computation to a caller-supplied
	// function.
	RetryCustom RetryStrategy = "custom"
)

// Validate checks if the retry strategy is valid.
func (s RetryStrategy) Validate() error {
	switch s {
	case RetryFixedDelay, RetryExponentialBackoff, RetryLinearBackoff, RetryCustom:
		return nil
	default:
		return fmt.Errorf("invalid retry strategy: %s", s)
	}
}

// FailureSeverity classifies how a command failure affects its group.
type FailureSeverity string

const (
	// SeverityHard aborts the remaining commands in the group.
	SeverityHard FailureSeverity = "hard"

	// SeveritySoft records the failure but lets the group continue.
	SeveritySoft FailureSeverity = "soft"
)

// StepType distinguishes what an execution step wraps.
type StepType string

const (
	// StepTypeBehavior marks a step that executes a behavior.
	StepTypeBehavior StepType = "behavior"

	// StepTypeCommand marks a step that executes a direct command.
	StepTypeCommand StepType = "command"
)
