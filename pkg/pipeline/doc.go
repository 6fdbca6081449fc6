// Package pipeline provides the core types and orchestration engine for
// Pipewright pipelines.
//
// # Overview
//
// Pipewright composes work out of three layers:
//
//  1. Command - the atomic, independently executable unit of work
//  2. Behavior - an ordered or parallel composition of commands
//  3. Aggregator - the top-level unit composing behaviors and direct commands
//
// A run flows through four phases:
//
//  1. Plan - ExecutionPlanner flattens the composition into ExecutionSteps,
//     resolves conditional dependencies, and builds the DAG
//  2. Validate - fatal errors (cycles, unresolved targets, invalid retry
//     policies) block execution; warnings (missing estimates, resource
//     overcommit) are reported and the run proceeds
//  3. Execute - the Scheduler runs the plan level by level under a bounded
//     worker pool with resource admission and per-step retry
//  4. Result - every step outcome rolls up into an AggregatorResult with a
//     RunSummary and the complete failure tree
//
// # Core Domain Types
//
//   - Command: atomic unit with Info/Validate/Execute
//   - Behavior: command composition under a BehaviorStrategy
//   - Aggregator: behavior composition under an AggregatorStrategy
//   - Dependency: an edge in the execution graph (hard/soft/conditional/...)
//   - ExecutionPlan: the planned DAG with steps, levels, and estimates
//   - StepResult, AggregatorResult: execution outcomes
//   - Event: timeline events during execution
//
// # Dependency Semantics
//
// Edge types split into blocking and advisory. Hard, required, execution,
// data, and resource edges gate the dependent on the target's success: a
// failed target marks every transitive dependent skipped. Soft and optional
// edges order execution but never veto it; a waiter gives up after a bounded
// wait. Conditional edges are resolved at plan time and either harden into
// blocking edges or disappear from the graph.
//
// # Error Classification
//
// Errors carry a FailureClass and a stable code. Use the helper predicates
// to branch on them:
//
//	if pipeline.IsRetryable(err) {
//	    // the retry policy will re-attempt
//	}
//
// Command and timeout failures are retryable; validation failures,
// cancellations, and internal errors are not. Failures also carry a
// severity: a soft failure is recorded but does not stop dependents, a hard
// failure does.
//
// # External Boundaries
//
// The engine talks to the outside world through small interfaces:
//
//   - ResourceManager: atomic allocate/release against a resource budget
//   - DurationSource: duration estimates from past runs
//   - EventSink: timeline event delivery
//   - ConditionEvaluator: expression-form conditional dependencies
//
// # Thread Safety
//
// Aggregators, the Scheduler, and MemoryResourceManager are safe for
// concurrent use. PipelineContext itself is not synchronized; concurrent
// steps share data through its SafeStore values.
package pipeline
