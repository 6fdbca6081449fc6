package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// admissionRetryInterval is how often the scheduler re-attempts a refused
// resource allocation while waiting for budget to free up.
const admissionRetryInterval = 20 * time.Millisecond

// Scheduler executes a plan over a bounded worker pool. Steps flagged
// parallelizable are dispatched onto the pool, gated further by the
// remaining resource budget reported by the external resource manager.
type Scheduler struct {
	// maxWorkers bounds the worker pool.
	maxWorkers int

	// resources is the externally owned resource-accounting boundary;
	// optional. Without it, admission is gated by the pool alone.
	resources ResourceManager

	// events receives timeline events; optional.
	events EventSink

	logger zerolog.Logger
	tracer trace.Tracer
}

// DefaultMaxWorkers is the worker pool size when none is configured.
const DefaultMaxWorkers = 10

// NewScheduler creates a scheduler.
func NewScheduler(maxWorkers int, resources ResourceManager, events EventSink, logger zerolog.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Scheduler{
		maxWorkers: maxWorkers,
		resources:  resources,
		events:     events,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		tracer:     otel.Tracer("pipewright/scheduler"),
	}
}

// ScheduleOptions tunes one run.
type ScheduleOptions struct {
	// MaxParallel overrides the pool size for this run when positive.
	MaxParallel int

	// FailFast stops dispatching new steps after the first hard failure;
	// not-yet-started steps are marked skipped.
	FailFast bool

	// DryRun records every step as an immediate success without executing.
	DryRun bool
}

// runState is the bookkeeping of one run. Internal scheduling state is
// synchronized so concurrent runs never corrupt each other.
type runState struct {
	mu      sync.Mutex
	plan    *ExecutionPlan
	results map[string]*StepResult
	done    map[string]chan struct{}
	stopped atomic.Bool
}

func (st *runState) result(stepID string) *StepResult {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.results[stepID]
}

func (st *runState) finish(stepID string, res *StepResult) {
	st.mu.Lock()
	st.results[stepID] = res
	st.mu.Unlock()
	close(st.done[stepID])
}

// Run executes every step of the plan and returns the per-step results.
// Completed steps keep their results on cancellation; not-yet-started steps
// report cancelled. The returned map always contains one entry per step.
func (s *Scheduler) Run(
	ctx context.Context,
	plan *ExecutionPlan,
	pctx *PipelineContext,
	opts ScheduleOptions,
) (map[string]*StepResult, error) {
	if plan == nil || plan.Graph == nil {
		return nil, NewValidationError("plan has no execution graph; validate before running", nil).
			WithCode(ErrCodeValidation)
	}

	runID := ""
	if pctx != nil {
		runID = pctx.RunID()
	}

	ctx, span := s.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("run.id", runID),
			attribute.Int("plan.steps", len(plan.Steps)),
		))
	defer span.End()

	s.publish(ctx, runID, "", EventRunStarted, "run started", "info")

	state := &runState{
		plan:    plan,
		results: make(map[string]*StepResult, len(plan.Steps)),
		done:    make(map[string]chan struct{}, len(plan.Steps)),
	}
	for _, step := range plan.Steps {
		state.done[step.ID] = make(chan struct{})
	}

	if plan.Strategy == PlanSequential {
		s.runSequential(ctx, plan, pctx, opts, state, runID)
	} else {
		s.runConcurrent(ctx, plan, pctx, opts, state, runID)
	}

	// Every step gets a result entry; anything the dispatch loop never
	// reached reports cancelled.
	state.mu.Lock()
	for _, step := range plan.Steps {
		if _, ok := state.results[step.ID]; !ok {
			state.results[step.ID] = &StepResult{
				StepID: step.ID,
				Status: StepStatusCancelled,
				Err:    NewCancelledOutcome("step never started", ctx.Err()).WithStep(step.ID),
			}
		}
	}
	results := state.results
	state.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.publish(ctx, runID, "", EventRunCancelled, "run cancelled", "warning")
		return results, NewCancelledOutcome("run cancelled", err)
	}
	s.publish(ctx, runID, "", EventRunCompleted, "run completed", "info")
	return results, nil
}

// runSequential executes the steps one at a time in topological order,
// preserving strict program order.
func (s *Scheduler) runSequential(
	ctx context.Context,
	plan *ExecutionPlan,
	pctx *PipelineContext,
	opts ScheduleOptions,
	state *runState,
	runID string,
) {
	order := s.topologicalSteps(plan)
	for _, step := range order {
		if ctx.Err() != nil {
			state.finish(step.ID, &StepResult{
				StepID: step.ID,
				Status: StepStatusCancelled,
				Err:    NewCancelledOutcome("step never started", ctx.Err()).WithStep(step.ID),
			})
			continue
		}
		if state.stopped.Load() {
			state.finish(step.ID, &StepResult{
				StepID: step.ID,
				Status: StepStatusSkipped,
				Err: NewCancelledOutcome("step skipped: fail-fast triggered", nil).
					WithStep(step.ID).WithCode(ErrCodeDependencyFailed),
			})
			s.publish(ctx, runID, step.ID, EventStepSkipped, "step skipped by fail-fast", "warning")
			continue
		}
		if res, blocked := s.gateOnDependencies(ctx, step, state); blocked {
			state.finish(step.ID, res)
			continue
		}
		state.finish(step.ID, s.executeStep(ctx, step, pctx, opts, state, runID))
	}
}

// runConcurrent runs one coordinating goroutine per step; each waits for its
// dependencies, acquires a pool slot and its resource allocation, then
// executes.
func (s *Scheduler) runConcurrent(
	ctx context.Context,
	plan *ExecutionPlan,
	pctx *PipelineContext,
	opts ScheduleOptions,
	state *runState,
	runID string,
) {
	workers := s.maxWorkers
	if opts.MaxParallel > 0 && opts.MaxParallel < workers {
		workers = opts.MaxParallel
	}
	pool := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for _, step := range plan.Steps {
		wg.Add(1)
		go func(step *ExecutionStep) {
			defer wg.Done()
			s.coordinateStep(ctx, step, pctx, opts, state, runID, pool)
		}(step)
	}
	wg.Wait()
}

// coordinateStep drives one step from waiting to terminal.
func (s *Scheduler) coordinateStep(
	ctx context.Context,
	step *ExecutionStep,
	pctx *PipelineContext,
	opts ScheduleOptions,
	state *runState,
	runID string,
	pool chan struct{},
) {
	if res, blocked := s.awaitDependencies(ctx, step, state); blocked {
		state.finish(step.ID, res)
		return
	}

	if state.stopped.Load() {
		state.finish(step.ID, &StepResult{
			StepID: step.ID,
			Status: StepStatusSkipped,
			Err: NewCancelledOutcome("step skipped: fail-fast triggered", nil).
				WithStep(step.ID).WithCode(ErrCodeDependencyFailed),
		})
		s.publish(ctx, runID, step.ID, EventStepSkipped, "step skipped by fail-fast", "warning")
		return
	}

	select {
	case pool <- struct{}{}:
		defer func() { <-pool }()
	case <-ctx.Done():
		state.finish(step.ID, &StepResult{
			StepID: step.ID,
			Status: StepStatusCancelled,
			Err:    NewCancelledOutcome("step never started", ctx.Err()).WithStep(step.ID),
		})
		return
	}

	state.finish(step.ID, s.executeStep(ctx, step, pctx, opts, state, runID))
}

// awaitDependencies blocks until every dependency of the step resolves.
// Blocking edges wait indefinitely (bounded by run cancellation) and turn a
// failed dependency into a skipped-upstream outcome. Soft edges wait at most
// the dependency's own timeout and never block on failure.
func (s *Scheduler) awaitDependencies(
	ctx context.Context,
	step *ExecutionStep,
	state *runState,
) (*StepResult, bool) {
	for _, dep := range step.DependsOn {
		done, ok := state.done[dep.TargetID]
		if !ok {
			// Validation rejects unresolved targets before execution.
			return &StepResult{
				StepID: step.ID,
				Status: StepStatusFailed,
				Err: NewInternalError(
					fmt.Sprintf("dependency %s missing from run state", dep.TargetID), nil,
				).WithStep(step.ID),
			}, true
		}

		if dep.Type.Blocking() {
			select {
			case <-done:
			case <-ctx.Done():
				return s.cancelledResult(ctx, step), true
			}
			target := state.result(dep.TargetID)
			if target == nil || target.Status != StepStatusSucceeded {
				if ctx.Err() != nil {
					return s.cancelledResult(ctx, step), true
				}
				failure := NewBehaviorFailure(
					fmt.Sprintf("dependency %s did not succeed", dep.TargetID), nil,
				).WithStep(step.ID).WithCode(ErrCodeDependencyFailed)
				if target != nil {
					failure = failure.WithCause(target.Err)
				}
				return &StepResult{
					StepID: step.ID,
					Status: StepStatusSkippedUpstream,
					Err:    failure,
				}, true
			}
			continue
		}

		// Soft/optional: proceed regardless of outcome, waiting at most the
		// dependency's own timeout if it is still in flight.
		wait := step.Timeout
		if target := state.plan.Step(dep.TargetID); target != nil && target.Timeout > 0 {
			wait = target.Timeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return s.cancelledResult(ctx, step), true
		}
	}

	return nil, false
}

// gateOnDependencies is the sequential-path variant of awaitDependencies:
// dependencies are always terminal by the time the step is reached.
func (s *Scheduler) gateOnDependencies(
	ctx context.Context,
	step *ExecutionStep,
	state *runState,
) (*StepResult, bool) {
	for _, dep := range step.DependsOn {
		if !dep.Type.Blocking() {
			continue
		}
		target := state.result(dep.TargetID)
		if target == nil || target.Status != StepStatusSucceeded {
			failure := NewBehaviorFailure(
				fmt.Sprintf("dependency %s did not succeed", dep.TargetID), nil,
			).WithStep(step.ID).WithCode(ErrCodeDependencyFailed)
			if target != nil {
				failure = failure.WithCause(target.Err)
			}
			return &StepResult{
				StepID: step.ID,
				Status: StepStatusSkippedUpstream,
				Err:    failure,
			}, true
		}
	}
	return nil, false
}

func (s *Scheduler) cancelledResult(ctx context.Context, step *ExecutionStep) *StepResult {
	return &StepResult{
		StepID: step.ID,
		Status: StepStatusCancelled,
		Err:    NewCancelledOutcome("step never started", ctx.Err()).WithStep(step.ID),
	}
}

// executeStep runs the step body with conditional gating, resource
// admission, retry, and timing.
func (s *Scheduler) executeStep(
	ctx context.Context,
	step *ExecutionStep,
	pctx *PipelineContext,
	opts ScheduleOptions,
	state *runState,
	runID string,
) *StepResult {
	if step.condition != nil && !step.condition(pctx) {
		s.publish(ctx, runID, step.ID, EventStepSkipped, "step condition false", "info")
		return &StepResult{StepID: step.ID, Status: StepStatusSkipped}
	}

	allocation, res := s.admit(ctx, step, state)
	if res != nil {
		return res
	}
	if allocation != nil {
		defer func() {
			if err := s.resources.Release(context.WithoutCancel(ctx), allocation.ID); err != nil {
				s.logger.Error().Err(err).Str("step", step.ID).Msg("failed to release allocation")
			}
		}()
	}

	ctx, span := s.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.type", string(step.Type)),
		))
	defer span.End()

	s.publish(ctx, runID, step.ID, EventStepStarted, "step started", "info")
	started := time.Now()

	result := &StepResult{
		StepID:    step.ID,
		StartedAt: started,
	}

	attempt := func(n int) CommandResult {
		if n > 1 {
			s.publish(ctx, runID, step.ID, EventStepRetried,
				fmt.Sprintf("retrying step (attempt %d)", n), "warning")
		}
		return s.runStepBody(ctx, step, pctx, opts, result)
	}

	var outcome CommandResult
	if step.Retry != nil {
		outcome = step.Retry.Do(ctx, attempt)
	} else {
		outcome = attempt(1)
		outcome.Attempts = 1
	}

	result.Status = outcome.Status
	result.Err = outcome.Err
	result.Attempts = outcome.Attempts
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(started)

	switch result.Status {
	case StepStatusSucceeded:
		s.publish(ctx, runID, step.ID, EventStepCompleted, "step completed", "info")
	default:
		if opts.FailFast {
			state.stopped.Store(true)
		}
		s.publish(ctx, runID, step.ID, EventStepFailed,
			fmt.Sprintf("step finished with status %s", result.Status), "error")
	}

	s.logger.Debug().
		Str("run_id", runID).
		Str("step", step.ID).
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("step finished")

	return result
}

// runStepBody executes the behavior or command the step wraps and maps the
// outcome onto a CommandResult envelope for the retry loop.
func (s *Scheduler) runStepBody(
	ctx context.Context,
	step *ExecutionStep,
	pctx *PipelineContext,
	opts ScheduleOptions,
	result *StepResult,
) CommandResult {
	if opts.DryRun {
		return CommandResult{CommandID: step.ID, Status: StepStatusSucceeded}
	}

	switch step.Type {
	case StepTypeBehavior:
		br := step.behavior.Execute(ctx, pctx)
		result.Behavior = &br
		envelope := CommandResult{CommandID: step.ID, Status: br.Status}
		if !br.Success() && br.Status != StepStatusCancelled {
			failure := NewBehaviorFailure(
				fmt.Sprintf("behavior %s failed", step.ID), nil,
			).WithStep(step.ID)
			for _, cause := range br.Failures {
				failure = failure.WithCause(cause)
			}
			// Behavior severity follows the failing commands' classification.
			failure.Severity = SeveritySoft
			for _, cause := range br.Failures {
				if cause.Severity != SeveritySoft {
					failure.Severity = SeverityHard
					break
				}
			}
			// Behavior failures re-enter the retry loop only when every
			// inner failure is retryable.
			retryable := len(br.Failures) > 0
			for _, cause := range br.Failures {
				if !IsRetryable(cause) {
					retryable = false
					break
				}
			}
			if retryable {
				failure.Class = FailureClassCommand
			}
			envelope.Err = failure
		} else if br.Status == StepStatusCancelled {
			envelope.Err = NewCancelledOutcome("behavior cancelled", ctx.Err()).WithStep(step.ID)
		}
		return envelope

	case StepTypeCommand:
		cr := runCommand(ctx, step.command, pctx)
		result.Command = &cr
		return cr

	default:
		return FailedResult(step.ID,
			NewInternalError(fmt.Sprintf("unknown step type %s", step.Type), nil))
	}
}

// admit reserves the step's declared resources, queueing until the external
// budget has headroom. The concurrent set of admitted steps never exceeds
// the reported budget: admission is an atomic check-and-reserve on the
// manager, retried until it succeeds.
func (s *Scheduler) admit(
	ctx context.Context,
	step *ExecutionStep,
	state *runState,
) (*Allocation, *StepResult) {
	if s.resources == nil || len(step.Requirements) == 0 {
		return nil, nil
	}

	req := AllocationRequest{OwnerID: step.ID, Requirements: step.Requirements}
	for {
		alloc, err := s.resources.Allocate(ctx, req)
		if err == nil {
			return alloc, nil
		}
		if !IsResourceExhausted(err) {
			return nil, &StepResult{
				StepID: step.ID,
				Status: StepStatusFailed,
				Err: NewCommandFailure("resource allocation failed", err).
					WithStep(step.ID),
			}
		}
		if state.stopped.Load() {
			return nil, &StepResult{
				StepID: step.ID,
				Status: StepStatusSkipped,
				Err: NewCancelledOutcome("step skipped while queued: fail-fast triggered", nil).
					WithStep(step.ID).WithCode(ErrCodeDependencyFailed),
			}
		}

		select {
		case <-time.After(admissionRetryInterval):
		case <-ctx.Done():
			return nil, s.cancelledResult(ctx, step)
		}
	}
}

// topologicalSteps returns the plan steps ordered by level, preserving the
// optimizer's within-level ordering.
func (s *Scheduler) topologicalSteps(plan *ExecutionPlan) []*ExecutionStep {
	ordered := make([]*ExecutionStep, len(plan.Steps))
	copy(ordered, plan.Steps)
	// Steps are already sorted by level after optimization; a plan that
	// skipped optimization still needs the level ordering.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && levelOf(plan, ordered[j]) < levelOf(plan, ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

func levelOf(plan *ExecutionPlan, step *ExecutionStep) int {
	if plan.Graph != nil {
		if node, ok := plan.Graph.Nodes[step.ID]; ok {
			return node.Level
		}
	}
	return step.Level
}

// publish emits a timeline event without blocking execution.
func (s *Scheduler) publish(
	ctx context.Context,
	runID, stepID string,
	eventType EventType,
	message, level string,
) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		StepID:    stepID,
		Message:   message,
		Level:     level,
	})
}
