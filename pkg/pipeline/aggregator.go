package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultAggregatorTimeout bounds one aggregator run when the aggregator
// declares no timeout of its own.
const DefaultAggregatorTimeout = 60 * time.Second

// AggregatorDependency declares a dependency of one aggregator on another,
// or of a behavior on a sibling unit. It is the same edge type the planner
// and DAG operate on.
type AggregatorDependency = Dependency

// CustomAggregatorFunc is a caller-supplied orchestration function for the
// custom aggregator strategy.
type CustomAggregatorFunc func(ctx context.Context, pctx *PipelineContext, behaviors []*Behavior, commands []Command) AggregatorResult

// CleanupFunc releases run-scoped resources. It is invoked exactly once per
// run, even after failure or cancellation.
type CleanupFunc func(ctx context.Context, pctx *PipelineContext) error

// AggregatorConfig configures an aggregator at composition time.
type AggregatorConfig struct {
	ID          string
	Name        string
	Description string
	Category    string
	Tags        []string

	// Strategy selects how behaviors and direct commands are ordered.
	Strategy AggregatorStrategy

	// Timeout bounds one run; DefaultAggregatorTimeout if zero.
	Timeout time.Duration

	// Requirements declares aggregator-level resource needs.
	Requirements []ResourceRequirement

	// DependsOn declares dependencies on other aggregators, honored by the
	// Runner that executes a set of aggregators together.
	DependsOn []AggregatorDependency

	// Condition gates each unit under the conditional strategy.
	Condition func(pctx *PipelineContext, unitID string) bool

	// Custom is the orchestration function for the custom strategy.
	Custom CustomAggregatorFunc

	// DefaultRetry applies to steps without a retry policy of their own.
	DefaultRetry *RetryPolicy

	// MaxWorkers bounds the worker pool; DefaultMaxWorkers if zero.
	MaxWorkers int

	// FailFast stops dispatching new steps after the first hard failure.
	FailFast bool

	// DryRun records every step as an immediate success without executing.
	DryRun bool

	// Resources is the externally owned resource-accounting boundary.
	Resources ResourceManager

	// History supplies duration estimates from past runs.
	History DurationSource

	// Events receives timeline events.
	Events EventSink

	// Conditions resolves expression-form conditional dependencies.
	Conditions ConditionEvaluator

	// Cleanup is invoked exactly once per run.
	Cleanup CleanupFunc

	// Logger is the structured logger; a disabled logger if unset.
	Logger zerolog.Logger
}

// Aggregator is the top-level orchestration unit: it composes behaviors and
// direct commands under one execution strategy, declares dependencies on
// other aggregators, and rolls every run up into an AggregatorResult.
//
// Composition happens before a run; Validate -> GetExecutionPlan -> Execute
// -> Cleanup happens once per run.
type Aggregator struct {
	mu        sync.Mutex
	cfg       AggregatorConfig
	behaviors []*Behavior
	commands  []Command
	runs      int // active runs; composition is locked while positive

	planner   *ExecutionPlanner
	scheduler *Scheduler
	logger    zerolog.Logger

	statsMu       sync.Mutex
	completedRuns int
	succeededRuns int
	totalDuration time.Duration
	peakUsage     map[string]float64
}

// NewAggregator creates an aggregator from its configuration.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Strategy == "" {
		cfg.Strategy = AggregatorSequential
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAggregatorTimeout
	}
	logger := cfg.Logger.With().Str("aggregator", cfg.ID).Logger()

	planner := NewExecutionPlanner(cfg.History, cfg.Resources, logger)
	if cfg.Conditions != nil {
		planner = planner.WithConditionEvaluator(cfg.Conditions)
	}

	return &Aggregator{
		cfg:       cfg,
		planner:   planner,
		scheduler: NewScheduler(cfg.MaxWorkers, cfg.Resources, cfg.Events, logger),
		logger:    logger,
		peakUsage: make(map[string]float64),
	}
}

// ID returns the aggregator's identifier.
func (a *Aggregator) ID() string { return a.cfg.ID }

// DependsOn returns the declared cross-aggregator dependencies.
func (a *Aggregator) DependsOn() []AggregatorDependency { return a.cfg.DependsOn }

// Metadata implements discovery for external tooling.
func (a *Aggregator) Metadata() Metadata {
	return Metadata{
		ID:          a.cfg.ID,
		Name:        a.cfg.Name,
		Description: a.cfg.Description,
		Category:    a.cfg.Category,
		Tags:        a.cfg.Tags,
	}
}

// PerformanceMetrics summarizes completed runs for monitoring collectors.
func (a *Aggregator) PerformanceMetrics() PerformanceMetrics {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	m := PerformanceMetrics{Runs: a.completedRuns}
	if a.completedRuns > 0 {
		m.AvgDuration = a.totalDuration / time.Duration(a.completedRuns)
		m.SuccessRate = float64(a.succeededRuns) / float64(a.completedRuns)
	}
	if len(a.peakUsage) > 0 {
		m.ResourceUsage = make(map[string]float64, len(a.peakUsage))
		for name, amount := range a.peakUsage {
			m.ResourceUsage[name] = amount
		}
	}
	return m
}

// AddBehavior appends a behavior. Valid only before a run starts.
func (a *Aggregator) AddBehavior(b *Behavior) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs > 0 {
		return compositionLocked(a.cfg.ID)
	}
	a.behaviors = append(a.behaviors, b)
	return nil
}

// RemoveBehavior removes the behavior with the given ID. Valid only before
// a run starts.
func (a *Aggregator) RemoveBehavior(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs > 0 {
		return compositionLocked(a.cfg.ID)
	}
	for i, b := range a.behaviors {
		if b.ID == id {
			a.behaviors = append(a.behaviors[:i], a.behaviors[i+1:]...)
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("behavior %s not found", id), nil).
		WithCode(ErrCodeValidation).WithStep(a.cfg.ID)
}

// AddDirectCommand appends a direct command. Valid only before a run starts.
func (a *Aggregator) AddDirectCommand(cmd Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs > 0 {
		return compositionLocked(a.cfg.ID)
	}
	a.commands = append(a.commands, cmd)
	return nil
}

// RemoveDirectCommand removes the direct command with the given ID. Valid
// only before a run starts.
func (a *Aggregator) RemoveDirectCommand(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs > 0 {
		return compositionLocked(a.cfg.ID)
	}
	for i, cmd := range a.commands {
		if cmd.Info().ID == id {
			a.commands = append(a.commands[:i], a.commands[i+1:]...)
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("direct command %s not found", id), nil).
		WithCode(ErrCodeValidation).WithStep(a.cfg.ID)
}

func compositionLocked(aggregatorID string) *PipelineError {
	return NewValidationError("composition is locked while a run is in flight", nil).
		WithCode(ErrCodeCompositionLocked).WithStep(aggregatorID)
}

// snapshot copies the composition under the lock for a run.
func (a *Aggregator) snapshot() ([]*Behavior, []Command) {
	a.mu.Lock()
	defer a.mu.Unlock()
	behaviors := make([]*Behavior, len(a.behaviors))
	copy(behaviors, a.behaviors)
	commands := make([]Command, len(a.commands))
	copy(commands, a.commands)
	return behaviors, commands
}

func (a *Aggregator) planRequest(behaviors []*Behavior, commands []Command) PlanRequest {
	return PlanRequest{
		AggregatorID: a.cfg.ID,
		Strategy:     a.cfg.Strategy,
		Behaviors:    behaviors,
		Commands:     commands,
		Condition:    a.cfg.Condition,
		DefaultRetry: a.cfg.DefaultRetry,
	}
}

// Validate checks that every declared dependency target resolves, every
// behavior and command is well formed, and the declared resource
// requirements are satisfiable against the reported budget.
func (a *Aggregator) Validate(ctx context.Context, pctx *PipelineContext) AggregatorValidationResult {
	var result AggregatorValidationResult
	behaviors, commands := a.snapshot()

	fail := func(err *PipelineError) {
		result.Errors = append(result.Errors, err)
	}

	if a.cfg.ID == "" {
		fail(NewValidationError("aggregator has empty ID", nil).WithCode(ErrCodeValidation))
	}
	if err := a.cfg.Strategy.Validate(); err != nil {
		fail(NewValidationError("aggregator has invalid strategy", err).
			WithCode(ErrCodeValidation).WithStep(a.cfg.ID))
	}
	if a.cfg.Strategy == AggregatorCustom && a.cfg.Custom == nil {
		fail(NewValidationError("custom aggregator needs an orchestration function", nil).
			WithCode(ErrCodeValidation).WithStep(a.cfg.ID))
	}

	for _, b := range behaviors {
		if err := b.Validate(ctx, pctx); err != nil {
			if perr, ok := err.(*PipelineError); ok {
				fail(perr)
			} else {
				fail(NewValidationError("behavior failed validation", err).WithStep(b.ID))
			}
		}
	}
	for _, cmd := range commands {
		if err := cmd.Validate(ctx, pctx); err != nil {
			fail(NewValidationError(
				fmt.Sprintf("direct command %s failed validation", cmd.Info().ID), err,
			).WithCode(ErrCodeValidation).WithStep(cmd.Info().ID))
		}
	}

	if len(result.Errors) == 0 && a.cfg.Strategy != AggregatorCustom {
		plan, err := a.planner.CreateExecutionPlan(ctx, a.planRequest(behaviors, commands), pctx)
		if err != nil {
			if perr, ok := err.(*PipelineError); ok {
				fail(perr)
			} else {
				fail(NewValidationError("plan creation failed", err).WithStep(a.cfg.ID))
			}
		} else {
			warnings, err := a.planner.ValidateExecutionPlan(ctx, plan, pctx)
			if err != nil {
				if perr, ok := err.(*PipelineError); ok {
					fail(perr)
				} else {
					fail(NewValidationError("plan validation failed", err).WithStep(a.cfg.ID))
				}
			}
			result.Warnings = append(result.Warnings, warnings...)
			result.Errors = append(result.Errors, a.unsatisfiableRequirements(ctx, plan)...)
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// unsatisfiableRequirements rejects steps whose individual requirement can
// never fit the reported capacity. Overcommit across steps only queues;
// a single step above capacity can never run.
func (a *Aggregator) unsatisfiableRequirements(ctx context.Context, plan *ExecutionPlan) []*PipelineError {
	if a.cfg.Resources == nil {
		return nil
	}
	usage, err := a.cfg.Resources.Usage(ctx)
	if err != nil {
		return nil
	}

	var errs []*PipelineError
	for _, step := range plan.Steps {
		for _, r := range step.Requirements {
			capAmount, bounded := usage.Capacity[r.Resource]
			if bounded && r.Amount > capAmount {
				errs = append(errs, NewValidationError(
					fmt.Sprintf("step requires %.2f of resource %s but the budget is %.2f",
						r.Amount, r.Resource, capAmount), nil,
				).WithCode(ErrCodeResourceExhausted).WithStep(step.ID))
			}
		}
	}
	return errs
}

// GetExecutionPlan builds, optimizes, and validates the plan for the
// current composition. The plan is rebuilt per run and may differ between
// runs.
func (a *Aggregator) GetExecutionPlan(ctx context.Context, pctx *PipelineContext) (*ExecutionPlan, error) {
	behaviors, commands := a.snapshot()
	plan, err := a.planner.CreateExecutionPlan(ctx, a.planRequest(behaviors, commands), pctx)
	if err != nil {
		return nil, err
	}
	plan, err = a.planner.OptimizeExecutionPlan(ctx, plan, pctx)
	if err != nil {
		return nil, err
	}
	if _, err := a.planner.ValidateExecutionPlan(ctx, plan, pctx); err != nil {
		return nil, err
	}
	return plan, nil
}

// Execute runs the aggregator once against the given pipeline context. A
// nil context gets a fresh one. Cleanup runs exactly once, even on failure
// or cancellation, before Execute returns.
func (a *Aggregator) Execute(ctx context.Context, pctx *PipelineContext) AggregatorResult {
	if pctx == nil {
		pctx = NewPipelineContext()
	}
	started := time.Now()

	a.mu.Lock()
	a.runs++
	behaviors := make([]*Behavior, len(a.behaviors))
	copy(behaviors, a.behaviors)
	commands := make([]Command, len(a.commands))
	copy(commands, a.commands)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.runs--
		a.mu.Unlock()
	}()

	var cleanupOnce sync.Once
	runCleanup := func() {
		cleanupOnce.Do(func() {
			if a.cfg.Cleanup == nil {
				return
			}
			// Cleanup must run even after cancellation.
			cctx := context.WithoutCancel(ctx)
			if err := a.cfg.Cleanup(cctx, pctx); err != nil {
				a.logger.Error().Err(err).Str("run_id", pctx.RunID()).Msg("cleanup failed")
			}
		})
	}
	defer runCleanup()

	rctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	finish := func(res AggregatorResult) AggregatorResult {
		res.AggregatorID = a.cfg.ID
		res.RunID = pctx.RunID()
		res.StartedAt = started
		res.CompletedAt = time.Now()
		res.Duration = res.CompletedAt.Sub(started)
		a.recordRun(res)
		return res
	}

	if a.cfg.Strategy == AggregatorCustom {
		if a.cfg.Custom == nil {
			return finish(AggregatorResult{
				Status: RunStatusFailed,
				Failures: []*PipelineError{
					NewValidationError("custom aggregator needs an orchestration function", nil).
						WithCode(ErrCodeValidation).WithStep(a.cfg.ID),
				},
			})
		}
		return finish(a.cfg.Custom(rctx, pctx, behaviors, commands))
	}

	plan, err := a.planner.CreateExecutionPlan(rctx, a.planRequest(behaviors, commands), pctx)
	if err == nil {
		plan, err = a.planner.OptimizeExecutionPlan(rctx, plan, pctx)
	}
	if err == nil {
		_, err = a.planner.ValidateExecutionPlan(rctx, plan, pctx)
	}
	if err != nil {
		perr, ok := err.(*PipelineError)
		if !ok {
			perr = NewValidationError("planning failed", err).WithStep(a.cfg.ID)
		}
		a.logger.Error().Err(perr).Msg("run blocked by validation")
		return finish(AggregatorResult{
			Status:   RunStatusFailed,
			Failures: []*PipelineError{perr},
		})
	}

	a.logger.Info().
		Str("run_id", pctx.RunID()).
		Str("plan_id", plan.ID).
		Str("strategy", string(plan.Strategy)).
		Int("steps", len(plan.Steps)).
		Msg("run started")

	stepResults, runErr := a.scheduler.Run(rctx, plan, pctx, ScheduleOptions{
		FailFast: a.cfg.FailFast,
		DryRun:   a.cfg.DryRun,
	})

	res := AggregatorResult{
		PlanID: plan.ID,
		Steps:  stepResults,
	}
	res.Summary, res.Failures = a.rollUp(stepResults)
	res.Status = a.deriveStatus(res.Summary, runErr)

	a.logger.Info().
		Str("run_id", pctx.RunID()).
		Str("status", string(res.Status)).
		Int("succeeded", res.Summary.Succeeded).
		Int("failed", res.Summary.Failed).
		Int("skipped", res.Summary.Skipped).
		Int("cancelled", res.Summary.Cancelled).
		Msg("run finished")

	return finish(res)
}

// Cleanup releases run-scoped resources for callers driving the lifecycle
// manually. Execute already invokes it once per run.
func (a *Aggregator) Cleanup(ctx context.Context, pctx *PipelineContext) error {
	if a.cfg.Cleanup == nil {
		return nil
	}
	return a.cfg.Cleanup(ctx, pctx)
}

// rollUp computes the run summary and collects the complete failure tree.
// Nothing is discarded, even when execution continued past a failure.
func (a *Aggregator) rollUp(results map[string]*StepResult) (RunSummary, []*PipelineError) {
	summary := RunSummary{Total: len(results)}
	var failures []*PipelineError

	for _, res := range results {
		switch res.Status {
		case StepStatusSucceeded:
			summary.Succeeded++
		case StepStatusFailed:
			summary.Failed++
		case StepStatusSkipped, StepStatusSkippedUpstream:
			summary.Skipped++
		case StepStatusCancelled:
			summary.Cancelled++
		default:
			summary.Pending++
		}
		if res.Err != nil {
			failures = append(failures, res.Err)
		}
		// Soft failures inside succeeded behaviors stay visible in the tree.
		if res.Behavior != nil && res.Status == StepStatusSucceeded {
			failures = append(failures, res.Behavior.Failures...)
		}
	}
	return summary, failures
}

// deriveStatus maps the summary onto the run status. Skipped steps do not
// degrade a run on their own: an upstream skip always implies a failed step
// elsewhere, and a conditional skip is benign.
func (a *Aggregator) deriveStatus(summary RunSummary, runErr error) RunStatus {
	switch {
	case IsCancelled(runErr) || summary.Cancelled > 0:
		return RunStatusCancelled
	case summary.Failed == 0 && summary.Pending == 0:
		return RunStatusSucceeded
	case summary.Succeeded > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// recordRun accumulates performance metrics.
func (a *Aggregator) recordRun(res AggregatorResult) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	a.completedRuns++
	a.totalDuration += res.Duration
	if res.Status == RunStatusSucceeded {
		a.succeededRuns++
	}
	for _, r := range a.cfg.Requirements {
		if r.Amount > a.peakUsage[r.Resource] {
			a.peakUsage[r.Resource] = r.Amount
		}
	}
}
