package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner executes a set of aggregators as one pipeline, honoring the
// dependencies they declare on each other. Aggregator edges follow the same
// rules as step edges: blocking types gate the dependent on success, soft
// types never block, and conditional edges are resolved before execution
// begins.
type Runner struct {
	mu          sync.Mutex
	aggregators []*Aggregator
	conditions  ConditionEvaluator
	events      EventSink
	logger      zerolog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerConditionEvaluator installs an evaluator for expression-form
// conditional edges between aggregators.
func WithRunnerConditionEvaluator(eval ConditionEvaluator) RunnerOption {
	return func(r *Runner) { r.conditions = eval }
}

// WithRunnerEventSink installs a sink for pipeline-level events.
func WithRunnerEventSink(sink EventSink) RunnerOption {
	return func(r *Runner) { r.events = sink }
}

// NewRunner creates a runner over the given aggregators.
func NewRunner(logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{logger: logger.With().Str("component", "runner").Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers an aggregator with the runner.
func (r *Runner) Add(agg *Aggregator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregators = append(r.aggregators, agg)
}

// Aggregators returns the registered aggregators in registration order.
func (r *Runner) Aggregators() []*Aggregator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Aggregator, len(r.aggregators))
	copy(out, r.aggregators)
	return out
}

// PipelineResult is the outcome of one Runner.Run across all aggregators.
type PipelineResult struct {
	Status     RunStatus
	Aggregator map[string]AggregatorResult
}

// Run executes every registered aggregator in dependency order. Aggregators
// whose blocking dependency did not fully succeed are marked skipped-upstream
// and never execute; soft dependencies only order, they never veto.
func (r *Runner) Run(ctx context.Context, pctx *PipelineContext) (PipelineResult, error) {
	if pctx == nil {
		pctx = NewPipelineContext()
	}

	r.mu.Lock()
	aggregators := make([]*Aggregator, len(r.aggregators))
	copy(aggregators, r.aggregators)
	r.mu.Unlock()

	result := PipelineResult{Aggregator: make(map[string]AggregatorResult, len(aggregators))}
	if len(aggregators) == 0 {
		result.Status = RunStatusSucceeded
		return result, nil
	}

	r.publish(ctx, pctx, EventRunStarted, fmt.Sprintf("pipeline started with %d aggregators", len(aggregators)))

	byID := make(map[string]*Aggregator, len(aggregators))
	resolved := make(map[string][]Dependency, len(aggregators))
	steps := make([]*ExecutionStep, 0, len(aggregators))
	for _, agg := range aggregators {
		if _, dup := byID[agg.ID()]; dup {
			return result, NewValidationError(
				fmt.Sprintf("duplicate aggregator ID: %s", agg.ID()), nil,
			).WithCode(ErrCodeDuplicateID)
		}
		byID[agg.ID()] = agg
		// Edges are resolved once per run; the DAG and the upstream gating
		// below both work off the same resolved set.
		resolved[agg.ID()] = r.resolveEdges(ctx, agg, pctx)
		steps = append(steps, &ExecutionStep{
			ID:        agg.ID(),
			Name:      agg.Metadata().Name,
			Type:      StepTypeBehavior,
			DependsOn: resolved[agg.ID()],
		})
	}

	builder := NewDAGBuilder()
	if _, err := builder.BuildGraph(steps); err != nil {
		return result, err
	}

	var resultsMu sync.Mutex
	for _, level := range builder.GetLevels() {
		select {
		case <-ctx.Done():
			r.markRemaining(aggregators, pctx, result.Aggregator)
			result.Status = RunStatusCancelled
			r.publish(ctx, pctx, EventRunCancelled, "pipeline cancelled")
			return result, NewCancelledOutcome("pipeline cancelled", ctx.Err())
		default:
		}

		var wg sync.WaitGroup
		for _, id := range level {
			agg := byID[id]

			resultsMu.Lock()
			skip, cause := r.blockedUpstream(resolved[id], result.Aggregator)
			resultsMu.Unlock()
			if skip {
				resultsMu.Lock()
				result.Aggregator[id] = AggregatorResult{
					AggregatorID: id,
					RunID:        pctx.RunID(),
					Status:       RunStatusSkippedUpstream,
					Failures: []*PipelineError{
						NewAggregatorFailure(
							fmt.Sprintf("aggregator %s skipped: upstream %s did not succeed", id, cause),
							nil,
						).WithCode(ErrCodeDependencyFailed).WithStep(id),
					},
				}
				resultsMu.Unlock()
				r.logger.Warn().Str("aggregator", id).Str("upstream", cause).
					Msg("aggregator skipped after upstream failure")
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				res := agg.Execute(ctx, pctx)
				resultsMu.Lock()
				result.Aggregator[agg.ID()] = res
				resultsMu.Unlock()
			}()
		}
		wg.Wait()
	}

	result.Status = r.deriveStatus(result.Aggregator)
	switch result.Status {
	case RunStatusCancelled:
		r.publish(ctx, pctx, EventRunCancelled, "pipeline cancelled")
		return result, NewCancelledOutcome("pipeline cancelled", ctx.Err())
	case RunStatusSucceeded:
		r.publish(ctx, pctx, EventRunCompleted, "pipeline completed")
	default:
		r.publish(ctx, pctx, EventRunFailed, fmt.Sprintf("pipeline finished %s", result.Status))
	}
	return result, nil
}

func (r *Runner) publish(ctx context.Context, pctx *PipelineContext, typ EventType, msg string) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     pctx.RunID(),
		Message:   msg,
	})
}

// resolveEdges resolves conditional edges now and keeps the rest. A kept
// conditional edge hardens into a blocking edge.
func (r *Runner) resolveEdges(ctx context.Context, agg *Aggregator, pctx *PipelineContext) []Dependency {
	edges := agg.DependsOn()
	resolved := make([]Dependency, 0, len(edges))
	for _, dep := range edges {
		if dep.Type != DependencyConditional {
			resolved = append(resolved, dep)
			continue
		}

		keep := true
		switch {
		case dep.Condition != nil:
			keep = dep.Condition(pctx)
		case dep.ConditionExpr != "" && r.conditions != nil:
			ok, err := r.conditions.Evaluate(ctx, dep.ConditionExpr, pctx.Snapshot())
			if err != nil {
				r.logger.Warn().Err(err).Str("aggregator", agg.ID()).
					Str("target", dep.TargetID).Msg("conditional edge kept after evaluation error")
				ok = true
			}
			keep = ok
		}

		if keep {
			resolved = append(resolved, Dependency{TargetID: dep.TargetID, Type: DependencyHard})
		} else {
			r.logger.Debug().Str("aggregator", agg.ID()).Str("target", dep.TargetID).
				Msg("conditional edge dropped")
		}
	}
	return resolved
}

// blockedUpstream reports whether a blocking edge of the resolved set ended
// in a non-succeeded upstream. It inspects the edges the DAG was built from,
// so a conditional edge dropped at resolution never vetoes. Blocking edges
// require full success: a partial upstream does not satisfy them, matching
// the scheduler's per-step gating.
func (r *Runner) blockedUpstream(deps []Dependency, results map[string]AggregatorResult) (bool, string) {
	for _, dep := range deps {
		if !dep.Type.Blocking() {
			continue
		}
		if upstream, ran := results[dep.TargetID]; ran && upstream.Status != RunStatusSucceeded {
			return true, dep.TargetID
		}
	}
	return false, ""
}

// markRemaining records cancelled placeholders for aggregators that never
// ran before the context ended.
func (r *Runner) markRemaining(aggregators []*Aggregator, pctx *PipelineContext, results map[string]AggregatorResult) {
	for _, agg := range aggregators {
		if _, done := results[agg.ID()]; !done {
			results[agg.ID()] = AggregatorResult{
				AggregatorID: agg.ID(),
				RunID:        pctx.RunID(),
				Status:       RunStatusCancelled,
			}
		}
	}
}

func (r *Runner) deriveStatus(results map[string]AggregatorResult) RunStatus {
	var succeeded, failed, cancelled, partial, skipped int
	for _, res := range results {
		switch res.Status {
		case RunStatusSucceeded:
			succeeded++
		case RunStatusPartial:
			partial++
		case RunStatusSkippedUpstream:
			skipped++
		case RunStatusCancelled:
			cancelled++
		default:
			failed++
		}
	}
	switch {
	case cancelled > 0:
		return RunStatusCancelled
	case failed == 0 && partial == 0 && skipped == 0:
		return RunStatusSucceeded
	case succeeded > 0 || partial > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}
