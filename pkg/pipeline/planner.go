package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecutionPlanner turns an aggregator's declarative composition into a
// validated, optimized ExecutionPlan. Plans are rebuilt per run from the
// current composition and may differ between runs.
type ExecutionPlanner struct {
	// history supplies duration estimates from past runs; optional.
	history DurationSource

	// resources is queried for headroom during strategy selection and
	// overcommit checks; optional.
	resources ResourceManager

	// conditions resolves expression-form conditional edges; optional.
	conditions ConditionEvaluator

	logger zerolog.Logger
}

// NewExecutionPlanner creates a planner. history, resources, and conditions
// may each be nil; the planner then falls back to declared defaults, skips
// headroom checks, and rejects expression conditions respectively.
func NewExecutionPlanner(history DurationSource, resources ResourceManager, logger zerolog.Logger) *ExecutionPlanner {
	return &ExecutionPlanner{
		history:   history,
		resources: resources,
		logger:    logger.With().Str("component", "planner").Logger(),
	}
}

// WithConditionEvaluator sets the evaluator for expression-form conditional
// dependencies.
func (p *ExecutionPlanner) WithConditionEvaluator(eval ConditionEvaluator) *ExecutionPlanner {
	p.conditions = eval
	return p
}

// PlanRequest is the flattened composition the planner builds a plan from.
type PlanRequest struct {
	// AggregatorID identifies the owning aggregator.
	AggregatorID string

	// Strategy is the aggregator's declared execution strategy.
	Strategy AggregatorStrategy

	// Behaviors are the aggregator's behaviors in declared order.
	Behaviors []*Behavior

	// Commands are the aggregator's direct commands in declared order.
	Commands []Command

	// Condition gates each unit under the conditional strategy. It receives
	// the unit ID; a false result skips the unit for this run.
	Condition func(pctx *PipelineContext, unitID string) bool

	// DefaultRetry is applied to steps that declare no retry policy of
	// their own; optional.
	DefaultRetry *RetryPolicy
}

// CreateExecutionPlan flattens the composition into execution steps,
// attaches dependencies, resource requirements, and estimated durations, and
// selects an overall plan strategy.
func (p *ExecutionPlanner) CreateExecutionPlan(
	ctx context.Context,
	req PlanRequest,
	pctx *PipelineContext,
) (*ExecutionPlan, error) {
	if err := req.Strategy.Validate(); err != nil {
		return nil, NewValidationError("plan request has invalid strategy", err).
			WithCode(ErrCodeValidation)
	}

	plan := &ExecutionPlan{
		ID:           uuid.New().String(),
		AggregatorID: req.AggregatorID,
		Steps:        make([]*ExecutionStep, 0, len(req.Behaviors)+len(req.Commands)),
		CreatedAt:    time.Now(),
	}

	for _, behavior := range req.Behaviors {
		step, err := p.behaviorStep(ctx, behavior, req, pctx)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, step)
	}
	for _, cmd := range req.Commands {
		plan.Steps = append(plan.Steps, p.commandStep(ctx, cmd, req, pctx))
	}

	// The sequential strategy chains every step to its predecessor in
	// declared order; declared dependencies stay in place on top.
	if req.Strategy == AggregatorSequential {
		for i := 1; i < len(plan.Steps); i++ {
			plan.Steps[i].DependsOn = append(plan.Steps[i].DependsOn, Dependency{
				TargetID: plan.Steps[i-1].ID,
				Type:     DependencyExecution,
			})
		}
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(plan.Steps)
	if err != nil {
		return nil, err
	}
	plan.Graph = graph

	// The phased strategy turns the computed levels into strict phases:
	// every step depends on the whole previous level, so phase N+1 never
	// starts while any step of phase N is still running.
	if req.Strategy == AggregatorPhased && p.addPhaseBarriers(plan) {
		graph, err = NewDAGBuilder().BuildGraph(plan.Steps)
		if err != nil {
			return nil, err
		}
		plan.Graph = graph
	}

	reqLists := make([][]ResourceRequirement, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		reqLists = append(reqLists, step.Requirements)
	}
	plan.Requirements = mergeRequirements(reqLists...)
	plan.EstimatedDuration = p.criticalPath(plan)
	plan.Strategy = p.selectStrategy(ctx, req, plan)

	p.logger.Debug().
		Str("plan_id", plan.ID).
		Str("aggregator_id", plan.AggregatorID).
		Str("strategy", string(plan.Strategy)).
		Int("steps", len(plan.Steps)).
		Int("depth", graph.Depth).
		Msg("execution plan created")

	return plan, nil
}

// behaviorStep builds the execution step for one behavior.
func (p *ExecutionPlanner) behaviorStep(
	ctx context.Context,
	behavior *Behavior,
	req PlanRequest,
	pctx *PipelineContext,
) (*ExecutionStep, error) {
	name := behavior.Name
	if name == "" {
		name = behavior.ID
	}

	deps, err := p.resolveDependencies(ctx, behavior.ID, behavior.DependsOn, pctx)
	if err != nil {
		return nil, err
	}

	reqLists := [][]ResourceRequirement{behavior.Requirements}
	priority := 0
	var declared time.Duration
	for _, cmd := range behavior.Commands {
		info := cmd.Info()
		reqLists = append(reqLists, info.Requirements)
		if info.Priority > priority {
			priority = info.Priority
		}
		declared += info.EstimatedDuration
	}

	timeout := behavior.Timeout
	if timeout <= 0 {
		timeout = DefaultBehaviorTimeout
	}

	step := &ExecutionStep{
		ID:                behavior.ID,
		Name:              name,
		Type:              StepTypeBehavior,
		Priority:          priority,
		EstimatedDuration: p.estimateDuration(ctx, name, declared),
		Requirements:      mergeRequirements(reqLists...),
		DependsOn:         deps,
		Parallelizable:    req.Strategy != AggregatorSequential,
		Retry:             firstRetry(behavior.Retry, req.DefaultRetry),
		Timeout:           timeout,
		behavior:          behavior,
	}
	p.attachCondition(step, req)
	return step, nil
}

// commandStep builds the execution step for one direct command.
func (p *ExecutionPlanner) commandStep(
	ctx context.Context,
	cmd Command,
	req PlanRequest,
	pctx *PipelineContext,
) *ExecutionStep {
	info := cmd.Info()
	name := info.Name
	if name == "" {
		name = info.ID
	}

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	step := &ExecutionStep{
		ID:                info.ID,
		Name:              name,
		Type:              StepTypeCommand,
		Priority:          info.Priority,
		EstimatedDuration: p.estimateDuration(ctx, name, info.EstimatedDuration),
		Requirements:      info.Requirements,
		Parallelizable:    info.Parallelizable && req.Strategy != AggregatorSequential,
		Retry:             req.DefaultRetry,
		Timeout:           timeout,
		command:           cmd,
	}
	p.attachCondition(step, req)
	return step
}

func (p *ExecutionPlanner) attachCondition(step *ExecutionStep, req PlanRequest) {
	if req.Strategy != AggregatorConditional || req.Condition == nil {
		return
	}
	id := step.ID
	cond := req.Condition
	step.condition = func(pctx *PipelineContext) bool { return cond(pctx, id) }
}

// resolveDependencies copies the declared edges, resolving conditional edges
// against the pipeline context at plan time: a false predicate drops the
// edge for this run, a true one keeps it with blocking semantics.
func (p *ExecutionPlanner) resolveDependencies(
	ctx context.Context,
	ownerID string,
	declared []Dependency,
	pctx *PipelineContext,
) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(declared))
	for _, dep := range declared {
		if err := dep.Type.Validate(); err != nil {
			return nil, NewValidationError("invalid dependency type", err).
				WithCode(ErrCodeValidation).WithStep(ownerID)
		}
		if dep.Type != DependencyConditional {
			deps = append(deps, dep)
			continue
		}

		keep, err := p.evaluateCondition(ctx, dep, pctx)
		if err != nil {
			return nil, NewValidationError(
				fmt.Sprintf("failed to evaluate condition on dependency %s -> %s", ownerID, dep.TargetID),
				err,
			).WithCode(ErrCodeValidation).WithStep(ownerID)
		}
		if keep {
			deps = append(deps, Dependency{TargetID: dep.TargetID, Type: DependencyHard})
		} else {
			p.logger.Debug().
				Str("step", ownerID).
				Str("target", dep.TargetID).
				Msg("conditional dependency dropped for this run")
		}
	}
	return deps, nil
}

func (p *ExecutionPlanner) evaluateCondition(ctx context.Context, dep Dependency, pctx *PipelineContext) (bool, error) {
	if dep.Condition != nil {
		return dep.Condition(pctx), nil
	}
	if dep.ConditionExpr != "" {
		if p.conditions == nil {
			return false, fmt.Errorf("no condition evaluator configured for expression %q", dep.ConditionExpr)
		}
		var vars map[string]any
		if pctx != nil {
			vars = pctx.Snapshot()
		}
		return p.conditions.Evaluate(ctx, dep.ConditionExpr, vars)
	}
	// A conditional edge without a predicate is always kept.
	return true, nil
}

// estimateDuration prefers historical metrics over the declared default.
func (p *ExecutionPlanner) estimateDuration(ctx context.Context, name string, declared time.Duration) time.Duration {
	if p.history != nil {
		if avg, ok := p.history.AverageDuration(ctx, name); ok && avg > 0 {
			return avg
		}
	}
	return declared
}

// selectStrategy picks the overall plan strategy from step count, declared
// parallelizability, and resource headroom.
func (p *ExecutionPlanner) selectStrategy(ctx context.Context, req PlanRequest, plan *ExecutionPlan) PlanStrategy {
	switch req.Strategy {
	case AggregatorSequential:
		return PlanSequential
	case AggregatorResourceAware:
		return PlanAdaptive
	}

	if len(plan.Steps) <= 1 {
		return PlanSequential
	}

	parallelizable := 0
	for _, step := range plan.Steps {
		if step.Parallelizable {
			parallelizable++
		}
	}
	if parallelizable == 0 {
		return PlanSequential
	}

	// A plan with declared resource needs under a bounded budget is gated
	// adaptively even when the aggregator did not ask for it.
	if p.resources != nil && len(plan.Requirements) > 0 {
		if usage, err := p.resources.Usage(ctx); err == nil {
			for _, r := range plan.Requirements {
				if headroom, bounded := usage.Headroom(r.Resource); bounded && r.Amount > headroom {
					return PlanAdaptive
				}
			}
		}
	}

	if parallelizable == len(plan.Steps) {
		return PlanParallel
	}
	return PlanHybrid
}

// addPhaseBarriers makes each step depend on every step of the previous
// level. Reports whether any edge was added.
func (p *ExecutionPlanner) addPhaseBarriers(plan *ExecutionPlan) bool {
	byLevel := map[int][]*ExecutionStep{}
	for _, step := range plan.Steps {
		byLevel[step.Level] = append(byLevel[step.Level], step)
	}

	added := false
	for level, steps := range byLevel {
		if level == 0 {
			continue
		}
		for _, step := range steps {
			existing := make(map[string]bool, len(step.DependsOn))
			for _, dep := range step.DependsOn {
				existing[dep.TargetID] = true
			}
			for _, prev := range byLevel[level-1] {
				if existing[prev.ID] {
					continue
				}
				step.DependsOn = append(step.DependsOn, Dependency{
					TargetID: prev.ID,
					Type:     DependencyExecution,
				})
				added = true
			}
		}
	}
	return added
}

// criticalPath estimates the plan duration as the sum over levels of the
// longest step in each level.
func (p *ExecutionPlanner) criticalPath(plan *ExecutionPlan) time.Duration {
	if plan.Graph == nil {
		return 0
	}
	longest := make([]time.Duration, plan.Graph.Depth)
	for _, step := range plan.Steps {
		if node, ok := plan.Graph.Nodes[step.ID]; ok {
			if step.EstimatedDuration > longest[node.Level] {
				longest[node.Level] = step.EstimatedDuration
			}
		}
	}
	var total time.Duration
	for _, d := range longest {
		total += d
	}
	return total
}

// OptimizeExecutionPlan reorders independent steps to maximize parallel
// width and merges adjacent steps of the same resource class when provably
// safe. The input plan is modified and returned.
func (p *ExecutionPlanner) OptimizeExecutionPlan(
	ctx context.Context,
	plan *ExecutionPlan,
	pctx *PipelineContext,
) (*ExecutionPlan, error) {
	if plan == nil {
		return nil, NewValidationError("plan is nil", nil).WithCode(ErrCodeValidation)
	}

	merged := p.mergeAdjacentSteps(plan)

	// Rebuild the graph so levels reflect any merges, then order steps by
	// level, priority, and estimated duration so long steps dispatch first
	// within their level.
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(plan.Steps)
	if err != nil {
		return nil, err
	}
	plan.Graph = graph

	sort.SliceStable(plan.Steps, func(i, j int) bool {
		a, b := plan.Steps[i], plan.Steps[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EstimatedDuration > b.EstimatedDuration
	})

	plan.EstimatedDuration = p.criticalPath(plan)
	plan.OptimizationLevel++

	p.logger.Debug().
		Str("plan_id", plan.ID).
		Int("merged", merged).
		Int("optimization_level", plan.OptimizationLevel).
		Msg("execution plan optimized")

	return plan, nil
}

// mergeAdjacentSteps merges chains of two command steps a -> b into one
// sequential behavior step when provably safe: b is a's only dependent, a is
// b's only (blocking) dependency, both share the same resource class and
// parallelizable flag, and neither carries a retry policy of its own.
func (p *ExecutionPlanner) mergeAdjacentSteps(plan *ExecutionPlan) int {
	if plan.Graph == nil {
		return 0
	}

	merged := 0
	for {
		a, b := p.findMergeablePair(plan)
		if a == nil {
			break
		}

		combined := &ExecutionStep{
			ID:                a.ID + "+" + b.ID,
			Name:              a.Name + "+" + b.Name,
			Type:              StepTypeBehavior,
			Priority:          max(a.Priority, b.Priority),
			EstimatedDuration: a.EstimatedDuration + b.EstimatedDuration,
			Requirements:      maxRequirements(a.Requirements, b.Requirements),
			DependsOn:         a.DependsOn,
			Parallelizable:    a.Parallelizable,
			Timeout:           a.Timeout + b.Timeout,
			behavior: &Behavior{
				ID:       a.ID + "+" + b.ID,
				Strategy: BehaviorSequential,
				Commands: []Command{a.command, b.command},
				Timeout:  a.Timeout + b.Timeout,
			},
		}

		steps := make([]*ExecutionStep, 0, len(plan.Steps)-1)
		for _, step := range plan.Steps {
			if step.ID == a.ID || step.ID == b.ID {
				continue
			}
			// Re-point edges that referenced the merged steps.
			for i, dep := range step.DependsOn {
				if dep.TargetID == a.ID || dep.TargetID == b.ID {
					step.DependsOn[i].TargetID = combined.ID
				}
			}
			steps = append(steps, step)
		}
		steps = append(steps, combined)
		plan.Steps = steps

		builder := NewDAGBuilder()
		graph, err := builder.BuildGraph(plan.Steps)
		if err != nil {
			// Should not happen for a safe merge; bail out conservatively.
			return merged
		}
		plan.Graph = graph
		merged++
	}
	return merged
}

// findMergeablePair returns the first safely mergeable adjacent pair, or nils.
func (p *ExecutionPlanner) findMergeablePair(plan *ExecutionPlan) (*ExecutionStep, *ExecutionStep) {
	for _, a := range plan.Steps {
		node := plan.Graph.Nodes[a.ID]
		if a.Type != StepTypeCommand || a.Retry != nil || node == nil || len(node.Dependents) != 1 {
			continue
		}
		b := plan.Step(node.Dependents[0])
		if b == nil {
			continue
		}
		bNode := plan.Graph.Nodes[b.ID]
		if b.Type != StepTypeCommand || b.Retry != nil || bNode == nil || len(bNode.Dependencies) != 1 {
			continue
		}
		if a.Parallelizable != b.Parallelizable {
			continue
		}
		if !sameResourceClass(a.Requirements, b.Requirements) {
			continue
		}
		if b.condition != nil || a.condition != nil {
			continue
		}
		// Only a blocking edge makes sequential merging safe.
		if len(b.DependsOn) != 1 || !b.DependsOn[0].Type.Blocking() {
			continue
		}
		return a, b
	}
	return nil, nil
}

// sameResourceClass reports whether two requirement lists name the same
// resource set.
func sameResourceClass(a, b []ResourceRequirement) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[string]struct{}, len(a))
	for _, r := range a {
		names[r.Resource] = struct{}{}
	}
	for _, r := range b {
		if _, ok := names[r.Resource]; !ok {
			return false
		}
	}
	return true
}

// ValidateExecutionPlan rejects cyclic graphs and unresolvable dependency
// targets as fatal errors and flags missing duration estimates or
// soft-resource overcommitment as non-fatal warnings.
func (p *ExecutionPlanner) ValidateExecutionPlan(
	ctx context.Context,
	plan *ExecutionPlan,
	pctx *PipelineContext,
) ([]ValidationWarning, error) {
	if plan == nil {
		return nil, NewValidationError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := plan.Strategy.Validate(); err != nil {
		return nil, NewValidationError("plan has invalid strategy", err).
			WithCode(ErrCodeValidation)
	}

	// Cycles and unresolved targets are fatal.
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(plan.Steps)
	if err != nil {
		return nil, err
	}
	if err := builder.ValidateGraph(graph); err != nil {
		return nil, err
	}
	plan.Graph = graph

	var warnings []ValidationWarning
	for _, step := range plan.Steps {
		if step.Timeout <= 0 {
			return nil, NewValidationError("step has invalid timeout", nil).
				WithCode(ErrCodeValidation).WithStep(step.ID)
		}
		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return nil, NewValidationError("step has invalid retry policy", err).
					WithCode(ErrCodeValidation).WithStep(step.ID)
			}
		}
		if step.EstimatedDuration <= 0 {
			warnings = append(warnings, ValidationWarning{
				Code:    WarnCodeMissingEstimate,
				Message: "step has no duration estimate; scheduling heuristics degrade",
				Step:    step.ID,
			})
		}
	}

	warnings = append(warnings, p.overcommitWarnings(ctx, plan)...)

	for _, w := range warnings {
		p.logger.Warn().Str("plan_id", plan.ID).Str("step", w.Step).Str("code", w.Code).Msg(w.Message)
	}

	return warnings, nil
}

// overcommitWarnings flags levels whose summed declared requirements exceed
// the reported capacity. Execution stays correct (admission serializes), so
// this is a warning, not an error.
func (p *ExecutionPlanner) overcommitWarnings(ctx context.Context, plan *ExecutionPlan) []ValidationWarning {
	if p.resources == nil || plan.Graph == nil {
		return nil
	}
	usage, err := p.resources.Usage(ctx)
	if err != nil {
		return nil
	}

	levelReqs := make(map[int][][]ResourceRequirement)
	for _, step := range plan.Steps {
		node, ok := plan.Graph.Nodes[step.ID]
		if !ok {
			continue
		}
		levelReqs[node.Level] = append(levelReqs[node.Level], step.Requirements)
	}

	var warnings []ValidationWarning
	for level, lists := range levelReqs {
		for _, r := range mergeRequirements(lists...) {
			capAmount, bounded := usage.Capacity[r.Resource]
			if bounded && r.Amount > capAmount {
				warnings = append(warnings, ValidationWarning{
					Code: WarnCodeResourceOvercommit,
					Message: fmt.Sprintf(
						"level %d declares %.2f of resource %s against a budget of %.2f; steps will queue",
						level, r.Amount, r.Resource, capAmount),
				})
			}
		}
	}
	return warnings
}

// firstRetry returns the first non-nil retry policy.
func firstRetry(policies ...*RetryPolicy) *RetryPolicy {
	for _, p := range policies {
		if p != nil {
			return p
		}
	}
	return nil
}
