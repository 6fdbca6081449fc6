package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/pkg/pipeline"
)

// CommandFactory builds a pipeline command from its config declaration.
type CommandFactory func(cfg CommandConfig) (pipeline.Command, error)

// CommandRegistry maps `uses:` names to command factories.
type CommandRegistry struct {
	mu        sync.RWMutex
	factories map[string]CommandFactory
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{factories: make(map[string]CommandFactory)}
}

// Register adds a factory under a name, replacing any previous entry.
func (r *CommandRegistry) Register(name string, factory CommandFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered factory names, sorted.
func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// build constructs the command declared by cfg.
func (r *CommandRegistry) build(cfg CommandConfig) (pipeline.Command, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Uses]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("command %q uses unknown factory %q", cfg.ID, cfg.Uses)
	}
	cmd, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", cfg.ID, err)
	}
	return cmd, nil
}

// BuildDeps are the runtime collaborators wired into built aggregators.
type BuildDeps struct {
	// Registry resolves `uses:` names; required.
	Registry *CommandRegistry

	// Resources is the resource budget built from cfg.Resources when nil.
	Resources pipeline.ResourceManager

	// History supplies duration estimates; optional.
	History pipeline.DurationSource

	// Events receives timeline events; optional.
	Events pipeline.EventSink

	// Conditions resolves `when:` expressions; a Starlark evaluator with
	// default timeout when nil.
	Conditions pipeline.ConditionEvaluator

	// Logger is the structured logger.
	Logger zerolog.Logger

	// DryRun builds aggregators that record steps as immediate successes
	// without executing them.
	DryRun bool
}

// Build turns a validated pipeline configuration into a runnable Runner
// with one aggregator per config entry.
func Build(cfg *PipelineConfig, deps BuildDeps) (*pipeline.Runner, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("command registry is required")
	}
	if deps.Resources == nil && len(cfg.Resources) > 0 {
		deps.Resources = pipeline.NewMemoryResourceManager(cfg.Resources)
	}
	if deps.Conditions == nil {
		deps.Conditions = NewStarlarkConditionEvaluator(0)
	}

	runner := pipeline.NewRunner(deps.Logger,
		pipeline.WithRunnerConditionEvaluator(deps.Conditions),
		pipeline.WithRunnerEventSink(deps.Events),
	)
	for _, aggCfg := range cfg.Aggregators {
		agg, err := buildAggregator(aggCfg, cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("aggregator %q: %w", aggCfg.ID, err)
		}
		runner.Add(agg)
	}
	return runner, nil
}

func buildAggregator(aggCfg AggregatorConfig, cfg *PipelineConfig, deps BuildDeps) (*pipeline.Aggregator, error) {
	agg := pipeline.NewAggregator(pipeline.AggregatorConfig{
		ID:           aggCfg.ID,
		Name:         aggCfg.Name,
		Description:  aggCfg.Description,
		Category:     aggCfg.Category,
		Tags:         aggCfg.Tags,
		Strategy:     pipeline.AggregatorStrategy(aggCfg.Strategy),
		Timeout:      aggCfg.Timeout.Std(),
		Requirements: buildRequirements(aggCfg.Requirements),
		DependsOn:    buildDependencies(aggCfg.DependsOn),
		DefaultRetry: buildRetry(aggCfg.Retry),
		MaxWorkers:   cfg.MaxWorkers,
		FailFast:     aggCfg.FailFast,
		DryRun:       deps.DryRun,
		Resources:    deps.Resources,
		History:      deps.History,
		Events:       deps.Events,
		Conditions:   deps.Conditions,
		Logger:       deps.Logger,
	})

	for _, bCfg := range aggCfg.Behaviors {
		behavior, err := buildBehavior(bCfg, deps.Registry)
		if err != nil {
			return nil, err
		}
		if err := agg.AddBehavior(behavior); err != nil {
			return nil, err
		}
	}
	for _, cCfg := range aggCfg.Commands {
		cmd, err := deps.Registry.build(cCfg)
		if err != nil {
			return nil, err
		}
		if err := agg.AddDirectCommand(decorate(cmd, cCfg)); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

func buildBehavior(bCfg BehaviorConfig, registry *CommandRegistry) (*pipeline.Behavior, error) {
	commands := make([]pipeline.Command, 0, len(bCfg.Commands))
	for _, cCfg := range bCfg.Commands {
		cmd, err := registry.build(cCfg)
		if err != nil {
			return nil, fmt.Errorf("behavior %q: %w", bCfg.ID, err)
		}
		commands = append(commands, decorate(cmd, cCfg))
	}

	return &pipeline.Behavior{
		ID:           bCfg.ID,
		Name:         bCfg.Name,
		Strategy:     pipeline.BehaviorStrategy(bCfg.Strategy),
		Commands:     commands,
		DependsOn:    buildDependencies(bCfg.DependsOn),
		BatchSize:    bCfg.BatchSize,
		Retry:        buildRetry(bCfg.Retry),
		Timeout:      bCfg.Timeout.Std(),
		Requirements: buildRequirements(bCfg.Requirements),
	}, nil
}

// decorate overlays config-declared descriptor fields onto a built command.
// Factories own the work function; the config owns scheduling metadata.
func decorate(cmd pipeline.Command, cfg CommandConfig) pipeline.Command {
	fc, ok := cmd.(*pipeline.FuncCommand)
	if !ok {
		return cmd
	}

	info := fc.Info()
	info.ID = cfg.ID
	if cfg.Name != "" {
		info.Name = cfg.Name
	} else {
		info.Name = cfg.ID
	}
	if cfg.Severity != "" {
		info.Severity = pipeline.FailureSeverity(cfg.Severity)
	}
	if cfg.Priority != 0 {
		info.Priority = cfg.Priority
	}
	if cfg.Timeout > 0 {
		info.Timeout = cfg.Timeout.Std()
	}
	if cfg.EstimatedDuration > 0 {
		info.EstimatedDuration = cfg.EstimatedDuration.Std()
	}
	if cfg.Parallelizable {
		info.Parallelizable = true
	}
	if len(cfg.Requirements) > 0 {
		info.Requirements = buildRequirements(cfg.Requirements)
	}
	return fc.WithInfo(info)
}

func buildDependencies(deps []DependencyConfig) []pipeline.Dependency {
	if len(deps) == 0 {
		return nil
	}
	out := make([]pipeline.Dependency, 0, len(deps))
	for _, d := range deps {
		depType := pipeline.DependencyType(d.Type)
		if d.Type == "" {
			depType = pipeline.DependencyHard
		}
		if d.When != "" {
			depType = pipeline.DependencyConditional
		}
		out = append(out, pipeline.Dependency{
			TargetID:      d.Target,
			Type:          depType,
			ConditionExpr: d.When,
		})
	}
	return out
}

func buildRequirements(reqs []RequirementConfig) []pipeline.ResourceRequirement {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]pipeline.ResourceRequirement, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, pipeline.ResourceRequirement{Resource: r.Resource, Amount: r.Amount})
	}
	return out
}

func buildRetry(cfg *RetryConfig) *pipeline.RetryPolicy {
	if cfg == nil {
		return nil
	}
	policy := &pipeline.RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay.Std(),
		MaxDelay:     cfg.MaxDelay.Std(),
		Multiplier:   cfg.Multiplier,
	}
	switch cfg.Strategy {
	case "fixed":
		policy.Strategy = pipeline.RetryFixedDelay
	case "exponential":
		policy.Strategy = pipeline.RetryExponentialBackoff
	case "linear":
		policy.Strategy = pipeline.RetryLinearBackoff
	}
	if policy.InitialDelay == 0 {
		policy.InitialDelay = pipeline.DefaultRetryPolicy().InitialDelay
	}
	if policy.Multiplier == 0 {
		policy.Multiplier = pipeline.DefaultRetryPolicy().Multiplier
	}
	return policy
}
