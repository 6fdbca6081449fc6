package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "1m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PipelineConfig is the root of a pipeline configuration document.
type PipelineConfig struct {
	// Version is the config schema version.
	Version string `yaml:"version" validate:"required,oneof=1 v1"`

	// Name identifies the pipeline.
	Name string `yaml:"name" validate:"required"`

	// Description is free-form documentation.
	Description string `yaml:"description,omitempty"`

	// Resources declares the resource budget the run is gated against.
	Resources map[string]float64 `yaml:"resources,omitempty" validate:"dive,gte=0"`

	// MaxWorkers bounds the scheduler worker pool.
	MaxWorkers int `yaml:"max_workers,omitempty" validate:"gte=0"`

	// Defaults apply to every aggregator that leaves the field unset.
	Defaults DefaultsConfig `yaml:"defaults,omitempty"`

	// Aggregators are the pipeline's top-level units.
	Aggregators []AggregatorConfig `yaml:"aggregators" validate:"required,min=1,dive"`
}

// DefaultsConfig carries pipeline-wide fallbacks.
type DefaultsConfig struct {
	// Retry applies to steps without a retry policy of their own.
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// Timeout applies to aggregators without a timeout of their own.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// AggregatorConfig declares one aggregator.
type AggregatorConfig struct {
	ID          string   `yaml:"id" validate:"required"`
	Name        string   `yaml:"name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Category    string   `yaml:"category,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`

	// Strategy selects the aggregator execution strategy.
	Strategy string `yaml:"strategy" validate:"required,oneof=sequential parallel conditional phased dependency_ordered resource_aware"`

	// Timeout bounds one run of this aggregator.
	Timeout Duration `yaml:"timeout,omitempty"`

	// DependsOn declares edges to other aggregators.
	DependsOn []DependencyConfig `yaml:"depends_on,omitempty" validate:"dive"`

	// Requirements declares aggregator-level resource needs.
	Requirements []RequirementConfig `yaml:"requirements,omitempty" validate:"dive"`

	// Retry applies to this aggregator's steps without their own policy.
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// FailFast stops dispatching new steps after the first hard failure.
	FailFast bool `yaml:"fail_fast,omitempty"`

	// Behaviors are the aggregator's behaviors in declared order.
	Behaviors []BehaviorConfig `yaml:"behaviors,omitempty" validate:"dive"`

	// Commands are direct commands outside any behavior.
	Commands []CommandConfig `yaml:"commands,omitempty" validate:"dive"`
}

// BehaviorConfig declares one behavior.
type BehaviorConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name,omitempty"`

	// Strategy selects the behavior execution strategy.
	Strategy string `yaml:"strategy" validate:"required,oneof=sequential parallel conditional batched retry fallback"`

	// BatchSize is the batch width for the batched strategy.
	BatchSize int `yaml:"batch_size,omitempty" validate:"gte=0"`

	// Timeout bounds one execution of this behavior.
	Timeout Duration `yaml:"timeout,omitempty"`

	// DependsOn declares edges to sibling behaviors or direct commands.
	DependsOn []DependencyConfig `yaml:"depends_on,omitempty" validate:"dive"`

	// Requirements declares behavior-level resource needs.
	Requirements []RequirementConfig `yaml:"requirements,omitempty" validate:"dive"`

	// Retry is the behavior's retry policy.
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// Commands are the behavior's commands in declared order.
	Commands []CommandConfig `yaml:"commands" validate:"required,min=1,dive"`
}

// CommandConfig declares one command by the registry entry it uses.
type CommandConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name,omitempty"`

	// Uses names the registered command factory ("shell", "sleep", ...).
	Uses string `yaml:"uses" validate:"required"`

	// With carries factory-specific parameters.
	With map[string]any `yaml:"with,omitempty"`

	// Severity classifies how a failure affects the group (hard/soft).
	Severity string `yaml:"severity,omitempty" validate:"omitempty,oneof=hard soft"`

	// Priority orders commands within the same topological level.
	Priority int `yaml:"priority,omitempty"`

	// Timeout bounds one execution attempt.
	Timeout Duration `yaml:"timeout,omitempty"`

	// EstimatedDuration is the declared duration estimate.
	EstimatedDuration Duration `yaml:"estimated_duration,omitempty"`

	// Parallelizable marks the command safe for concurrent dispatch.
	Parallelizable bool `yaml:"parallelizable,omitempty"`

	// Requirements declares the command's resource needs.
	Requirements []RequirementConfig `yaml:"requirements,omitempty" validate:"dive"`
}

// DependencyConfig declares one dependency edge.
type DependencyConfig struct {
	// Target is the ID of the unit this edge points at.
	Target string `yaml:"target" validate:"required"`

	// Type is the edge classification; hard if empty.
	Type string `yaml:"type,omitempty" validate:"omitempty,oneof=hard soft required optional execution data resource conditional"`

	// When is a Starlark expression gating a conditional edge. Setting it
	// forces the conditional type.
	When string `yaml:"when,omitempty"`
}

// RequirementConfig declares one resource requirement.
type RequirementConfig struct {
	Resource string  `yaml:"resource" validate:"required"`
	Amount   float64 `yaml:"amount" validate:"gt=0"`
}

// RetryConfig declares one retry policy.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts" validate:"required,gte=1"`
	InitialDelay Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `yaml:"max_delay,omitempty"`
	Multiplier   float64  `yaml:"multiplier,omitempty" validate:"gte=0"`
	Strategy     string   `yaml:"strategy" validate:"required,oneof=fixed exponential linear"`
}
