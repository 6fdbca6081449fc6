// Package config loads, validates, and materializes pipeline configurations.
//
// A configuration is a YAML (or JSON) document declaring aggregators,
// behaviors, and commands. Commands are declared by reference: the `uses:`
// field names a factory in a CommandRegistry and `with:` carries its
// parameters, so the config layer never embeds executable code.
//
// Conditional dependency edges carry a `when:` Starlark expression, resolved
// against a snapshot of the pipeline context at plan time by
// StarlarkConditionEvaluator.
//
// Build turns a validated PipelineConfig into a runnable pipeline.Runner;
// Watcher reloads a config file on change for long-running processes.
package config
