// Package telemetry wires logging, metrics, and tracing for pipewright.
//
// NewLogger builds the zerolog root logger every component derives from.
// NewMetrics creates a Prometheus registry exposing run and step metrics,
// served via Handler. InitTracing installs the global OpenTelemetry tracer
// provider. Observer bridges the pipeline's event stream into metrics and
// structured logs.
package telemetry
