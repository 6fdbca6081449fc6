package telemetry

import (
	"fmt"
	"time"
)

// Config bundles the telemetry configuration for a pipewright process.
type Config struct {
	// ServiceName identifies this process in logs, metrics, and traces.
	ServiceName string

	// ServiceVersion is the build version reported with telemetry.
	ServiceVersion string

	// Environment names the deployment environment (dev, staging, prod).
	Environment string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Tracing configures distributed tracing.
	Tracing TracingConfig

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format selects the log encoding (console, json).
	Format string

	// Output is where logs go (stdout, stderr, or a file path).
	Output string

	// EnableCaller adds file:line caller information.
	EnableCaller bool

	// TimeFormat selects the timestamp format (rfc3339, unix, unixms).
	TimeFormat string
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether spans are recorded at all.
	Enabled bool

	// Exporter selects the span exporter (otlp, stdout, none).
	Exporter string

	// Endpoint is the OTLP gRPC endpoint, e.g. "localhost:4317".
	Endpoint string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool

	// SamplingRate is the trace sampling ratio (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout bounds each export batch.
	ExportTimeout time.Duration
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string

	// Listen is the address the /metrics endpoint binds to.
	Listen string

	// DurationBuckets overrides the default histogram buckets (seconds).
	DurationBuckets []float64
}

// DefaultConfig returns a development-friendly telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "pipewright",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pipewright",
			Listen:    ":9090",
		},
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry: service name is required")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("telemetry: unsupported log format %q", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("telemetry: unsupported trace exporter %q", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("telemetry: sampling rate must be within [0, 1], got %.2f", c.Tracing.SamplingRate)
		}
	}
	return nil
}
