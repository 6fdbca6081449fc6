package commands

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/config"
	"github.com/pipewright/pipewright/pkg/history"
	"github.com/pipewright/pipewright/pkg/pipeline"
	"github.com/pipewright/pipewright/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		vars          []string
		historyPath   string
		metricsListen string
		dryRun        bool
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline",
		Long: `Execute every aggregator in the pipeline config in dependency order.

Pipeline context variables supplied with --var are visible to Starlark
"when:" expressions and to commands.`,
		Example: `  # Run the pipeline in ./pipeline.yaml
  pipewright run

  # Run with context variables and persistent history
  pipewright run -c release.yaml --var env=production --history runs.db

  # Expose Prometheus metrics while running
  pipewright run --metrics-listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if traceExporter != "" {
				tcfg := telemetry.DefaultConfig()
				tcfg.Tracing.Enabled = true
				tcfg.Tracing.Exporter = traceExporter
				tcfg.Tracing.Endpoint = traceEndpoint
				tcfg.Tracing.Insecure = true
				if err := tcfg.Validate(); err != nil {
					return err
				}
				shutdown, err := telemetry.InitTracing(ctx, tcfg)
				if err != nil {
					return err
				}
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(flushCtx)
				}()
			}

			metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:   metricsListen != "",
				Namespace: "pipewright",
				Listen:    metricsListen,
			})
			if metrics.Enabled() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				server := &http.Server{Addr: metricsListen, Handler: mux}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn().Err(err).Msg("metrics endpoint failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			sinks := []pipeline.EventSink{telemetry.NewObserver(metrics, logger)}
			deps := config.BuildDeps{
				Registry: builtinRegistry(),
				Logger:   logger,
				DryRun:   dryRun,
			}

			var store *history.Store
			if historyPath != "" {
				store, err = history.Open(ctx, historyPath, logger)
				if err != nil {
					return err
				}
				defer store.Close()
				deps.History = store
				sinks = append(sinks, store)
			}
			deps.Events = fanoutSink(sinks)

			runner, err := config.Build(cfg, deps)
			if err != nil {
				return err
			}

			pctx := pipeline.NewPipelineContext()
			for _, pair := range vars {
				key, value, err := splitVar(pair)
				if err != nil {
					return err
				}
				pctx.Set(key, value)
			}

			logger.Info().Str("pipeline", cfg.Name).Msg("Starting pipeline run")
			res, err := runner.Run(ctx, pctx)
			if err != nil {
				return err
			}

			if store != nil {
				for _, agg := range res.Aggregator {
					if saveErr := store.SaveRun(ctx, agg); saveErr != nil {
						logger.Warn().Err(saveErr).Str("aggregator", agg.AggregatorID).Msg("history save failed")
					}
				}
			}

			printRunSummary(cmd, res)
			if res.Status != pipeline.RunStatusSucceeded {
				return fmt.Errorf("pipeline finished with status %s", res.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "pipeline context variable (key=value, repeatable)")
	cmd.Flags().StringVar(&historyPath, "history", "", "SQLite history database path")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record steps as successes without executing them")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "", "trace exporter (otlp, stdout)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP gRPC endpoint for --trace-exporter=otlp")

	return cmd
}

// splitVar parses key=value, inferring bool and int values so Starlark
// conditions can compare them natively.
func splitVar(pair string) (string, any, error) {
	key, raw, ok := strings.Cut(pair, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return key, n, nil
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return key, b, nil
	}
	return key, raw, nil
}

func printRunSummary(cmd *cobra.Command, res pipeline.PipelineResult) {
	ids := make([]string, 0, len(res.Aggregator))
	for id := range res.Aggregator {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		agg := res.Aggregator[id]
		cmd.Printf("%-20s %-10s %d/%d steps succeeded in %s\n",
			id, agg.Status, agg.Summary.Succeeded, agg.Summary.Total, agg.Duration.Round(time.Millisecond))
		for _, failure := range agg.Failures {
			cmd.Printf("  failure: %s\n", failure.Error())
		}
	}
	cmd.Printf("pipeline: %s\n", res.Status)
}

// fanoutSink fans one event out to every sink.
type fanoutSink []pipeline.EventSink

func (s fanoutSink) Publish(ctx context.Context, event pipeline.Event) {
	for _, sink := range s {
		sink.Publish(ctx, event)
	}
}
