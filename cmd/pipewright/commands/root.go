package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	logFormat  string

	logger zerolog.Logger
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipewright",
		Short: "Pipewright - Pipeline Orchestration Engine",
		Long: `Pipewright executes declarative pipelines of commands grouped into
behaviors and aggregators.

Features:
  - Typed YAML pipeline configs
  - Dependency-ordered execution with cycle detection
  - Resource-aware scheduling and parallelism limits
  - Retry policies with exponential backoff
  - Conditional edges via Starlark expressions
  - Run history and duration-informed planning`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if verbose {
				level = "debug"
			}
			var err error
			logger, err = telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  level,
				Format: logFormat,
				Output: "stderr",
			})
			return err
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "pipeline.yaml", "pipeline config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
