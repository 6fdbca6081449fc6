package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/config"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

func newPlanCommand() *cobra.Command {
	var (
		vars    []string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan without running it",
		Long: `Build and print the execution plan of every aggregator: the strategy the
planner selected, the dependency levels, and the estimated duration.

Conditional edges are resolved against the --var context, so the plan shown
is the plan that would actually run.`,
		Example: `  # Show the plan for ./pipeline.yaml
  pipewright plan

  # Resolve conditional edges as production and render the DAG
  pipewright plan --var env=production --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			runner, err := config.Build(cfg, config.BuildDeps{
				Registry: builtinRegistry(),
				Logger:   logger,
			})
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

			var dot strings.Builder
			for _, agg := range runner.Aggregators() {
				plan, err := agg.GetExecutionPlan(ctx, pctx)
				if err != nil {
					return fmt.Errorf("plan %s: %w", agg.ID(), err)
				}
				printPlan(cmd, agg.ID(), plan)

				if dotFile != "" {
					builder := pipeline.NewDAGBuilder()
					if _, err := builder.BuildGraph(plan.Steps); err != nil {
						return fmt.Errorf("plan %s: %w", agg.ID(), err)
					}
					dot.WriteString(builder.ToDOT())
					dot.WriteString("\n")
				}
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(dot.String()), 0o644); err != nil {
					return fmt.Errorf("write dot file: %w", err)
				}
				cmd.Printf("wrote %s\n", dotFile)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "pipeline context variable (key=value, repeatable)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the execution graph as Graphviz DOT")

	return cmd
}

func printPlan(cmd *cobra.Command, aggregatorID string, plan *pipeline.ExecutionPlan) {
	cmd.Printf("aggregator %s: strategy=%s steps=%d estimated=%s\n",
		aggregatorID, plan.Strategy, len(plan.Steps), plan.EstimatedDuration.Round(time.Millisecond))

	byLevel := map[int][]string{}
	maxLevel := 0
	for _, step := range plan.Steps {
		byLevel[step.Level] = append(byLevel[step.Level], step.ID)
		if step.Level > maxLevel {
			maxLevel = step.Level
		}
	}
	for level := 0; level <= maxLevel; level++ {
		if ids, ok := byLevel[level]; ok {
			cmd.Printf("  level %d: %s\n", level, strings.Join(ids, ", "))
		}
	}
}
