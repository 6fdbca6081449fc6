package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/pkg/config"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

func newValidateCommand() *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline config",
		Long: `Validate the pipeline config without executing anything: schema and
reference checks, command composition, dependency cycles, and resource
requirements against the declared budget.`,
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

			invalid := 0
			for _, agg := range runner.Aggregators() {
				result := agg.Validate(ctx, pctx)
				for _, warn := range result.Warnings {
					cmd.Printf("%s: warning: %s\n", agg.ID(), warn.Message)
				}
				for _, failure := range result.Errors {
					cmd.Printf("%s: error: %s\n", agg.ID(), failure.Error())
				}
				if !result.Valid {
					invalid++
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d aggregator(s) failed validation", invalid)
			}
			cmd.Printf("%s: %d aggregator(s) valid\n", cfg.Name, len(runner.Aggregators()))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "pipeline context variable (key=value, repeatable)")

	return cmd
}
