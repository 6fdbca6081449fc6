package commands

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pipewright/pipewright/pkg/config"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// builtinRegistry returns the command factories every pipewright binary
// ships with. Configs reference them via `uses:`.
func builtinRegistry() *config.CommandRegistry {
	registry := config.NewCommandRegistry()
	registry.Register("shell", newShellCommand)
	registry.Register("sleep", newSleepCommand)
	registry.Register("print", newPrintCommand)
	return registry
}

// newShellCommand runs `with.command` through the shell and captures its
// combined output.
func newShellCommand(cfg config.CommandConfig) (pipeline.Command, error) {
	command, _ := cfg.With["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell command %s requires with.command", cfg.ID)
	}
	workdir, _ := cfg.With["workdir"].(string)

	return pipeline.NewFuncCommand(cfg.ID, func(ctx context.Context, pctx *pipeline.PipelineContext) pipeline.CommandResult {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = workdir

		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		if err := cmd.Run(); err != nil {
			return pipeline.FailedResult(cfg.ID, pipeline.NewCommandFailure(
				fmt.Sprintf("shell command failed: %s", strings.TrimSpace(buf.String())),
				err,
			))
		}
		return pipeline.SucceededResult(cfg.ID, map[string]any{
			"output": strings.TrimSpace(buf.String()),
		})
	}), nil
}

// newSleepCommand pauses for `with.duration`, honoring cancellation.
func newSleepCommand(cfg config.CommandConfig) (pipeline.Command, error) {
	raw, _ := cfg.With["duration"].(string)
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("sleep command %s: invalid with.duration %q", cfg.ID, raw)
	}

	return pipeline.NewFuncCommand(cfg.ID, func(ctx context.Context, pctx *pipeline.PipelineContext) pipeline.CommandResult {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return pipeline.FailedResult(cfg.ID, pipeline.NewCancelledOutcome("sleep interrupted", ctx.Err()))
		case <-timer.C:
			return pipeline.SucceededResult(cfg.ID, map[string]any{"slept": duration.String()})
		}
	}), nil
}

// newPrintCommand writes `with.message` into the run output.
func newPrintCommand(cfg config.CommandConfig) (pipeline.Command, error) {
	message, _ := cfg.With["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("print command %s requires with.message", cfg.ID)
	}

	return pipeline.NewFuncCommand(cfg.ID, func(ctx context.Context, pctx *pipeline.PipelineContext) pipeline.CommandResult {
		fmt.Println(message)
		return pipeline.SucceededResult(cfg.ID, map[string]any{"message": message})
	}), nil
}
