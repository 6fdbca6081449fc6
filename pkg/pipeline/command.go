package pipeline

import (
	"context"
	"fmt"
	"time"
)

// DefaultCommandTimeout bounds one command execution attempt when the
// command declares no timeout of its own.
const DefaultCommandTimeout = 10 * time.Second

// CommandInfo describes a command for scheduling and discovery.
type CommandInfo struct {
	// ID uniquely identifies the command within its group.
	ID string `json:"id"`

	// Name is the human-readable name, used for duration history. Defaults
	// to ID when empty.
	Name string `json:"name,omitempty"`

	// Category groups commands for external tooling.
	Category string `json:"category,omitempty"`

	// Priority orders commands within the same topological level.
	Priority int `json:"priority,omitempty"`

	// Severity classifies how a failure of this command affects its group.
	Severity FailureSeverity `json:"severity,omitempty"`

	// Requirements declares the command's resource needs.
	Requirements []ResourceRequirement `json:"requirements,omitempty"`

	// Timeout bounds one execution attempt; DefaultCommandTimeout if zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	// EstimatedDuration is the declared default duration estimate.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`

	// Parallelizable marks the command safe for concurrent dispatch.
	Parallelizable bool `json:"parallelizable,omitempty"`
}

// Command is the smallest schedulable unit of work. Commands are created at
// composition time, may be executed any number of times across runs, and are
// stateless between runs except via the pipeline context.
//
// Expected failures (bad input, downstream unavailable) are returned as a
// failed CommandResult, never as a panic; only programming defects panic.
type Command interface {
	// Info returns the command's descriptor.
	Info() CommandInfo

	// Validate checks that the command can execute against the context.
	Validate(ctx context.Context, pctx *PipelineContext) error

	// Execute performs the work and returns its result.
	Execute(ctx context.Context, pctx *PipelineContext) CommandResult
}

// CommandFunc is the work function of a FuncCommand.
type CommandFunc func(ctx context.Context, pctx *PipelineContext) CommandResult

// ValidateFunc is the optional validation function of a FuncCommand.
type ValidateFunc func(ctx context.Context, pctx *PipelineContext) error

// FuncCommand adapts caller-supplied functions to the Command interface.
type FuncCommand struct {
	info     CommandInfo
	validate ValidateFunc
	execute  CommandFunc
}

// NewFuncCommand creates a command from a work function. The default
// descriptor is hard severity, zero priority, no resource requirements.
func NewFuncCommand(id string, execute CommandFunc) *FuncCommand {
	return &FuncCommand{
		info:    CommandInfo{ID: id, Name: id, Severity: SeverityHard},
		execute: execute,
	}
}

// WithInfo replaces the command descriptor, keeping the original ID when the
// replacement leaves it empty.
func (c *FuncCommand) WithInfo(info CommandInfo) *FuncCommand {
	if info.ID == "" {
		info.ID = c.info.ID
	}
	if info.Name == "" {
		info.Name = info.ID
	}
	if info.Severity == "" {
		info.Severity = SeverityHard
	}
	c.info = info
	return c
}

// WithValidate sets the validation function.
func (c *FuncCommand) WithValidate(validate ValidateFunc) *FuncCommand {
	c.validate = validate
	return c
}

// WithSeverity sets the failure severity.
func (c *FuncCommand) WithSeverity(sev FailureSeverity) *FuncCommand {
	c.info.Severity = sev
	return c
}

// WithRequirements sets the declared resource needs.
func (c *FuncCommand) WithRequirements(reqs ...ResourceRequirement) *FuncCommand {
	c.info.Requirements = reqs
	return c
}

// WithTimeout sets the per-attempt timeout.
func (c *FuncCommand) WithTimeout(timeout time.Duration) *FuncCommand {
	c.info.Timeout = timeout
	return c
}

// WithPriority sets the scheduling priority.
func (c *FuncCommand) WithPriority(priority int) *FuncCommand {
	c.info.Priority = priority
	return c
}

// Info implements Command.
func (c *FuncCommand) Info() CommandInfo { return c.info }

// Validate implements Command.
func (c *FuncCommand) Validate(ctx context.Context, pctx *PipelineContext) error {
	if c.execute == nil {
		return NewValidationError(
			fmt.Sprintf("command %s has no execute function", c.info.ID), nil,
		).WithCode(ErrCodeValidation).WithStep(c.info.ID)
	}
	if c.validate != nil {
		return c.validate(ctx, pctx)
	}
	return nil
}

// Execute implements Command.
func (c *FuncCommand) Execute(ctx context.Context, pctx *PipelineContext) CommandResult {
	return c.execute(ctx, pctx)
}

// SucceededResult builds a successful CommandResult for a command.
func SucceededResult(commandID string, output map[string]any) CommandResult {
	return CommandResult{
		CommandID: commandID,
		Status:    StepStatusSucceeded,
		Output:    output,
	}
}

// FailedResult builds a failed CommandResult for a command.
func FailedResult(commandID string, err *PipelineError) CommandResult {
	if err != nil && err.Step == "" {
		err.Step = commandID
	}
	return CommandResult{
		CommandID: commandID,
		Status:    StepStatusFailed,
		Err:       err,
	}
}

// runCommand executes one command with validation, per-attempt timeout, and
// timeout/cancellation classification. It is the single entry point every
// behavior strategy funnels through.
func runCommand(ctx context.Context, cmd Command, pctx *PipelineContext) CommandResult {
	info := cmd.Info()
	started := time.Now()

	finish := func(res CommandResult) CommandResult {
		res.CommandID = info.ID
		res.StartedAt = started
		res.CompletedAt = time.Now()
		res.Duration = res.CompletedAt.Sub(started)
		if res.Attempts == 0 {
			res.Attempts = 1
		}
		return res
	}

	if err := ctx.Err(); err != nil {
		return finish(CommandResult{
			Status: StepStatusCancelled,
			Err:    NewCancelledOutcome("command cancelled before start", err).WithStep(info.ID),
		})
	}

	if err := cmd.Validate(ctx, pctx); err != nil {
		return finish(FailedResult(info.ID,
			NewCommandFailure("command validation failed", err).
				WithSeverity(info.Severity)))
	}

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Run the command in its own goroutine so a command that ignores its
	// context cannot stall the scheduler past the timeout.
	done := make(chan CommandResult, 1)
	go func() {
		done <- cmd.Execute(attemptCtx, pctx)
	}()

	select {
	case res := <-done:
		if res.Status == "" {
			if res.Err != nil {
				res.Status = StepStatusFailed
			} else {
				res.Status = StepStatusSucceeded
			}
		}
		if res.Err != nil && res.Err.Severity == "" {
			res.Err.Severity = info.Severity
		}
		return finish(res)
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return finish(CommandResult{
				Status: StepStatusCancelled,
				Err:    NewCancelledOutcome("command cancelled", ctx.Err()).WithStep(info.ID),
			})
		}
		return finish(FailedResult(info.ID,
			NewTimeoutFailure(
				fmt.Sprintf("command timed out after %s", timeout), attemptCtx.Err(),
			).WithSeverity(info.Severity)))
	}
}
