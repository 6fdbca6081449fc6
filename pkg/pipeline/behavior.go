package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultBehaviorTimeout bounds one behavior execution when the behavior
// declares no timeout of its own.
const DefaultBehaviorTimeout = 30 * time.Second

// CustomBehaviorFunc is a caller-supplied orchestration function for the
// custom behavior strategy. It receives the behavior's command list and the
// pipeline context and owns the complete result roll-up.
type CustomBehaviorFunc func(ctx context.Context, pctx *PipelineContext, commands []Command) BehaviorResult

// CommandPredicate gates a command under the conditional behavior strategy.
// prior is the result of the previously executed command, nil for the first.
type CommandPredicate func(pctx *PipelineContext, prior *CommandResult) bool

// Behavior groups commands under one execution strategy. Behaviors are
// composed once and mutated only before a run starts.
type Behavior struct {
	// ID uniquely identifies the behavior within its aggregator.
	ID string

	// Name is the human-readable name, used for duration history. Defaults
	// to ID when empty.
	Name string

	// Strategy selects how the commands execute.
	Strategy BehaviorStrategy

	// Commands is the ordered command list. For the fallback strategy the
	// first command is the primary and the rest are fallbacks in order.
	Commands []Command

	// DependsOn lists this behavior's dependencies on sibling behaviors or
	// direct commands within the aggregator.
	DependsOn []Dependency

	// BatchSize is the batch width for the batched strategy.
	BatchSize int

	// Retry is the policy the retry strategy wraps each command with. A
	// retry policy on other strategies applies at the plan-step level.
	Retry *RetryPolicy

	// Condition gates commands under the conditional strategy.
	Condition CommandPredicate

	// Custom is the orchestration function for the custom strategy.
	Custom CustomBehaviorFunc

	// Timeout bounds one behavior execution; DefaultBehaviorTimeout if zero.
	Timeout time.Duration

	// Requirements declares behavior-level resource needs, merged with the
	// commands' own declarations at planning time.
	Requirements []ResourceRequirement
}

// DefaultBatchSize is used when a batched behavior declares no batch size.
const DefaultBatchSize = 4

// Validate checks the behavior's composition.
func (b *Behavior) Validate(ctx context.Context, pctx *PipelineContext) error {
	if b.ID == "" {
		return NewValidationError("behavior has empty ID", nil).WithCode(ErrCodeValidation)
	}
	if err := b.Strategy.Validate(); err != nil {
		return NewValidationError("behavior has invalid strategy", err).
			WithCode(ErrCodeValidation).WithStep(b.ID)
	}
	if b.Strategy == BehaviorCustom && b.Custom == nil {
		return NewValidationError("custom behavior needs an orchestration function", nil).
			WithCode(ErrCodeValidation).WithStep(b.ID)
	}
	if b.Strategy != BehaviorCustom && len(b.Commands) == 0 {
		return NewValidationError("behavior has no commands", nil).
			WithCode(ErrCodeValidation).WithStep(b.ID)
	}
	if b.Retry != nil {
		if err := b.Retry.Validate(); err != nil {
			return NewValidationError("behavior has invalid retry policy", err).
				WithCode(ErrCodeValidation).WithStep(b.ID)
		}
	}
	seen := make(map[string]struct{}, len(b.Commands))
	for _, cmd := range b.Commands {
		id := cmd.Info().ID
		if id == "" {
			return NewValidationError("behavior contains a command with empty ID", nil).
				WithCode(ErrCodeValidation).WithStep(b.ID)
		}
		if _, dup := seen[id]; dup {
			return NewValidationError(
				fmt.Sprintf("behavior contains duplicate command ID %s", id), nil,
			).WithCode(ErrCodeDuplicateID).WithStep(b.ID)
		}
		seen[id] = struct{}{}
		if err := cmd.Validate(ctx, pctx); err != nil {
			return NewValidationError(
				fmt.Sprintf("command %s failed validation", id), err,
			).WithCode(ErrCodeValidation).WithStep(b.ID)
		}
	}
	return nil
}

// Execute runs the behavior's commands per its strategy and rolls the
// command results up into a BehaviorResult.
func (b *Behavior) Execute(ctx context.Context, pctx *PipelineContext) BehaviorResult {
	started := time.Now()

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultBehaviorTimeout
	}
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res BehaviorResult
	switch b.Strategy {
	case BehaviorSequential:
		res = b.runSequential(bctx, pctx)
	case BehaviorParallel:
		res = b.runParallel(bctx, pctx, b.Commands)
	case BehaviorConditional:
		res = b.runConditional(bctx, pctx)
	case BehaviorBatched:
		res = b.runBatched(bctx, pctx)
	case BehaviorRetry:
		res = b.runRetry(bctx, pctx)
	case BehaviorFallback:
		res = b.runFallback(bctx, pctx)
	case BehaviorCustom:
		res = b.Custom(bctx, pctx, b.Commands)
	default:
		res = BehaviorResult{
			Failures: []*PipelineError{
				NewBehaviorFailure(
					fmt.Sprintf("unknown behavior strategy %s", b.Strategy), nil,
				).WithStep(b.ID),
			},
		}
	}

	res.BehaviorID = b.ID
	res.StartedAt = started
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(started)
	if res.Status == "" {
		res.Status = b.rollUpStatus(ctx, res)
	}
	return res
}

// rollUpStatus derives the behavior status from the collected results.
func (b *Behavior) rollUpStatus(ctx context.Context, res BehaviorResult) StepStatus {
	if len(res.Failures) == 0 {
		return StepStatusSucceeded
	}
	for _, f := range res.Failures {
		if f.Class == FailureClassCancelled {
			return StepStatusCancelled
		}
	}
	if ctx.Err() != nil {
		return StepStatusCancelled
	}
	return StepStatusFailed
}

// hard reports whether a failed result aborts the remaining group.
func hard(res CommandResult) bool {
	return res.Err == nil || res.Err.Severity != SeveritySoft
}

func (b *Behavior) runSequential(ctx context.Context, pctx *PipelineContext) BehaviorResult {
	var res BehaviorResult
	for i, cmd := range b.Commands {
		r := runCommand(ctx, cmd, pctx)
		res.Results = append(res.Results, r)
		if r.Success() {
			continue
		}
		res.Failures = append(res.Failures, r.Err)
		if hard(r) {
			// A hard failure aborts the rest of the group; the skipped
			// commands still appear in the result tree.
			for _, rest := range b.Commands[i+1:] {
				res.Results = append(res.Results, CommandResult{
					CommandID: rest.Info().ID,
					Status:    StepStatusSkippedUpstream,
				})
			}
			break
		}
	}
	return res
}

func (b *Behavior) runParallel(ctx context.Context, pctx *PipelineContext, commands []Command) BehaviorResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]CommandResult, 0, len(commands))
	)

	for _, cmd := range commands {
		wg.Add(1)
		go func(cmd Command) {
			defer wg.Done()
			r := runCommand(ctx, cmd, pctx)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(cmd)
	}
	wg.Wait()

	var res BehaviorResult
	res.Results = results
	for _, r := range results {
		if !r.Success() {
			res.Failures = append(res.Failures, r.Err)
		}
	}
	return res
}

func (b *Behavior) runConditional(ctx context.Context, pctx *PipelineContext) BehaviorResult {
	var res BehaviorResult
	var prior *CommandResult

	for _, cmd := range b.Commands {
		if b.Condition != nil && !b.Condition(pctx, prior) {
			res.Results = append(res.Results, CommandResult{
				CommandID: cmd.Info().ID,
				Status:    StepStatusSkipped,
			})
			continue
		}
		r := runCommand(ctx, cmd, pctx)
		res.Results = append(res.Results, r)
		prior = &r
		if !r.Success() {
			res.Failures = append(res.Failures, r.Err)
			if hard(r) {
				break
			}
		}
	}
	return res
}

func (b *Behavior) runBatched(ctx context.Context, pctx *PipelineContext) BehaviorResult {
	size := b.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	var res BehaviorResult
	for start := 0; start < len(b.Commands); start += size {
		end := min(start+size, len(b.Commands))
		batch := b.runParallel(ctx, pctx, b.Commands[start:end])
		res.Results = append(res.Results, batch.Results...)
		res.Failures = append(res.Failures, batch.Failures...)

		abort := false
		for _, r := range batch.Results {
			if !r.Success() && hard(r) {
				abort = true
				break
			}
		}
		if abort {
			for _, rest := range b.Commands[end:] {
				res.Results = append(res.Results, CommandResult{
					CommandID: rest.Info().ID,
					Status:    StepStatusSkippedUpstream,
				})
			}
			break
		}
	}
	return res
}

func (b *Behavior) runRetry(ctx context.Context, pctx *PipelineContext) BehaviorResult {
	policy := DefaultRetryPolicy()
	if b.Retry != nil {
		policy = *b.Retry
	}

	var res BehaviorResult
	for i, cmd := range b.Commands {
		r := policy.Do(ctx, func(int) CommandResult {
			return runCommand(ctx, cmd, pctx)
		})
		res.Results = append(res.Results, r)
		if r.Success() {
			continue
		}
		res.Failures = append(res.Failures, r.Err)
		if hard(r) {
			for _, rest := range b.Commands[i+1:] {
				res.Results = append(res.Results, CommandResult{
					CommandID: rest.Info().ID,
					Status:    StepStatusSkippedUpstream,
				})
			}
			break
		}
	}
	return res
}

func (b *Behavior) runFallback(ctx context.Context, pctx *PipelineContext) BehaviorResult {
	var res BehaviorResult
	for _, cmd := range b.Commands {
		r := runCommand(ctx, cmd, pctx)
		res.Results = append(res.Results, r)
		if r.Success() {
			// A later fallback success supersedes the recorded failures.
			res.Status = StepStatusSucceeded
			return res
		}
		res.Failures = append(res.Failures, r.Err)
		if r.Status == StepStatusCancelled {
			break
		}
	}
	return res
}
