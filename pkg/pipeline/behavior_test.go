package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func orderedCommand(id string, store *SafeStore) Command {
	return NewFuncCommand(id, func(ctx context.Context, pctx *PipelineContext) CommandResult {
		store.Append("order", id)
		return SucceededResult(id, nil)
	})
}

func failingCommand(id string) Command {
	return NewFuncCommand(id, func(ctx context.Context, pctx *PipelineContext) CommandResult {
		return FailedResult(id, NewCommandFailure("boom", nil))
	})
}

func softFailingCommand(id string) Command {
	return NewFuncCommand(id, func(ctx context.Context, pctx *PipelineContext) CommandResult {
		return FailedResult(id, NewCommandFailure("soft boom", nil).WithSeverity(SeveritySoft))
	}).WithSeverity(SeveritySoft)
}

func resultByID(t *testing.T, res BehaviorResult, id string) CommandResult {
	t.Helper()
	for _, r := range res.Results {
		if r.CommandID == id {
			return r
		}
	}
	t.Fatalf("No result for command %s in %+v", id, res.Results)
	return CommandResult{}
}

func TestBehavior_Execute_SequentialOrder(t *testing.T) {
	store := NewSafeStore()
	b := &Behavior{
		ID:       "seq",
		Strategy: BehaviorSequential,
		Commands: []Command{
			orderedCommand("a", store),
			orderedCommand("b", store),
			orderedCommand("c", store),
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if !res.Success() {
		t.Fatalf("Expected success, got %s: %v", res.Status, res.Failures)
	}

	order := store.Strings("order")
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d executions, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestBehavior_Execute_SequentialHardFailureAbortsRest(t *testing.T) {
	store := NewSafeStore()
	b := &Behavior{
		ID:       "seq",
		Strategy: BehaviorSequential,
		Commands: []Command{
			orderedCommand("a", store),
			failingCommand("b"),
			orderedCommand("c", store),
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if res.Status != StepStatusFailed {
		t.Fatalf("Expected failed status, got %s", res.Status)
	}
	if len(res.Failures) != 1 {
		t.Errorf("Expected 1 failure, got %d", len(res.Failures))
	}
	if got := resultByID(t, res, "c").Status; got != StepStatusSkippedUpstream {
		t.Errorf("Expected c skipped upstream, got %s", got)
	}
	for _, id := range store.Strings("order") {
		if id == "c" {
			t.Error("Expected c to never execute after hard failure of b")
		}
	}
}

func TestBehavior_Execute_SequentialSoftFailureContinues(t *testing.T) {
	store := NewSafeStore()
	b := &Behavior{
		ID:       "seq",
		Strategy: BehaviorSequential,
		Commands: []Command{
			orderedCommand("a", store),
			softFailingCommand("b"),
			orderedCommand("c", store),
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if res.Status != StepStatusFailed {
		t.Fatalf("Expected failed status, got %s", res.Status)
	}
	if len(res.Failures) != 1 {
		t.Errorf("Expected the soft failure recorded, got %d failures", len(res.Failures))
	}
	if got := resultByID(t, res, "c").Status; got != StepStatusSucceeded {
		t.Errorf("Expected c to run after soft failure, got %s", got)
	}
}

func TestBehavior_Execute_ParallelRunsAll(t *testing.T) {
	var executed atomic.Int32
	commands := make([]Command, 0, 5)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		commands = append(commands, NewFuncCommand(id, func(ctx context.Context, pctx *PipelineContext) CommandResult {
			executed.Add(1)
			return SucceededResult("", nil)
		}))
	}
	commands = append(commands, failingCommand("p5"))

	b := &Behavior{ID: "par", Strategy: BehaviorParallel, Commands: commands}
	res := b.Execute(context.Background(), NewPipelineContext())

	if executed.Load() != 4 {
		t.Errorf("Expected 4 successful executions, got %d", executed.Load())
	}
	if len(res.Results) != 5 {
		t.Errorf("Expected 5 results, got %d", len(res.Results))
	}
	if len(res.Failures) != 1 {
		t.Errorf("Expected 1 failure, got %d", len(res.Failures))
	}
	if res.Status != StepStatusFailed {
		t.Errorf("Expected failed status, got %s", res.Status)
	}
}

func TestBehavior_Execute_ConditionalSkips(t *testing.T) {
	store := NewSafeStore()
	b := &Behavior{
		ID:       "cond",
		Strategy: BehaviorConditional,
		Commands: []Command{
			orderedCommand("a", store),
			orderedCommand("b", store),
		},
		Condition: func(pctx *PipelineContext, prior *CommandResult) bool {
			// Only the first command runs.
			return prior == nil
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if !res.Success() {
		t.Fatalf("Expected success, got %s", res.Status)
	}
	if got := resultByID(t, res, "b").Status; got != StepStatusSkipped {
		t.Errorf("Expected b skipped, got %s", got)
	}
	if order := store.Strings("order"); len(order) != 1 || order[0] != "a" {
		t.Errorf("Expected only a to run, got %v", order)
	}
}

func TestBehavior_Execute_BatchedAbortsAfterHardFailure(t *testing.T) {
	store := NewSafeStore()
	b := &Behavior{
		ID:        "batch",
		Strategy:  BehaviorBatched,
		BatchSize: 2,
		Commands: []Command{
			orderedCommand("a", store),
			failingCommand("b"),
			orderedCommand("c", store),
			orderedCommand("d", store),
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if res.Status != StepStatusFailed {
		t.Fatalf("Expected failed status, got %s", res.Status)
	}
	if got := resultByID(t, res, "c").Status; got != StepStatusSkippedUpstream {
		t.Errorf("Expected c skipped upstream, got %s", got)
	}
	if got := resultByID(t, res, "d").Status; got != StepStatusSkippedUpstream {
		t.Errorf("Expected d skipped upstream, got %s", got)
	}
}

func TestBehavior_Execute_RetryStrategy(t *testing.T) {
	var calls atomic.Int32
	flaky := NewFuncCommand("flaky", func(ctx context.Context, pctx *PipelineContext) CommandResult {
		if calls.Add(1) < 3 {
			return FailedResult("flaky", NewCommandFailure("transient", nil))
		}
		return SucceededResult("flaky", nil)
	})

	b := &Behavior{
		ID:       "retry",
		Strategy: BehaviorRetry,
		Commands: []Command{flaky},
		Retry: &RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			Strategy:     RetryFixedDelay,
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if !res.Success() {
		t.Fatalf("Expected success after retries, got %s: %v", res.Status, res.Failures)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
	if got := resultByID(t, res, "flaky").Attempts; got != 3 {
		t.Errorf("Expected result to carry 3 attempts, got %d", got)
	}
}

func TestBehavior_Execute_FallbackSucceedsOnSecond(t *testing.T) {
	b := &Behavior{
		ID:       "fb",
		Strategy: BehaviorFallback,
		Commands: []Command{
			failingCommand("primary"),
			NewFuncCommand("backup", func(ctx context.Context, pctx *PipelineContext) CommandResult {
				return SucceededResult("backup", nil)
			}),
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if !res.Success() {
		t.Fatalf("Expected fallback success, got %s", res.Status)
	}
	if len(res.Failures) != 1 {
		t.Errorf("Expected primary failure retained, got %d failures", len(res.Failures))
	}
}

func TestBehavior_Execute_FallbackAllFail(t *testing.T) {
	b := &Behavior{
		ID:       "fb",
		Strategy: BehaviorFallback,
		Commands: []Command{failingCommand("primary"), failingCommand("backup")},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if res.Status != StepStatusFailed {
		t.Fatalf("Expected failure when every fallback fails, got %s", res.Status)
	}
	if len(res.Failures) != 2 {
		t.Errorf("Expected both failures recorded, got %d", len(res.Failures))
	}
}

func TestBehavior_Execute_Custom(t *testing.T) {
	b := &Behavior{
		ID:       "custom",
		Strategy: BehaviorCustom,
		Custom: func(ctx context.Context, pctx *PipelineContext, commands []Command) BehaviorResult {
			return BehaviorResult{Status: StepStatusSucceeded}
		},
	}

	res := b.Execute(context.Background(), NewPipelineContext())
	if !res.Success() {
		t.Errorf("Expected custom success, got %s", res.Status)
	}
	if res.BehaviorID != "custom" {
		t.Errorf("Expected behavior ID stamped, got %q", res.BehaviorID)
	}
}

func TestBehavior_Validate(t *testing.T) {
	pctx := NewPipelineContext()
	ctx := context.Background()

	empty := &Behavior{Strategy: BehaviorSequential, Commands: []Command{failingCommand("a")}}
	if err := empty.Validate(ctx, pctx); err == nil {
		t.Error("Expected error for empty behavior ID")
	}

	noCommands := &Behavior{ID: "b", Strategy: BehaviorSequential}
	if err := noCommands.Validate(ctx, pctx); err == nil {
		t.Error("Expected error for behavior without commands")
	}

	dup := &Behavior{
		ID:       "b",
		Strategy: BehaviorSequential,
		Commands: []Command{failingCommand("x"), failingCommand("x")},
	}
	err := dup.Validate(ctx, pctx)
	if err == nil {
		t.Fatal("Expected error for duplicate command IDs")
	}
	if perr, ok := err.(*PipelineError); !ok || perr.Code != ErrCodeDuplicateID {
		t.Errorf("Expected duplicate ID code, got %v", err)
	}

	customNoFunc := &Behavior{ID: "c", Strategy: BehaviorCustom}
	if err := customNoFunc.Validate(ctx, pctx); err == nil {
		t.Error("Expected error for custom behavior without function")
	}
}

func TestRunCommand_TimeoutClassifies(t *testing.T) {
	slow := NewFuncCommand("slow", func(ctx context.Context, pctx *PipelineContext) CommandResult {
		<-ctx.Done()
		return FailedResult("slow", NewCommandFailure("interrupted", ctx.Err()))
	}).WithTimeout(20 * time.Millisecond)

	res := runCommand(context.Background(), slow, NewPipelineContext())
	if res.Status != StepStatusFailed {
		t.Fatalf("Expected failed status, got %s", res.Status)
	}
	if !IsTimeout(res.Err) {
		t.Errorf("Expected timeout classification, got %v", res.Err)
	}
	if !IsRetryable(res.Err) {
		t.Error("Expected timeout to be retryable")
	}
}

func TestRunCommand_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := runCommand(ctx, failingCommand("never"), NewPipelineContext())
	if res.Status != StepStatusCancelled {
		t.Fatalf("Expected cancelled status, got %s", res.Status)
	}
	if !IsCancelled(res.Err) {
		t.Errorf("Expected cancelled classification, got %v", res.Err)
	}
}
