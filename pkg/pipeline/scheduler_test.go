package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func buildPlan(t *testing.T, strategy AggregatorStrategy, resources ResourceManager, behaviors ...*Behavior) *ExecutionPlan {
	t.Helper()
	planner := newTestPlanner(nil, resources)
	plan, err := planner.CreateExecutionPlan(context.Background(), PlanRequest{
		AggregatorID: "agg",
		Strategy:     strategy,
		Behaviors:    behaviors,
	}, NewPipelineContext())
	if err != nil {
		t.Fatalf("Expected plan, got: %v", err)
	}
	return plan
}

func newTestScheduler(resources ResourceManager) *Scheduler {
	return NewScheduler(DefaultMaxWorkers, resources, nil, zerolog.Nop())
}

func TestScheduler_Run_AllStepsSucceed(t *testing.T) {
	plan := buildPlan(t, AggregatorParallel, nil,
		succeedingBehavior("a"), succeedingBehavior("b"), succeedingBehavior("c"))

	results, err := newTestScheduler(nil).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected clean run, got: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for id, res := range results {
		if res.Status != StepStatusSucceeded {
			t.Errorf("Step %s: expected succeeded, got %s (%v)", id, res.Status, res.Err)
		}
	}
}

func TestScheduler_Run_SequentialPreservesOrder(t *testing.T) {
	store := NewSafeStore()
	behaviors := make([]*Behavior, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		behaviors = append(behaviors, &Behavior{
			ID:       id,
			Strategy: BehaviorSequential,
			Commands: []Command{orderedCommand(id+"-cmd", store)},
		})
	}

	plan := buildPlan(t, AggregatorSequential, nil, behaviors...)
	if plan.Strategy != PlanSequential {
		t.Fatalf("Expected sequential plan, got %s", plan.Strategy)
	}

	if _, err := newTestScheduler(nil).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{}); err != nil {
		t.Fatalf("Expected clean run, got: %v", err)
	}

	order := store.Strings("order")
	want := []string{"a-cmd", "b-cmd", "c-cmd"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestScheduler_Run_HardDependencyFailureSkipsDownstream(t *testing.T) {
	failing := &Behavior{
		ID:       "a",
		Strategy: BehaviorSequential,
		Commands: []Command{failingCommand("a-cmd")},
	}
	dependent := succeedingBehavior("b")
	dependent.DependsOn = []Dependency{{TargetID: "a", Type: DependencyHard}}
	transitive := succeedingBehavior("c")
	transitive.DependsOn = []Dependency{{TargetID: "b", Type: DependencyRequired}}

	plan := buildPlan(t, AggregatorDependencyOrdered, nil, failing, dependent, transitive)
	results, err := newTestScheduler(nil).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected run to complete, got: %v", err)
	}

	if results["a"].Status != StepStatusFailed {
		t.Errorf("Expected a failed, got %s", results["a"].Status)
	}
	for _, id := range []string{"b", "c"} {
		res := results[id]
		if res.Status != StepStatusSkippedUpstream {
			t.Errorf("Expected %s skipped upstream, got %s", id, res.Status)
		}
		if res.Err == nil || res.Err.Code != ErrCodeDependencyFailed {
			t.Errorf("Expected %s to carry dependency-failed code, got %+v", id, res.Err)
		}
	}
	if len(results["b"].Err.Causes) == 0 {
		t.Error("Expected skip error to reference the upstream failure")
	}
}

func TestScheduler_Run_SoftDependencyNeverBlocks(t *testing.T) {
	failing := &Behavior{
		ID:       "a",
		Strategy: BehaviorSequential,
		Commands: []Command{failingCommand("a-cmd")},
	}
	dependent := succeedingBehavior("b")
	dependent.DependsOn = []Dependency{{TargetID: "a", Type: DependencySoft}}

	plan := buildPlan(t, AggregatorDependencyOrdered, nil, failing, dependent)
	results, err := newTestScheduler(nil).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected run to complete, got: %v", err)
	}

	if results["a"].Status != StepStatusFailed {
		t.Errorf("Expected a failed, got %s", results["a"].Status)
	}
	if results["b"].Status != StepStatusSucceeded {
		t.Errorf("Expected b to run despite soft dependency failure, got %s", results["b"].Status)
	}
}

func TestScheduler_Run_CancellationKeepsCompletedResults(t *testing.T) {
	done := make(chan struct{})
	fast := succeedingBehavior("fast")
	blocking := &Behavior{
		ID:       "slow",
		Strategy: BehaviorSequential,
		Commands: []Command{
			NewFuncCommand("slow-cmd", func(ctx context.Context, pctx *PipelineContext) CommandResult {
				close(done)
				<-ctx.Done()
				return FailedResult("slow-cmd", NewCommandFailure("interrupted", ctx.Err()))
			}),
		},
	}
	dependent := succeedingBehavior("after")
	dependent.DependsOn = []Dependency{{TargetID: "slow", Type: DependencyHard}}

	plan := buildPlan(t, AggregatorDependencyOrdered, nil, fast, blocking, dependent)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results, err := newTestScheduler(nil).Run(ctx, plan, NewPipelineContext(), ScheduleOptions{})
	if !IsCancelled(err) {
		t.Fatalf("Expected cancelled outcome, got: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("Expected one result per step, got %d", len(results))
	}
	if results["fast"].Status != StepStatusSucceeded {
		t.Errorf("Expected completed step to keep its result, got %s", results["fast"].Status)
	}
	if results["slow"].Status != StepStatusCancelled {
		t.Errorf("Expected in-flight step cancelled, got %s", results["slow"].Status)
	}
	if results["after"].Status != StepStatusCancelled {
		t.Errorf("Expected never-started step cancelled, got %s", results["after"].Status)
	}
}

// trackingResourceManager records the peak concurrent allocation per resource.
type trackingResourceManager struct {
	inner *MemoryResourceManager

	mu      sync.Mutex
	current map[string]float64
	peak    map[string]float64
	byID    map[string][]ResourceRequirement
}

func newTrackingResourceManager(capacity map[string]float64) *trackingResourceManager {
	return &trackingResourceManager{
		inner:   NewMemoryResourceManager(capacity),
		current: make(map[string]float64),
		peak:    make(map[string]float64),
		byID:    make(map[string][]ResourceRequirement),
	}
}

func (m *trackingResourceManager) Allocate(ctx context.Context, req AllocationRequest) (*Allocation, error) {
	alloc, err := m.inner.Allocate(ctx, req)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.byID[alloc.ID] = req.Requirements
	for _, r := range req.Requirements {
		m.current[r.Resource] += r.Amount
		if m.current[r.Resource] > m.peak[r.Resource] {
			m.peak[r.Resource] = m.current[r.Resource]
		}
	}
	m.mu.Unlock()
	return alloc, nil
}

func (m *trackingResourceManager) Release(ctx context.Context, allocationID string) error {
	m.mu.Lock()
	for _, r := range m.byID[allocationID] {
		m.current[r.Resource] -= r.Amount
	}
	delete(m.byID, allocationID)
	m.mu.Unlock()
	return m.inner.Release(ctx, allocationID)
}

func (m *trackingResourceManager) Usage(ctx context.Context) (ResourceUsage, error) {
	return m.inner.Usage(ctx)
}

func (m *trackingResourceManager) peakOf(resource string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak[resource]
}

func TestScheduler_Run_NeverExceedsResourceBudget(t *testing.T) {
	resources := newTrackingResourceManager(map[string]float64{"slots": 2})

	behaviors := make([]*Behavior, 0, 5)
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5"} {
		behaviors = append(behaviors, &Behavior{
			ID:       id,
			Strategy: BehaviorSequential,
			Requirements: []ResourceRequirement{
				{Resource: "slots", Amount: 1},
			},
			Commands: []Command{
				NewFuncCommand(id+"-cmd", func(ctx context.Context, pctx *PipelineContext) CommandResult {
					time.Sleep(25 * time.Millisecond)
					return SucceededResult("", nil)
				}),
			},
		})
	}

	plan := buildPlan(t, AggregatorResourceAware, resources, behaviors...)
	results, err := newTestScheduler(resources).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected clean run, got: %v", err)
	}

	for id, res := range results {
		if res.Status != StepStatusSucceeded {
			t.Errorf("Step %s: expected succeeded, got %s (%v)", id, res.Status, res.Err)
		}
	}
	if peak := resources.peakOf("slots"); peak > 2 {
		t.Errorf("Concurrent allocation exceeded the budget: peak %.2f > 2", peak)
	}

	usage, _ := resources.Usage(context.Background())
	if usage.Allocated["slots"] != 0 {
		t.Errorf("Expected every allocation released, got %.2f outstanding", usage.Allocated["slots"])
	}
}

func TestScheduler_Run_FailFastSkipsQueuedSteps(t *testing.T) {
	failing := &Behavior{
		ID:       "a",
		Strategy: BehaviorSequential,
		Commands: []Command{failingCommand("a-cmd")},
	}
	waiter := succeedingBehavior("b")
	waiter.DependsOn = []Dependency{{TargetID: "a", Type: DependencySoft}}

	plan := buildPlan(t, AggregatorDependencyOrdered, nil, failing, waiter)
	results, err := newTestScheduler(nil).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{FailFast: true})
	if err != nil {
		t.Fatalf("Expected run to complete, got: %v", err)
	}

	if results["a"].Status != StepStatusFailed {
		t.Errorf("Expected a failed, got %s", results["a"].Status)
	}
	if results["b"].Status != StepStatusSkipped {
		t.Errorf("Expected b skipped by fail-fast, got %s", results["b"].Status)
	}
}

func TestScheduler_Run_FailFastStopsSequentialDispatch(t *testing.T) {
	store := NewSafeStore()

	// Direct commands are not parallelizable by default, so a parallel
	// aggregator over them still yields a sequential plan with no chain
	// edges between the steps.
	planner := newTestPlanner(nil, nil)
	plan, err := planner.CreateExecutionPlan(context.Background(), PlanRequest{
		AggregatorID: "agg",
		Strategy:     AggregatorParallel,
		Commands:     []Command{failingCommand("first"), orderedCommand("second", store)},
	}, NewPipelineContext())
	if err != nil {
		t.Fatalf("Expected plan, got: %v", err)
	}
	if plan.Strategy != PlanSequential {
		t.Fatalf("Expected sequential plan for non-parallelizable commands, got %s", plan.Strategy)
	}

	results, err := newTestScheduler(nil).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{FailFast: true})
	if err != nil {
		t.Fatalf("Expected run to complete, got: %v", err)
	}
	if results["first"].Status != StepStatusFailed {
		t.Errorf("Expected first failed, got %s", results["first"].Status)
	}
	if results["second"].Status != StepStatusSkipped {
		t.Errorf("Expected second skipped by fail-fast, got %s", results["second"].Status)
	}
	if ran := store.Strings("order"); len(ran) != 0 {
		t.Errorf("Expected second never executed, got %v", ran)
	}
}

func TestScheduler_Run_DryRunExecutesNothing(t *testing.T) {
	plan := buildPlan(t, AggregatorParallel, nil, &Behavior{
		ID:       "danger",
		Strategy: BehaviorSequential,
		Commands: []Command{failingCommand("danger-cmd")},
	})

	results, err := newTestScheduler(nil).Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Expected clean dry run, got: %v", err)
	}
	if results["danger"].Status != StepStatusSucceeded {
		t.Errorf("Expected dry run to record success, got %s", results["danger"].Status)
	}
}

func TestScheduler_Run_RejectsUnvalidatedPlan(t *testing.T) {
	if _, err := newTestScheduler(nil).Run(context.Background(), &ExecutionPlan{}, NewPipelineContext(), ScheduleOptions{}); err == nil {
		t.Fatal("Expected error for plan without graph")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ctx context.Context, event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) types() map[EventType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[EventType]int)
	for _, e := range s.events {
		counts[e.Type]++
	}
	return counts
}

func TestScheduler_Run_PublishesLifecycleEvents(t *testing.T) {
	sink := &recordingSink{}
	plan := buildPlan(t, AggregatorParallel, nil, succeedingBehavior("a"))

	scheduler := NewScheduler(DefaultMaxWorkers, nil, sink, zerolog.Nop())
	if _, err := scheduler.Run(context.Background(), plan, NewPipelineContext(), ScheduleOptions{}); err != nil {
		t.Fatalf("Expected clean run, got: %v", err)
	}

	counts := sink.types()
	if counts[EventRunStarted] != 1 || counts[EventRunCompleted] != 1 {
		t.Errorf("Expected run lifecycle events, got %v", counts)
	}
	if counts[EventStepStarted] != 1 || counts[EventStepCompleted] != 1 {
		t.Errorf("Expected step lifecycle events, got %v", counts)
	}
}
