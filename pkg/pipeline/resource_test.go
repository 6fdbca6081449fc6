package pipeline

import (
	"context"
	"testing"
)

func TestMemoryResourceManager_AllocateAndRelease(t *testing.T) {
	m := NewMemoryResourceManager(map[string]float64{"cpu": 4})
	ctx := context.Background()

	alloc, err := m.Allocate(ctx, AllocationRequest{
		OwnerID:      "step-1",
		Requirements: []ResourceRequirement{{Resource: "cpu", Amount: 3}},
	})
	if err != nil {
		t.Fatalf("Expected allocation, got: %v", err)
	}

	usage, err := m.Usage(ctx)
	if err != nil {
		t.Fatalf("Expected usage, got: %v", err)
	}
	if usage.Allocated["cpu"] != 3 {
		t.Errorf("Expected 3 cpu allocated, got %.2f", usage.Allocated["cpu"])
	}

	if err := m.Release(ctx, alloc.ID); err != nil {
		t.Fatalf("Expected release, got: %v", err)
	}

	usage, _ = m.Usage(ctx)
	if usage.Allocated["cpu"] != 0 {
		t.Errorf("Expected 0 cpu allocated after release, got %.2f", usage.Allocated["cpu"])
	}
}

func TestMemoryResourceManager_RefusesOverBudget(t *testing.T) {
	m := NewMemoryResourceManager(map[string]float64{"slots": 2})
	ctx := context.Background()

	if _, err := m.Allocate(ctx, AllocationRequest{
		OwnerID:      "a",
		Requirements: []ResourceRequirement{{Resource: "slots", Amount: 2}},
	}); err != nil {
		t.Fatalf("Expected first allocation, got: %v", err)
	}

	_, err := m.Allocate(ctx, AllocationRequest{
		OwnerID:      "b",
		Requirements: []ResourceRequirement{{Resource: "slots", Amount: 1}},
	})
	if err == nil {
		t.Fatal("Expected exhaustion error")
	}
	if !IsResourceExhausted(err) {
		t.Errorf("Expected resource exhausted classification, got %v", err)
	}
}

func TestMemoryResourceManager_AllOrNothing(t *testing.T) {
	m := NewMemoryResourceManager(map[string]float64{"cpu": 4, "memory_mb": 100})
	ctx := context.Background()

	// cpu fits but memory does not; nothing may be reserved.
	_, err := m.Allocate(ctx, AllocationRequest{
		OwnerID: "a",
		Requirements: []ResourceRequirement{
			{Resource: "cpu", Amount: 2},
			{Resource: "memory_mb", Amount: 200},
		},
	})
	if err == nil {
		t.Fatal("Expected exhaustion error")
	}

	usage, _ := m.Usage(ctx)
	if usage.Allocated["cpu"] != 0 {
		t.Errorf("Expected no partial reservation, got %.2f cpu allocated", usage.Allocated["cpu"])
	}
}

func TestMemoryResourceManager_UnlistedResourceUnlimited(t *testing.T) {
	m := NewMemoryResourceManager(map[string]float64{"cpu": 1})
	ctx := context.Background()

	if _, err := m.Allocate(ctx, AllocationRequest{
		OwnerID:      "a",
		Requirements: []ResourceRequirement{{Resource: "gpu", Amount: 1000}},
	}); err != nil {
		t.Errorf("Expected unlisted resource to be unlimited, got: %v", err)
	}
}

func TestMemoryResourceManager_ReleaseUnknownAllocation(t *testing.T) {
	m := NewMemoryResourceManager(nil)
	if err := m.Release(context.Background(), "ghost"); err == nil {
		t.Error("Expected error releasing unknown allocation")
	}
}

func TestResourceUsage_Headroom(t *testing.T) {
	usage := ResourceUsage{
		Capacity:  map[string]float64{"cpu": 4},
		Allocated: map[string]float64{"cpu": 1.5},
	}

	headroom, bounded := usage.Headroom("cpu")
	if !bounded {
		t.Fatal("Expected cpu to be bounded")
	}
	if headroom != 2.5 {
		t.Errorf("Expected 2.5 headroom, got %.2f", headroom)
	}

	if _, bounded := usage.Headroom("gpu"); bounded {
		t.Error("Expected unlisted resource to be unbounded")
	}
}

func TestMergeRequirements(t *testing.T) {
	merged := mergeRequirements(
		[]ResourceRequirement{{Resource: "cpu", Amount: 1}, {Resource: "memory_mb", Amount: 64}},
		[]ResourceRequirement{{Resource: "cpu", Amount: 2}},
	)

	if len(merged) != 2 {
		t.Fatalf("Expected 2 merged requirements, got %d", len(merged))
	}
	if merged[0].Resource != "cpu" || merged[0].Amount != 3 {
		t.Errorf("Expected cpu=3 first, got %+v", merged[0])
	}
}

func TestMaxRequirements(t *testing.T) {
	peaks := maxRequirements(
		[]ResourceRequirement{{Resource: "cpu", Amount: 1}},
		[]ResourceRequirement{{Resource: "cpu", Amount: 4}},
	)

	if len(peaks) != 1 || peaks[0].Amount != 4 {
		t.Errorf("Expected cpu peak 4, got %+v", peaks)
	}
}
