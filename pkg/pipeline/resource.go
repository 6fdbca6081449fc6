package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryResourceManager is an in-process reference implementation of the
// ResourceManager contract with an atomic check-and-reserve. The engine
// treats it like any external manager; it ships for the CLI and tests.
type MemoryResourceManager struct {
	mu          sync.Mutex
	capacity    map[string]float64
	allocated   map[string]float64
	allocations map[string]*Allocation
}

// NewMemoryResourceManager creates a manager with the given capacities.
// Resources without a declared capacity are treated as unlimited.
func NewMemoryResourceManager(capacity map[string]float64) *MemoryResourceManager {
	caps := make(map[string]float64, len(capacity))
	for name, amount := range capacity {
		caps[name] = amount
	}
	return &MemoryResourceManager{
		capacity:    caps,
		allocated:   make(map[string]float64),
		allocations: make(map[string]*Allocation),
	}
}

// Allocate implements ResourceManager. The full request is granted or none
// of it is: a partial reservation is never left behind.
func (m *MemoryResourceManager) Allocate(ctx context.Context, req AllocationRequest) (*Allocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewCancelledOutcome("allocation cancelled", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range req.Requirements {
		if r.Amount < 0 {
			return nil, NewValidationError(
				fmt.Sprintf("negative resource amount for %s", r.Resource), nil,
			).WithCode(ErrCodeValidation)
		}
		capAmount, bounded := m.capacity[r.Resource]
		if bounded && m.allocated[r.Resource]+r.Amount > capAmount {
			return nil, NewCommandFailure(
				fmt.Sprintf("resource %s exhausted: requested %.2f, available %.2f",
					r.Resource, r.Amount, capAmount-m.allocated[r.Resource]),
				nil,
			).WithCode(ErrCodeResourceExhausted)
		}
	}

	for _, r := range req.Requirements {
		m.allocated[r.Resource] += r.Amount
	}

	alloc := &Allocation{
		ID:           uuid.New().String(),
		OwnerID:      req.OwnerID,
		Requirements: req.Requirements,
		GrantedAt:    time.Now(),
	}
	m.allocations[alloc.ID] = alloc
	return alloc, nil
}

// Release implements ResourceManager.
func (m *MemoryResourceManager) Release(ctx context.Context, allocationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocations[allocationID]
	if !ok {
		return NewValidationError(
			fmt.Sprintf("unknown allocation %s", allocationID), nil,
		).WithCode(ErrCodeValidation)
	}

	for _, r := range alloc.Requirements {
		m.allocated[r.Resource] -= r.Amount
		if m.allocated[r.Resource] <= 0 {
			delete(m.allocated, r.Resource)
		}
	}
	delete(m.allocations, allocationID)
	return nil
}

// Usage implements ResourceManager.
func (m *MemoryResourceManager) Usage(ctx context.Context) (ResourceUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := ResourceUsage{
		Capacity:  make(map[string]float64, len(m.capacity)),
		Allocated: make(map[string]float64, len(m.allocated)),
	}
	for name, amount := range m.capacity {
		usage.Capacity[name] = amount
	}
	for name, amount := range m.allocated {
		usage.Allocated[name] = amount
	}
	return usage, nil
}

// mergeRequirements sums requirement lists by resource name.
func mergeRequirements(lists ...[]ResourceRequirement) []ResourceRequirement {
	totals := make(map[string]float64)
	order := make([]string, 0)
	for _, list := range lists {
		for _, r := range list {
			if _, seen := totals[r.Resource]; !seen {
				order = append(order, r.Resource)
			}
			totals[r.Resource] += r.Amount
		}
	}

	merged := make([]ResourceRequirement, 0, len(order))
	for _, name := range order {
		merged = append(merged, ResourceRequirement{Resource: name, Amount: totals[name]})
	}
	return merged
}

// maxRequirements keeps the per-resource maximum across requirement lists,
// used when estimating the concurrent peak of a level.
func maxRequirements(lists ...[]ResourceRequirement) []ResourceRequirement {
	peaks := make(map[string]float64)
	order := make([]string, 0)
	for _, list := range lists {
		for _, r := range list {
			if _, seen := peaks[r.Resource]; !seen {
				order = append(order, r.Resource)
			}
			if r.Amount > peaks[r.Resource] {
				peaks[r.Resource] = r.Amount
			}
		}
	}

	out := make([]ResourceRequirement, 0, len(order))
	for _, name := range order {
		out = append(out, ResourceRequirement{Resource: name, Amount: peaks[name]})
	}
	return out
}
