package pipeline

import (
	"context"
	"time"
)

// ResourceManager is the externally owned resource-accounting boundary.
// The engine never owns resource state directly; it only consumes this
// allocate/release/usage contract when gating admission.
type ResourceManager interface {
	// Allocate atomically reserves the requested amounts. It returns a
	// resource-exhausted error (see IsResourceExhausted) when the remaining
	// budget cannot satisfy the full request.
	Allocate(ctx context.Context, req AllocationRequest) (*Allocation, error)

	// Release returns a previous allocation to the budget.
	Release(ctx context.Context, allocationID string) error

	// Usage returns a snapshot of capacity and current allocation.
	Usage(ctx context.Context) (ResourceUsage, error)
}

// AllocationRequest asks the resource manager to reserve amounts for a step.
type AllocationRequest struct {
	// OwnerID identifies the step or run requesting the allocation.
	OwnerID string `json:"owner_id"`

	// Requirements are the amounts to reserve.
	Requirements []ResourceRequirement `json:"requirements"`
}

// Allocation is a granted reservation.
type Allocation struct {
	// ID identifies the reservation for Release.
	ID string `json:"id"`

	// OwnerID echoes the requesting owner.
	OwnerID string `json:"owner_id"`

	// Requirements are the reserved amounts.
	Requirements []ResourceRequirement `json:"requirements"`

	// GrantedAt is when the reservation was made.
	GrantedAt time.Time `json:"granted_at"`
}

// ResourceUsage is a point-in-time snapshot of the resource budget.
type ResourceUsage struct {
	// Capacity is the total budget per resource name.
	Capacity map[string]float64 `json:"capacity"`

	// Allocated is the currently reserved amount per resource name.
	Allocated map[string]float64 `json:"allocated"`
}

// Headroom returns the remaining budget for a resource name. Resources
// without a declared capacity are treated as unlimited.
func (u ResourceUsage) Headroom(resource string) (float64, bool) {
	cap, ok := u.Capacity[resource]
	if !ok {
		return 0, false
	}
	return cap - u.Allocated[resource], true
}

// DurationSource supplies historical duration estimates to the planner.
type DurationSource interface {
	// AverageDuration returns the mean observed duration for a step name
	// and whether any history exists for it.
	AverageDuration(ctx context.Context, stepName string) (time.Duration, bool)
}

// EventSink receives timeline events from the scheduler. Implementations
// must be safe for concurrent use; publishing must never block execution
// for long.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// ConditionEvaluator resolves expression-form conditional dependencies at
// plan time. The vars map is a snapshot of the pipeline context.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expr string, vars map[string]any) (bool, error)
}
