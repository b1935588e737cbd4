package collection

import (
	"context"

	"tasklist-api/domain"
)

// Gateway is the durable, remote owner of every task collection. Implementations must
// scope every call to owner.
type Gateway interface {
	List(ctx context.Context, owner string) ([]domain.Task, error)
	// Insert stores a new task built from draft. The gateway assigns the id, the
	// creation time and the default order.
	Insert(ctx context.Context, owner string, draft domain.Draft) (domain.Task, error)
	Update(ctx context.Context, owner, id string, patch domain.Patch) (domain.Task, error)
	SetCompleted(ctx context.Context, owner, id string, completed bool) (domain.Task, error)
	Delete(ctx context.Context, owner, id string) error
	BulkSetOrder(ctx context.Context, owner string, orders []domain.OrderAssignment) error
}

// Snapshot is the store's copy of one owner's collection, sorted for display.
type Snapshot struct {
	Owner   string        `json:"-"`
	Version uint64        `json:"version"`
	Tasks   []domain.Task `json:"tasks"`
}

// View derives the filtered sequence for display.
func (s Snapshot) View(f domain.Filter) []domain.Task {
	return domain.ApplyFilter(s.Tasks, f)
}

type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeCompleted   ChangeKind = "completed"
	ChangeDeleted     ChangeKind = "deleted"
	ChangeReordered   ChangeKind = "reordered"
	ChangePlanApplied ChangeKind = "plan-applied"
	ChangeInvalidated ChangeKind = "invalidated"
)

// Change is delivered to subscribers after every successful mutation.
type Change struct {
	Owner   string     `json:"owner"`
	Kind    ChangeKind `json:"kind"`
	IDs     []string   `json:"ids,omitempty"`
	Version uint64     `json:"version"`
	// Remote is set when the change was reported by another instance.
	Remote bool `json:"-"`
}

// PlanFailure records a schedule update that could not be written.
type PlanFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// PlanResult summarizes an applied plan.
type PlanResult struct {
	Orders  []domain.OrderAssignment `json:"orders"`
	Updated []string                 `json:"updated"`
	Failed  []PlanFailure            `json:"failed"`
	Dropped []string                 `json:"dropped"`
}
