package api

import (
	"context"

	"tasklist-api/collection"
	"tasklist-api/domain"
)

// TaskStore is the collection store as seen by the handlers.
type TaskStore interface {
	Read(ctx context.Context) (collection.Snapshot, error)
	Create(ctx context.Context, draft domain.Draft) (domain.Task, error)
	Update(ctx context.Context, id string, patch domain.Patch) (domain.Task, error)
	SetCompleted(ctx context.Context, id string, completed bool) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	Reorder(ctx context.Context, filter domain.Filter, id string, position int) (domain.ReorderResult, error)
	ApplyDrag(ctx context.Context, filter domain.Filter, ev domain.DragEvent) (domain.ReorderResult, error)
	ApplyPlan(ctx context.Context, plan domain.Plan) (collection.PlanResult, error)
	Subscribe(fn func(collection.Change)) (cancel func())
}

// Intake turns text into drafts and produces plans and briefings.
type Intake interface {
	Parse(ctx context.Context, raw string) (domain.Draft, error)
	Optimize(ctx context.Context, tasks []domain.Task) (domain.Plan, error)
	DailyBrief(ctx context.Context, tasks []domain.Task) (string, error)
}

// Authenticator is implemented by types able to extract owner ids from headers.
type Authenticator interface {
	OwnerFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, owner, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, owner, key string) error
}
