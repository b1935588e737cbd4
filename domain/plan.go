package domain

import "sort"

// PlanItem is the assistant's suggestion for one incomplete task.
type PlanItem struct {
	ID             string `json:"id"`
	SuggestedOrder int    `json:"order"`
	DueAt          *Date  `json:"dueAt,omitempty"`
	Remind         *bool  `json:"remind,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Plan is an externally generated proposal for the incomplete tasks.
type Plan struct {
	Items   []PlanItem `json:"items"`
	Summary string     `json:"summary,omitempty"`
}

// FieldUpdate is a schedule change that is written independently of the order write.
type FieldUpdate struct {
	ID    string
	Patch Patch
}

// PlanMerge is the set of writes that applies a plan.
type PlanMerge struct {
	Orders  []OrderAssignment
	Updates []FieldUpdate
	// Dropped lists plan item ids that were ignored: unknown, completed or repeated.
	Dropped []string
}

// IsEmpty reports whether applying the merge would write nothing.
func (m PlanMerge) IsEmpty() bool { return len(m.Orders) == 0 && len(m.Updates) == 0 }

// MergePlan reconciles plan with the snapshot.
//
// Incomplete tasks take orders 0..k-1 in ascending suggested order (stable on ties).
// Incomplete tasks the plan did not mention follow in their current relative order.
// Completed tasks keep their relative order and take the tail k..k+m-1.
func MergePlan(snapshot []Task, plan Plan) PlanMerge {
	var merge PlanMerge

	byID := make(map[string]Task, len(snapshot))
	for _, t := range snapshot {
		byID[t.ID] = t
	}

	items := make([]PlanItem, 0, len(plan.Items))
	seen := make(map[string]struct{}, len(plan.Items))
	for _, item := range plan.Items {
		t, ok := byID[item.ID]
		if !ok || t.Completed {
			merge.Dropped = append(merge.Dropped, item.ID)
			continue
		}
		if _, dup := seen[item.ID]; dup {
			merge.Dropped = append(merge.Dropped, item.ID)
			continue
		}
		seen[item.ID] = struct{}{}
		items = append(items, item)
	}
	if len(items) == 0 {
		return merge
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SuggestedOrder < items[j].SuggestedOrder
	})

	current := append([]Task(nil), snapshot...)
	SortTasks(current)

	next := 0
	for _, item := range items {
		merge.Orders = append(merge.Orders, OrderAssignment{ID: item.ID, Order: next})
		next++
	}
	for _, t := range current {
		if t.Completed {
			continue
		}
		if _, planned := seen[t.ID]; planned {
			continue
		}
		merge.Orders = append(merge.Orders, OrderAssignment{ID: t.ID, Order: next})
		next++
	}
	for _, t := range current {
		if !t.Completed {
			continue
		}
		merge.Orders = append(merge.Orders, OrderAssignment{ID: t.ID, Order: next})
		next++
	}

	for _, item := range items {
		if item.DueAt == nil && item.Remind == nil {
			continue
		}
		patch := Patch{}
		if item.DueAt != nil {
			due := *item.DueAt
			patch.DueAt = &due
		}
		if item.Remind != nil {
			remind := *item.Remind
			patch.Remind = &remind
		}
		merge.Updates = append(merge.Updates, FieldUpdate{ID: item.ID, Patch: patch})
	}
	return merge
}
