package domain

import "sort"

// SortTasks sorts tasks in place by display order: ascending Order, newest first on
// ties, then by ID so equal records always land in the same place.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return lessTask(tasks[i], tasks[j])
	})
}

func lessTask(a, b Task) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ReorderResult is the outcome of a single move gesture.
type ReorderResult struct {
	// Assignments covers every task of the collection: the view first (0..n-1), then
	// the tasks hidden by the active filter in their previous relative order.
	Assignments []OrderAssignment `json:"assignments"`
	// View is the visible sequence after the move.
	View []Task `json:"view"`
	// Noop is set when the move did not change anything and nothing must be written.
	Noop bool `json:"noop"`
}

// MoveIndex relocates the element at from to position to, keeping the relative order
// of all other elements. Out of range positions are clamped.
func MoveIndex[T any](items []T, from, to int) []T {
	out := make([]T, len(items))
	copy(out, items)
	if len(out) == 0 || from < 0 || from >= len(out) {
		return out
	}
	to = clamp(to, 0, len(out)-1)
	if from == to {
		return out
	}
	moved := out[from]
	if from < to {
		copy(out[from:to], out[from+1:to+1])
	} else {
		copy(out[to+1:from+1], out[to:from])
	}
	out[to] = moved
	return out
}

// Reorder moves the task id to position within view and resequences the collection.
//
// view is the filtered, sorted subset the user is looking at; all is the whole
// snapshot. The view receives orders 0..n-1. Tasks outside the view keep their relative
// order and follow at n..N-1, so no newly assigned order collides with a hidden task.
func Reorder(all, view []Task, id string, position int) (ReorderResult, error) {
	from := indexOf(view, id)
	if from < 0 {
		return ReorderResult{}, ErrNotFound
	}
	if len(view) > 0 {
		position = clamp(position, 0, len(view)-1)
	}
	if from == position {
		return ReorderResult{View: append([]Task(nil), view...), Noop: true}, nil
	}

	moved := MoveIndex(view, from, position)
	visible := make(map[string]struct{}, len(moved))
	assignments := make([]OrderAssignment, 0, len(all))
	for i := range moved {
		moved[i].Order = i
		visible[moved[i].ID] = struct{}{}
		assignments = append(assignments, OrderAssignment{ID: moved[i].ID, Order: i})
	}

	hidden := make([]Task, 0, len(all))
	for _, t := range all {
		if _, ok := visible[t.ID]; !ok {
			hidden = append(hidden, t)
		}
	}
	SortTasks(hidden)
	for i, t := range hidden {
		assignments = append(assignments, OrderAssignment{ID: t.ID, Order: len(moved) + i})
	}
	return ReorderResult{Assignments: assignments, View: moved}, nil
}

// ApplyOrders returns a copy of tasks with the assignments applied.
func ApplyOrders(tasks []Task, assignments []OrderAssignment) []Task {
	byID := make(map[string]int, len(assignments))
	for _, a := range assignments {
		byID[a.ID] = a.Order
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		if order, ok := byID[t.ID]; ok {
			t.Order = order
		}
		out[i] = t
	}
	return out
}

func indexOf(tasks []Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
