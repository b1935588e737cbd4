package domain

import "strings"

type Status string

const (
	StatusAll       Status = "all"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

func (s Status) IsValid() bool {
	switch s {
	case "", StatusAll, StatusActive, StatusCompleted:
		return true
	default:
		return false
	}
}

// Filter holds the optional view predicates. Zero values pass everything through.
type Filter struct {
	Status Status `json:"status,omitempty"`
	Search string `json:"search,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

func (f Filter) Validate() error {
	if !f.Status.IsValid() {
		return &ValidationError{Field: "status", Reason: "must be one of all, active, completed"}
	}
	return nil
}

// IsZero reports whether the filter lets every task through.
func (f Filter) IsZero() bool {
	return (f.Status == "" || f.Status == StatusAll) && strings.TrimSpace(f.Search) == "" && NormalizeTag(f.Tag) == ""
}

// Match reports whether t passes all predicates.
func (f Filter) Match(t Task) bool {
	return f.matchStatus(t) && f.matchSearch(t) && f.matchTag(t)
}

func (f Filter) matchStatus(t Task) bool {
	switch f.Status {
	case StatusActive:
		return !t.Completed
	case StatusCompleted:
		return t.Completed
	default:
		return true
	}
}

func (f Filter) matchSearch(t Task) bool {
	q := strings.ToLower(strings.TrimSpace(f.Search))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(t.Title), q)
}

func (f Filter) matchTag(t Task) bool {
	tag := NormalizeTag(f.Tag)
	if tag == "" {
		return true
	}
	return t.HasTag(tag)
}

// ApplyFilter returns the tasks of snapshot that pass f, in snapshot order. The snapshot
// is never modified.
func ApplyFilter(snapshot []Task, f Filter) []Task {
	out := make([]Task, 0, len(snapshot))
	for _, t := range snapshot {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

// DistinctTags lists every tag used in tasks in first-seen order.
func DistinctTags(tasks []Task) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, t := range tasks {
		for _, tag := range t.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
