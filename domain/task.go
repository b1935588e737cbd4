package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxTitleLength = 200
	MaxTagLength   = 50
)

// Task represents a single item of an owner's task list.
type Task struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
	DueAt     *Date     `json:"dueAt"`
	Remind    bool      `json:"remind"`
	Reminded  bool      `json:"reminded"`
	Tags      []string  `json:"tags"`
	Order     int       `json:"order"`
}

// HasTag reports whether tag is one of the task's tags.
func (t Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// Draft is an unsaved task produced by manual entry or natural-language parsing.
type Draft struct {
	Title  string   `json:"title"`
	Tags   []string `json:"tags"`
	DueAt  *Date    `json:"dueAt"`
	Remind bool     `json:"remind"`
}

// Normalize trims the title and normalizes tags in place.
func (d *Draft) Normalize() {
	d.Title = strings.TrimSpace(d.Title)
	d.Tags = NormalizeTags(d.Tags)
}

// Validate reports the first constraint the draft violates.
func (d Draft) Validate() error {
	if err := ValidateTitle(d.Title); err != nil {
		return err
	}
	return ValidateTags(d.Tags)
}

// Patch carries a partial field update. Nil fields are left untouched.
type Patch struct {
	Title    *string
	Tags     *[]string
	DueAt    *Date
	ClearDue bool
	Remind   *bool
}

// IsEmpty reports whether the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Tags == nil && p.DueAt == nil && !p.ClearDue && p.Remind == nil
}

// Normalize trims the title and normalizes tags in place.
func (p *Patch) Normalize() {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		p.Title = &title
	}
	if p.Tags != nil {
		tags := NormalizeTags(*p.Tags)
		p.Tags = &tags
	}
}

func (p Patch) Validate() error {
	if p.IsEmpty() {
		return &ValidationError{Field: "patch", Reason: "no fields to update"}
	}
	if p.DueAt != nil && p.ClearDue {
		return &ValidationError{Field: "dueAt", Reason: "cannot set and clear due date together"}
	}
	if p.Title != nil {
		if err := ValidateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Tags != nil {
		if err := ValidateTags(*p.Tags); err != nil {
			return err
		}
	}
	return nil
}

// Apply returns a copy of t with the patch applied.
func (p Patch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Tags != nil {
		t.Tags = append([]string{}, (*p.Tags)...)
	}
	if p.DueAt != nil {
		due := *p.DueAt
		t.DueAt = &due
	}
	if p.ClearDue {
		t.DueAt = nil
	}
	if p.Remind != nil {
		t.Remind = *p.Remind
	}
	return t
}

// OrderAssignment sets the display order of a single task.
type OrderAssignment struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Reason: "title is required"}
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return &ValidationError{Field: "title", Reason: "title exceeds 200 characters"}
	}
	return nil
}

func ValidateTags(tags []string) error {
	for _, tag := range tags {
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return &ValidationError{Field: "tags", Reason: "tag " + tag + " exceeds 50 characters"}
		}
	}
	return nil
}

// ValidateID checks that id is a well-formed task identifier.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "id", Reason: "malformed task id"}
	}
	return nil
}

// NormalizeTags trims tags, strips a leading '#', and drops empty and repeated tags.
// The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = NormalizeTag(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func NormalizeTag(tag string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}

// Truncate cuts s to at most n code points.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
