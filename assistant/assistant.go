package assistant

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"tasklist-api/domain"
)

const (
	NoTasksBrief = "You have no tasks yet. Add one and I will help you plan your day."
	AllDoneBrief = "Everything on your list is done. Enjoy the rest of your day!"
)

// Assistant turns free text into drafts and asks the generation service for plans and
// briefings. It owns prompt construction and defensive decoding.
type Assistant struct {
	gen Generator
	now func() time.Time
	log *log.Logger
}

func New(gen Generator, logger *log.Logger) *Assistant {
	if gen == nil {
		panic("assistant.New: generator is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Assistant{gen: gen, now: time.Now, log: logger}
}

// Parse builds a draft from raw text. Transport failures and output that is not a JSON
// object are returned as GenerationError; the caller decides whether to fall back to a
// plain task.
func (a *Assistant) Parse(ctx context.Context, raw string) (domain.Draft, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Draft{}, &domain.ValidationError{Field: "text", Reason: "text is required"}
	}
	out, err := a.gen.Generate(ctx, Request{Prompt: parsePrompt(a.now(), raw), JSONMode: true})
	if err != nil {
		return domain.Draft{}, &domain.GenerationError{Op: "parse", Err: err}
	}
	obj, err := decodeObject(out)
	if err != nil {
		a.log.WithError(err).WithField("response", domain.Truncate(out, 200)).Debug("unusable parse response")
		return domain.Draft{}, &domain.GenerationError{Op: "parse", Err: err}
	}

	draft := domain.Draft{
		Title:  domain.Truncate(stringField(obj, "title"), domain.MaxTitleLength),
		Tags:   tagsField(obj),
		DueAt:  dateField(obj, "dueAt", "due_at"),
		Remind: coerceBool(obj["remind"]),
	}
	if draft.Title == "" {
		draft.Title = FallbackTitle(raw)
	}
	return draft, nil
}

// FallbackTitle is the title used when text cannot be parsed into a task.
func FallbackTitle(raw string) string {
	return domain.Truncate(strings.TrimSpace(raw), domain.MaxTitleLength)
}

// Optimize proposes an order and schedule for the incomplete tasks. Items naming tasks
// outside that set are discarded.
func (a *Assistant) Optimize(ctx context.Context, tasks []domain.Task) (domain.Plan, error) {
	incomplete := make([]domain.Task, 0, len(tasks))
	known := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if !t.Completed {
			incomplete = append(incomplete, t)
			known[t.ID] = struct{}{}
		}
	}
	if len(incomplete) == 0 {
		return domain.Plan{Items: []domain.PlanItem{}}, nil
	}

	prompt, err := optimizePrompt(a.now(), incomplete)
	if err != nil {
		return domain.Plan{}, err
	}
	out, err := a.gen.Generate(ctx, Request{Prompt: prompt, JSONMode: true})
	if err != nil {
		return domain.Plan{}, &domain.GenerationError{Op: "optimize", Err: err}
	}
	obj, err := decodeObject(out)
	if err != nil {
		return domain.Plan{}, &domain.GenerationError{Op: "optimize", Err: err}
	}
	rawItems, ok := obj["items"].([]any)
	if !ok {
		return domain.Plan{}, &domain.GenerationError{Op: "optimize", Err: errors.New("response has no items array")}
	}

	plan := domain.Plan{Items: make([]domain.PlanItem, 0, len(rawItems)), Summary: stringField(obj, "summary")}
	for i, v := range rawItems {
		itemObj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(itemObj, "id")
		if _, ok := known[id]; !ok {
			a.log.WithField("id", id).Debug("plan item names unknown task")
			continue
		}
		item := domain.PlanItem{ID: id, SuggestedOrder: i, DueAt: dateField(itemObj, "dueAt", "due_at"), Reason: stringField(itemObj, "reason")}
		if n, ok := numberField(itemObj, "order"); ok {
			item.SuggestedOrder = n
		}
		if rv, ok := itemObj["remind"]; ok && rv != nil {
			remind := coerceBool(rv)
			item.Remind = &remind
		}
		plan.Items = append(plan.Items, item)
	}
	return plan, nil
}

// DailyBrief returns a short prose summary of the collection.
func (a *Assistant) DailyBrief(ctx context.Context, tasks []domain.Task) (string, error) {
	if len(tasks) == 0 {
		return NoTasksBrief, nil
	}
	allDone := true
	for _, t := range tasks {
		if !t.Completed {
			allDone = false
			break
		}
	}
	if allDone {
		return AllDoneBrief, nil
	}

	prompt, err := briefPrompt(a.now(), tasks)
	if err != nil {
		return "", err
	}
	out, err := a.gen.Generate(ctx, Request{Prompt: prompt})
	if err != nil {
		return "", &domain.GenerationError{Op: "brief", Err: err}
	}
	brief := stripFences(out)
	if brief == "" {
		return "", &domain.GenerationError{Op: "brief", Err: errors.New("empty briefing")}
	}
	return brief, nil
}
