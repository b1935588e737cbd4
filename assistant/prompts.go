package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"tasklist-api/domain"
)

func parsePrompt(today time.Time, raw string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s (%s).\n", today.Format(domain.DateLayout), today.Weekday())
	b.WriteString("Turn the user's note into a single task. Reply with one JSON object and nothing else:\n")
	b.WriteString(`{"title": string, "tags": [string], "dueAt": "YYYY-MM-DD" or null, "remind": boolean}` + "\n")
	b.WriteString("Rules:\n")
	b.WriteString("- title is the note without date words and without #tags, at most 200 characters.\n")
	b.WriteString("- words starting with # are tags, written without the #.\n")
	b.WriteString("- resolve relative dates such as \"tomorrow\" or \"next friday\" against today.\n")
	b.WriteString("- remind is true when the note mentions a date or time.\n")
	b.WriteString("Note: ")
	b.WriteString(raw)
	return b.String()
}

type promptTask struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	DueAt  string   `json:"dueAt,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Order  int      `json:"order"`
	Remind bool     `json:"remind"`
}

func toPromptTasks(tasks []domain.Task) []promptTask {
	out := make([]promptTask, 0, len(tasks))
	for _, t := range tasks {
		pt := promptTask{ID: t.ID, Title: t.Title, Tags: t.Tags, Order: t.Order, Remind: t.Remind}
		if t.DueAt != nil {
			pt.DueAt = t.DueAt.String()
		}
		out = append(out, pt)
	}
	return out
}

func optimizePrompt(today time.Time, incomplete []domain.Task) (string, error) {
	list, err := sonic.MarshalString(toPromptTasks(incomplete))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s (%s).\n", today.Format(domain.DateLayout), today.Weekday())
	b.WriteString("Plan the order in which these open tasks should be done, most urgent first.\n")
	b.WriteString("You may suggest a due date or a reminder where it helps. Reply with one JSON object:\n")
	b.WriteString(`{"items": [{"id": string, "order": number, "dueAt": "YYYY-MM-DD" or null, "remind": boolean, "reason": string}], "summary": string}` + "\n")
	b.WriteString("Use only ids from the list. Tasks:\n")
	b.WriteString(list)
	return b.String(), nil
}

func briefPrompt(today time.Time, tasks []domain.Task) (string, error) {
	open := make([]domain.Task, 0, len(tasks))
	done := 0
	for _, t := range tasks {
		if t.Completed {
			done++
			continue
		}
		open = append(open, t)
	}
	list, err := sonic.MarshalString(toPromptTasks(open))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s (%s).\n", today.Format(domain.DateLayout), today.Weekday())
	fmt.Fprintf(&b, "The user has %d open and %d completed tasks.\n", len(open), done)
	b.WriteString("Write a short, friendly daily briefing in plain prose (no lists, no markdown, at most 4 sentences). ")
	b.WriteString("Mention anything overdue or due today first. Open tasks:\n")
	b.WriteString(list)
	return b.String(), nil
}
