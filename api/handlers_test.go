package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"tasklist-api/collection"
	"tasklist-api/domain"
	"tasklist-api/storage"
)

// headerAuth treats the bearer value as the owner id.
type headerAuth struct{}

func (headerAuth) OwnerFromAuthHeader(h string) (string, error) {
	owner := strings.TrimPrefix(h, bearerPrefix)
	if owner == "" || owner == h {
		return "", errMissingAuthorization
	}
	return owner, nil
}

type fakeIntake struct {
	draft    domain.Draft
	plan     domain.Plan
	brief    string
	err      error
	lastText string
	seen     int
}

func (f *fakeIntake) Parse(_ context.Context, raw string) (domain.Draft, error) {
	f.lastText = raw
	return f.draft, f.err
}

func (f *fakeIntake) Optimize(_ context.Context, tasks []domain.Task) (domain.Plan, error) {
	f.seen = len(tasks)
	return f.plan, f.err
}

func (f *fakeIntake) DailyBrief(_ context.Context, tasks []domain.Task) (string, error) {
	f.seen = len(tasks)
	return f.brief, f.err
}

type memDeduper struct {
	mu      sync.Mutex
	keys    map[string]bool
	removed []string
}

func (d *memDeduper) Add(_ context.Context, owner, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = map[string]bool{}
	}
	k := owner + ":" + key
	if d.keys[k] {
		return false, nil
	}
	d.keys[k] = true
	return true, nil
}

func (d *memDeduper) Remove(_ context.Context, owner, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, owner+":"+key)
	d.removed = append(d.removed, key)
	return nil
}

func newTestAPI(t *testing.T, intake Intake, deduper Deduper) (*echo.Echo, *storage.SQLiteGateway) {
	t.Helper()
	gw, err := storage.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, collection.NewStore(gw, logger), intake, headerAuth{}, deduper, logger)
	return e, gw
}

func call(e *echo.Echo, method, path, owner, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if owner != "" {
		req.Header.Set(echo.HeaderAuthorization, bearerPrefix+owner)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func mustCreate(t *testing.T, e *echo.Echo, owner, body string) domain.Task {
	t.Helper()
	rec := call(e, http.MethodPost, "/api/tasks", owner, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	return decodeAs[domain.Task](t, rec)
}

func listView(t *testing.T, e *echo.Echo, owner, query string) tasksResponse {
	t.Helper()
	rec := call(e, http.MethodGet, "/api/tasks"+query, owner, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", rec.Code, rec.Body.String())
	}
	return decodeAs[tasksResponse](t, rec)
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestHealthz(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	rec := call(e, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	rec := call(e, http.MethodGet, "/api/tasks", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeAs[errorResponse](t, rec); body.Error != "unauthorized" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestCreateAndListTasks(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)

	created := mustCreate(t, e, "alice", `{"title":"  Buy milk ","tags":["#home"," home"],"dueAt":"2026-10-20","remind":true}`)
	if created.Title != "Buy milk" || created.OwnerID != "alice" || !created.Remind {
		t.Fatalf("unexpected task %+v", created)
	}
	if created.DueAt == nil || created.DueAt.String() != "2026-10-20" {
		t.Fatalf("unexpected due date %v", created.DueAt)
	}
	mustCreate(t, e, "alice", `{"title":"Write report","tags":["work"]}`)

	list := listView(t, e, "alice", "")
	if len(list.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list.Tasks))
	}
	if list.Version == 0 {
		t.Fatal("expected non-zero version")
	}
	if len(list.Tags) != 2 {
		t.Fatalf("unexpected tags %v", list.Tags)
	}

	filtered := listView(t, e, "alice", "?tag=work")
	if len(filtered.Tasks) != 1 || filtered.Tasks[0].Title != "Write report" {
		t.Fatalf("unexpected filtered tasks %+v", filtered.Tasks)
	}
	if len(filtered.Tags) != 2 {
		t.Fatalf("tags must come from the whole collection, got %v", filtered.Tags)
	}

	searched := listView(t, e, "alice", "?search=MILK")
	if len(searched.Tasks) != 1 || searched.Tasks[0].ID != created.ID {
		t.Fatalf("unexpected search result %+v", searched.Tasks)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	task := mustCreate(t, e, "alice", `{"title":"private"}`)

	if list := listView(t, e, "bob", ""); len(list.Tasks) != 0 {
		t.Fatalf("bob sees %+v", list.Tasks)
	}
	rec := call(e, http.MethodDelete, "/api/tasks/"+task.ID, "bob", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting another owner's task, got %d", rec.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "blank title", body: `{"title":"   "}`, field: "title"},
		{name: "long title", body: `{"title":"` + strings.Repeat("x", 201) + `"}`, field: "title"},
		{name: "unknown field", body: `{"title":"x","priority":1}`, field: "body"},
		{name: "bad date", body: `{"title":"x","dueAt":"tomorrow"}`, field: "body"},
		{name: "not json", body: `title=x`, field: "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(e, http.MethodPost, "/api/tasks", "alice", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if body := decodeAs[errorResponse](t, rec); body.Field != tt.field {
				t.Fatalf("unexpected field %q", body.Field)
			}
		})
	}
}

func TestCreateIdempotencyKey(t *testing.T) {
	deduper := &memDeduper{}
	e, _ := newTestAPI(t, nil, deduper)

	first := call(e, http.MethodPost, "/api/tasks", "alice", `{"title":"once"}`, idempotencyHeader, "abc")
	if first.Code != http.StatusCreated {
		t.Fatalf("first create status %d", first.Code)
	}
	second := call(e, http.MethodPost, "/api/tasks", "alice", `{"title":"once"}`, idempotencyHeader, "abc")
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.Code)
	}
	if list := listView(t, e, "alice", ""); len(list.Tasks) != 1 {
		t.Fatalf("expected a single task, got %d", len(list.Tasks))
	}

	failed := call(e, http.MethodPost, "/api/tasks", "alice", `{"title":""}`, idempotencyHeader, "retry")
	if failed.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", failed.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "retry" {
		t.Fatalf("expected failed key to be released, got %v", deduper.removed)
	}
	retry := call(e, http.MethodPost, "/api/tasks", "alice", `{"title":"now valid"}`, idempotencyHeader, "retry")
	if retry.Code != http.StatusCreated {
		t.Fatalf("retry status %d", retry.Code)
	}
}

func TestUpdateTask(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	task := mustCreate(t, e, "alice", `{"title":"draft","dueAt":"2026-10-20","tags":["a"]}`)

	rec := call(e, http.MethodPatch, "/api/tasks/"+task.ID, "alice", `{"title":"final","tags":["b","#c"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeAs[domain.Task](t, rec)
	if updated.Title != "final" || strings.Join(updated.Tags, ",") != "b,c" {
		t.Fatalf("unexpected task %+v", updated)
	}
	if updated.DueAt == nil {
		t.Fatal("absent dueAt must keep the due date")
	}

	rec = call(e, http.MethodPatch, "/api/tasks/"+task.ID, "alice", `{"dueAt":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status %d: %s", rec.Code, rec.Body.String())
	}
	if cleared := decodeAs[domain.Task](t, rec); cleared.DueAt != nil {
		t.Fatalf("expected due date cleared, got %v", cleared.DueAt)
	}

	rec = call(e, http.MethodPatch, "/api/tasks/"+task.ID, "alice", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected empty patch to be rejected, got %d", rec.Code)
	}
	rec = call(e, http.MethodPatch, "/api/tasks/not-a-uuid", "alice", `{"title":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed id to be rejected, got %d", rec.Code)
	}
}

func TestSetCompletedAndStatusFilter(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	done := mustCreate(t, e, "alice", `{"title":"done"}`)
	mustCreate(t, e, "alice", `{"title":"open"}`)

	rec := call(e, http.MethodPut, "/api/tasks/"+done.ID+"/completed", "alice", `{"completed":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status %d: %s", rec.Code, rec.Body.String())
	}
	if !decodeAs[domain.Task](t, rec).Completed {
		t.Fatal("expected completed task")
	}

	active := listView(t, e, "alice", "?status=active")
	if len(active.Tasks) != 1 || active.Tasks[0].Title != "open" {
		t.Fatalf("unexpected active tasks %+v", active.Tasks)
	}
	completed := listView(t, e, "alice", "?status=completed")
	if len(completed.Tasks) != 1 || completed.Tasks[0].ID != done.ID {
		t.Fatalf("unexpected completed tasks %+v", completed.Tasks)
	}

	if rec := call(e, http.MethodGet, "/api/tasks?status=someday", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid status to be rejected, got %d", rec.Code)
	}
	if rec := call(e, http.MethodPut, "/api/tasks/"+done.ID+"/completed", "alice", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing completed to be rejected, got %d", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	task := mustCreate(t, e, "alice", `{"title":"temp"}`)

	if rec := call(e, http.MethodDelete, "/api/tasks/"+task.ID, "alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec := call(e, http.MethodDelete, "/api/tasks/"+task.ID, "alice", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
	if list := listView(t, e, "alice", ""); len(list.Tasks) != 0 {
		t.Fatalf("expected empty list, got %+v", list.Tasks)
	}
}

func TestReorderByPosition(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	for _, title := range []string{"a", "b", "c"} {
		mustCreate(t, e, "alice", `{"title":"`+title+`"}`)
	}
	before := ids(listView(t, e, "alice", "").Tasks)

	rec := call(e, http.MethodPost, "/api/tasks/reorder", "alice", `{"id":"`+before[2]+`","position":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reorder status %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeAs[domain.ReorderResult](t, rec)
	if res.Noop || len(res.Assignments) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	after := listView(t, e, "alice", "").Tasks
	want := []string{before[2], before[0], before[1]}
	if strings.Join(ids(after), ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", ids(after), want)
	}
	for i, task := range after {
		if task.Order != i {
			t.Fatalf("task %s has order %d, want %d", task.ID, task.Order, i)
		}
	}

	rec = call(e, http.MethodPost, "/api/tasks/reorder", "alice", `{"id":"`+want[0]+`","position":0}`)
	if rec.Code != http.StatusOK || !decodeAs[domain.ReorderResult](t, rec).Noop {
		t.Fatalf("expected noop, got %d %s", rec.Code, rec.Body.String())
	}
	rec = call(e, http.MethodPost, "/api/tasks/reorder", "alice", `{"filter":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing move to be rejected, got %d", rec.Code)
	}
}

func TestReorderByDrag(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	for _, title := range []string{"a", "b", "c"} {
		mustCreate(t, e, "alice", `{"title":"`+title+`"}`)
	}
	before := ids(listView(t, e, "alice", "").Tasks)
	version := listView(t, e, "alice", "").Version

	rec := call(e, http.MethodPost, "/api/tasks/reorder", "alice", `{"drag":{"type":"move","id":"`+before[0]+`","overId":"`+before[2]+`"}}`)
	if rec.Code != http.StatusOK || !decodeAs[domain.ReorderResult](t, rec).Noop {
		t.Fatalf("move must not commit: %d %s", rec.Code, rec.Body.String())
	}
	if got := listView(t, e, "alice", "").Version; got != version {
		t.Fatalf("version changed on move: %d -> %d", version, got)
	}

	rec = call(e, http.MethodPost, "/api/tasks/reorder", "alice", `{"drag":{"type":"end","id":"`+before[0]+`","overId":"`+before[2]+`"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("drag end status %d: %s", rec.Code, rec.Body.String())
	}
	after := ids(listView(t, e, "alice", "").Tasks)
	want := []string{before[1], before[2], before[0]}
	if strings.Join(after, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", after, want)
	}

	rec = call(e, http.MethodPost, "/api/tasks/reorder", "alice", `{"drag":{"type":"fling","id":"x"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown drag type to be rejected, got %d", rec.Code)
	}
}

func TestParseTask(t *testing.T) {
	intake := &fakeIntake{draft: domain.Draft{Title: "Call mom", Tags: []string{"family"}}}
	e, _ := newTestAPI(t, intake, nil)

	rec := call(e, http.MethodPost, "/api/tasks/parse", "alice", `{"text":"call mom tomorrow #family"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("parse status %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeAs[parseResponse](t, rec)
	if !res.Parsed || res.Task.Title != "Call mom" || strings.Join(res.Task.Tags, ",") != "family" {
		t.Fatalf("unexpected response %+v", res)
	}
	if intake.lastText != "call mom tomorrow #family" {
		t.Fatalf("unexpected text passed to intake %q", intake.lastText)
	}
}

func TestParseTaskFallsBackToRawText(t *testing.T) {
	intake := &fakeIntake{err: &domain.GenerationError{Op: "parse", Err: errors.New("timeout")}}
	e, _ := newTestAPI(t, intake, nil)

	rec := call(e, http.MethodPost, "/api/tasks/parse", "alice", `{"text":"  water the plants  "}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("parse status %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeAs[parseResponse](t, rec)
	if res.Parsed || res.Task.Title != "water the plants" {
		t.Fatalf("unexpected fallback %+v", res)
	}

	if rec := call(e, http.MethodPost, "/api/tasks/parse", "alice", `{"text":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected blank text to be rejected, got %d", rec.Code)
	}
}

func TestParseTaskWithoutAssistant(t *testing.T) {
	e, _ := newTestAPI(t, nil, nil)
	rec := call(e, http.MethodPost, "/api/tasks/parse", "alice", `{"text":"buy stamps"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("parse status %d: %s", rec.Code, rec.Body.String())
	}
	if res := decodeAs[parseResponse](t, rec); res.Parsed || res.Task.Title != "buy stamps" {
		t.Fatalf("unexpected response %+v", res)
	}
	if rec := call(e, http.MethodPost, "/api/assistant/plan", "alice", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without assistant, got %d", rec.Code)
	}
	if rec := call(e, http.MethodGet, "/api/assistant/brief", "alice", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without assistant, got %d", rec.Code)
	}
}

func TestSuggestAndApplyPlan(t *testing.T) {
	intake := &fakeIntake{}
	e, _ := newTestAPI(t, intake, nil)
	a := mustCreate(t, e, "alice", `{"title":"a"}`)
	b := mustCreate(t, e, "alice", `{"title":"b"}`)
	c := mustCreate(t, e, "alice", `{"title":"c"}`)

	intake.plan = domain.Plan{Items: []domain.PlanItem{{ID: c.ID, SuggestedOrder: 0}}, Summary: "c first"}
	rec := call(e, http.MethodPost, "/api/assistant/plan", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("plan status %d: %s", rec.Code, rec.Body.String())
	}
	if plan := decodeAs[domain.Plan](t, rec); len(plan.Items) != 1 || plan.Summary != "c first" {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if intake.seen != 3 {
		t.Fatalf("assistant saw %d tasks", intake.seen)
	}

	unknown := "00000000-0000-4000-8000-000000000000"
	body := `{"plan":{"items":[` +
		`{"id":"` + c.ID + `","order":0},` +
		`{"id":"` + a.ID + `","order":1,"dueAt":"2026-11-01","remind":true},` +
		`{"id":"` + unknown + `","order":2}]}}`
	rec = call(e, http.MethodPost, "/api/assistant/plan/apply", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeAs[applyPlanResponse](t, rec)
	if len(res.Applied) != 3 || len(res.Failed) != 0 {
		t.Fatalf("unexpected apply result %+v", res)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != unknown {
		t.Fatalf("unexpected dropped %v", res.Dropped)
	}
	if len(res.Updated) != 1 || res.Updated[0] != a.ID {
		t.Fatalf("unexpected updated %v", res.Updated)
	}

	after := listView(t, e, "alice", "").Tasks
	want := []string{c.ID, a.ID, b.ID}
	if strings.Join(ids(after), ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", ids(after), want)
	}
	if after[1].DueAt == nil || after[1].DueAt.String() != "2026-11-01" || !after[1].Remind {
		t.Fatalf("schedule not applied: %+v", after[1])
	}

	rec = call(e, http.MethodPost, "/api/assistant/plan/apply", "alice", `{"plan":{"items":[{"id":"bad","order":0}]}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed id to be rejected, got %d", rec.Code)
	}
}

func TestDailyBrief(t *testing.T) {
	intake := &fakeIntake{brief: "Two things today."}
	e, _ := newTestAPI(t, intake, nil)
	mustCreate(t, e, "alice", `{"title":"a"}`)

	rec := call(e, http.MethodGet, "/api/assistant/brief", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("brief status %d: %s", rec.Code, rec.Body.String())
	}
	if res := decodeAs[briefResponse](t, rec); res.Brief != "Two things today." {
		t.Fatalf("unexpected brief %+v", res)
	}

	intake.err = &domain.GenerationError{Op: "brief", Err: errors.New("down")}
	rec = call(e, http.MethodGet, "/api/assistant/brief", "alice", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if res := decodeAs[errorResponse](t, rec); res.Error != "assistant unavailable" || res.Detail == "" {
		t.Fatalf("unexpected error body %+v", res)
	}
}

func TestGatewayFailureIsBadGateway(t *testing.T) {
	e, gw := newTestAPI(t, nil, nil)
	if err := gw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec := call(e, http.MethodGet, "/api/tasks", "alice", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if res := decodeAs[errorResponse](t, rec); res.Error != "storage unavailable" {
		t.Fatalf("unexpected error body %+v", res)
	}
}
