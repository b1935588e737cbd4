package collection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tasklist-api/domain"
)

// fakeGateway is an in-memory Gateway that counts calls and can inject failures.
type fakeGateway struct {
	mu     sync.Mutex
	tasks  map[string]map[string]domain.Task
	now    time.Time
	calls  map[string]int
	fail   map[string]error
	failOn map[string]error // keyed by task id, applies to Update
	bulk   [][]domain.OrderAssignment
	// listHook runs after List built its result and before it returns, with the call
	// number starting at 1.
	listHook func(call int)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tasks:  map[string]map[string]domain.Task{},
		now:    time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		calls:  map[string]int{},
		fail:   map[string]error{},
		failOn: map[string]error{},
	}
}

func (f *fakeGateway) seed(owner string, t domain.Task) domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		f.now = f.now.Add(time.Minute)
		t.CreatedAt = f.now
	}
	t.OwnerID = owner
	if f.tasks[owner] == nil {
		f.tasks[owner] = map[string]domain.Task{}
	}
	f.tasks[owner][t.ID] = t
	return t
}

func (f *fakeGateway) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeGateway) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeGateway) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *fakeGateway) List(ctx context.Context, owner string) ([]domain.Task, error) {
	if err := f.begin("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	out := make([]domain.Task, 0, len(f.tasks[owner]))
	for _, t := range f.tasks[owner] {
		out = append(out, t)
	}
	call, hook := f.calls["list"], f.listHook
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return out, nil
}

func (f *fakeGateway) Insert(ctx context.Context, owner string, draft domain.Draft) (domain.Task, error) {
	if err := f.begin("insert"); err != nil {
		return domain.Task{}, err
	}
	return f.seed(owner, domain.Task{Title: draft.Title, Tags: draft.Tags, DueAt: draft.DueAt, Remind: draft.Remind}), nil
}

func (f *fakeGateway) Update(ctx context.Context, owner, id string, patch domain.Patch) (domain.Task, error) {
	if err := f.begin("update"); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[id]; err != nil {
		return domain.Task{}, err
	}
	t, ok := f.tasks[owner][id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	t = patch.Apply(t)
	f.tasks[owner][id] = t
	return t, nil
}

func (f *fakeGateway) SetCompleted(ctx context.Context, owner, id string, completed bool) (domain.Task, error) {
	if err := f.begin("complete"); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[owner][id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	t.Completed = completed
	f.tasks[owner][id] = t
	return t, nil
}

func (f *fakeGateway) Delete(ctx context.Context, owner, id string) error {
	if err := f.begin("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[owner][id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.tasks[owner], id)
	return nil
}

func (f *fakeGateway) BulkSetOrder(ctx context.Context, owner string, orders []domain.OrderAssignment) error {
	if err := f.begin("bulk"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range orders {
		if _, ok := f.tasks[owner][o.ID]; !ok {
			return errors.New("unknown task " + o.ID)
		}
	}
	for _, o := range orders {
		t := f.tasks[owner][o.ID]
		t.Order = o.Order
		f.tasks[owner][o.ID] = t
	}
	f.bulk = append(f.bulk, append([]domain.OrderAssignment(nil), orders...))
	return nil
}
