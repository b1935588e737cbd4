package collection

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasklist-api/domain"
)

const tracerName = "tasklist-api/collection"

// Store holds exactly one authoritative snapshot per owner and keeps it consistent with
// the gateway. Reads never observe a snapshot older than the last write this store
// completed. Writes are not serialized against each other.
type Store struct {
	gw     Gateway
	log    *log.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	entries map[string]*entry
	subs    map[int]func(Change)
	nextSub int
}

type entry struct {
	tasks []domain.Task
	// generation is bumped on every write and invalidation.
	generation uint64
	valid      bool
}

func NewStore(gw Gateway, logger *log.Logger) *Store {
	if gw == nil {
		panic("collection.NewStore: gateway is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		gw:      gw,
		log:     logger,
		tracer:  otel.Tracer(tracerName),
		entries: make(map[string]*entry),
		subs:    make(map[int]func(Change)),
	}
}

// Subscribe registers fn to be called after every change. Callbacks run on the writer's
// goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Read returns the owner's current snapshot, refetching it when a write invalidated it.
func (s *Store) Read(ctx context.Context) (Snapshot, error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return s.read(ctx, owner)
}

// read refetches until a list lands under an unchanged generation. A list whose fetch
// overlapped a write is never served; only ctx ends the retries.
func (s *Store) read(ctx context.Context, owner string) (Snapshot, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, gatewayError("list", err)
		}
		s.mu.Lock()
		e := s.entry(owner)
		if e.valid {
			snap := Snapshot{Owner: owner, Version: e.generation, Tasks: cloneTasks(e.tasks)}
			s.mu.Unlock()
			return snap, nil
		}
		gen := e.generation
		s.mu.Unlock()

		tasks, err := s.gw.List(ctx, owner)
		if err != nil {
			return Snapshot{}, gatewayError("list", err)
		}
		for i := range tasks {
			tasks[i].Tags = domain.NormalizeTags(tasks[i].Tags)
		}
		domain.SortTasks(tasks)

		s.mu.Lock()
		e = s.entry(owner)
		if e.generation == gen {
			e.tasks = tasks
			e.valid = true
			s.mu.Unlock()
			return Snapshot{Owner: owner, Version: gen, Tasks: cloneTasks(tasks)}, nil
		}
		s.mu.Unlock()
		s.log.WithField("owner", owner).Debug("snapshot changed during refetch, retrying")
	}
}

// Invalidate drops the owner's snapshot after a change made elsewhere.
func (s *Store) Invalidate(owner string) {
	version := s.invalidate(owner)
	s.notify(Change{Owner: owner, Kind: ChangeInvalidated, Version: version, Remote: true})
}

func (s *Store) Create(ctx context.Context, draft domain.Draft) (task domain.Task, err error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	draft.Normalize()
	if err := draft.Validate(); err != nil {
		return domain.Task{}, err
	}
	ctx, end := s.startSpan(ctx, "collection.Create", owner)
	defer func() { end(err) }()

	task, err = s.gw.Insert(ctx, owner, draft)
	if err != nil {
		s.invalidate(owner)
		return domain.Task{}, gatewayError("insert", err)
	}
	s.committed(ctx, owner, ChangeCreated, task.ID)
	return task, nil
}

func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (task domain.Task, err error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateID(id); err != nil {
		return domain.Task{}, err
	}
	patch.Normalize()
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	ctx, end := s.startSpan(ctx, "collection.Update", owner)
	defer func() { end(err) }()

	task, err = s.gw.Update(ctx, owner, id, patch)
	if err != nil {
		s.invalidate(owner)
		return domain.Task{}, gatewayError("update", err)
	}
	s.committed(ctx, owner, ChangeUpdated, id)
	return task, nil
}

func (s *Store) SetCompleted(ctx context.Context, id string, completed bool) (task domain.Task, err error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateID(id); err != nil {
		return domain.Task{}, err
	}
	ctx, end := s.startSpan(ctx, "collection.SetCompleted", owner)
	defer func() { end(err) }()

	task, err = s.gw.SetCompleted(ctx, owner, id, completed)
	if err != nil {
		s.invalidate(owner)
		return domain.Task{}, gatewayError("set completed", err)
	}
	s.committed(ctx, owner, ChangeCompleted, id)
	return task, nil
}

func (s *Store) Delete(ctx context.Context, id string) (err error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return err
	}
	if err := domain.ValidateID(id); err != nil {
		return err
	}
	ctx, end := s.startSpan(ctx, "collection.Delete", owner)
	defer func() { end(err) }()

	if err = s.gw.Delete(ctx, owner, id); err != nil {
		s.invalidate(owner)
		return gatewayError("delete", err)
	}
	s.committed(ctx, owner, ChangeDeleted, id)
	return nil
}

// BulkSetOrder writes all assignments in a single gateway call.
func (s *Store) BulkSetOrder(ctx context.Context, orders []domain.OrderAssignment) (err error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return err
	}
	if err := validateOrders(orders); err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}
	ctx, end := s.startSpan(ctx, "collection.BulkSetOrder", owner)
	defer func() { end(err) }()

	if err = s.writeOrders(ctx, owner, orders); err != nil {
		return err
	}
	s.committed(ctx, owner, ChangeReordered, orderIDs(orders)...)
	return nil
}

// Reorder moves id to position within the view selected by filter. Moving a task onto
// its own position writes nothing.
func (s *Store) Reorder(ctx context.Context, filter domain.Filter, id string, position int) (res domain.ReorderResult, err error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return domain.ReorderResult{}, err
	}
	if err := filter.Validate(); err != nil {
		return domain.ReorderResult{}, err
	}
	if err := domain.ValidateID(id); err != nil {
		return domain.ReorderResult{}, err
	}
	snap, err := s.read(ctx, owner)
	if err != nil {
		return domain.ReorderResult{}, err
	}
	return s.reorder(ctx, owner, snap, snap.View(filter), id, position)
}

// ApplyDrag resolves a drag gesture against the filtered view. Only DragEnded writes.
func (s *Store) ApplyDrag(ctx context.Context, filter domain.Filter, ev domain.DragEvent) (domain.ReorderResult, error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return domain.ReorderResult{}, err
	}
	if err := filter.Validate(); err != nil {
		return domain.ReorderResult{}, err
	}
	if ended, ok := ev.(domain.DragEnded); ok {
		if err := domain.ValidateID(ended.ID); err != nil {
			return domain.ReorderResult{}, err
		}
	}
	snap, err := s.read(ctx, owner)
	if err != nil {
		return domain.ReorderResult{}, err
	}
	view := snap.View(filter)
	id, position, ok := domain.DropTarget(view, ev)
	if !ok {
		return domain.ReorderResult{View: view, Noop: true}, nil
	}
	return s.reorder(ctx, owner, snap, view, id, position)
}

func (s *Store) reorder(ctx context.Context, owner string, snap Snapshot, view []domain.Task, id string, position int) (res domain.ReorderResult, err error) {
	res, err = domain.Reorder(snap.Tasks, view, id, position)
	if err != nil || res.Noop {
		return res, err
	}
	ctx, end := s.startSpan(ctx, "collection.Reorder", owner)
	defer func() { end(err) }()

	if err = s.writeOrders(ctx, owner, res.Assignments); err != nil {
		return domain.ReorderResult{}, err
	}
	s.committed(ctx, owner, ChangeReordered, id)
	return res, nil
}

// ApplyPlan merges an assistant plan into the collection. The order write happens
// first as one bulk write; schedule updates follow independently and their failures are
// reported without undoing anything.
func (s *Store) ApplyPlan(ctx context.Context, plan domain.Plan) (res PlanResult, err error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		return PlanResult{}, err
	}
	for _, item := range plan.Items {
		if err := domain.ValidateID(item.ID); err != nil {
			return PlanResult{}, err
		}
	}
	snap, err := s.read(ctx, owner)
	if err != nil {
		return PlanResult{}, err
	}
	merge := domain.MergePlan(snap.Tasks, plan)
	res = PlanResult{Orders: merge.Orders, Updated: []string{}, Failed: []PlanFailure{}, Dropped: merge.Dropped}
	if res.Dropped == nil {
		res.Dropped = []string{}
	}
	if merge.IsEmpty() {
		return res, nil
	}
	ctx, end := s.startSpan(ctx, "collection.ApplyPlan", owner)
	defer func() { end(err) }()

	if err = s.writeOrders(ctx, owner, merge.Orders); err != nil {
		return PlanResult{}, err
	}
	for _, upd := range merge.Updates {
		if _, uerr := s.gw.Update(ctx, owner, upd.ID, upd.Patch); uerr != nil {
			s.log.WithError(uerr).WithFields(log.Fields{"owner": owner, "task": upd.ID}).Warn("plan schedule update failed")
			res.Failed = append(res.Failed, PlanFailure{ID: upd.ID, Error: uerr.Error()})
			continue
		}
		res.Updated = append(res.Updated, upd.ID)
	}
	s.committed(ctx, owner, ChangePlanApplied, orderIDs(merge.Orders)...)
	return res, nil
}

func (s *Store) writeOrders(ctx context.Context, owner string, orders []domain.OrderAssignment) error {
	if err := s.gw.BulkSetOrder(ctx, owner, orders); err != nil {
		s.invalidate(owner)
		return gatewayError("bulk set order", err)
	}
	return nil
}

// committed publishes a successful write: the snapshot is invalidated, subscribers are
// told, and the snapshot is refetched eagerly. A failed refetch leaves the snapshot
// invalid so the next read retries.
func (s *Store) committed(ctx context.Context, owner string, kind ChangeKind, ids ...string) {
	version := s.invalidate(owner)
	s.notify(Change{Owner: owner, Kind: kind, IDs: ids, Version: version})
	if _, err := s.read(ctx, owner); err != nil {
		s.log.WithError(err).WithField("owner", owner).Warn("snapshot refresh after write failed")
	}
}

func (s *Store) invalidate(owner string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(owner)
	e.generation++
	e.valid = false
	e.tasks = nil
	return e.generation
}

func (s *Store) notify(ch Change) {
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ch)
	}
}

// entry must be called with s.mu held.
func (s *Store) entry(owner string) *entry {
	e, ok := s.entries[owner]
	if !ok {
		e = &entry{}
		s.entries[owner] = e
	}
	return e
}

func (s *Store) startSpan(ctx context.Context, name, owner string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("tasklist.owner", owner)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func validateOrders(orders []domain.OrderAssignment) error {
	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		if err := domain.ValidateID(o.ID); err != nil {
			return err
		}
		if o.Order < 0 {
			return &domain.ValidationError{Field: "order", Reason: "order must not be negative"}
		}
		if _, dup := seen[o.ID]; dup {
			return &domain.ValidationError{Field: "orders", Reason: "task " + o.ID + " assigned twice"}
		}
		seen[o.ID] = struct{}{}
	}
	return nil
}

func gatewayError(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotAuthenticated) {
		return err
	}
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	return &domain.GatewayError{Op: op, Err: err}
}

func orderIDs(orders []domain.OrderAssignment) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		t.Tags = append([]string{}, t.Tags...)
		if t.DueAt != nil {
			due := *t.DueAt
			t.DueAt = &due
		}
		out[i] = t
	}
	return out
}
