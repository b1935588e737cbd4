package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklist-api/assistant"
	"tasklist-api/collection"
	"tasklist-api/domain"
)

const idempotencyHeader = "Idempotency-Key"

type tasksResponse struct {
	Tasks   []domain.Task `json:"tasks"`
	Version uint64        `json:"version"`
	Tags    []string      `json:"tags"`
}

type parseRequest struct {
	Text string `json:"text"`
}

type parseResponse struct {
	Task   domain.Task `json:"task"`
	Parsed bool        `json:"parsed"`
}

type patchRequest struct {
	Title  *string      `json:"title"`
	Tags   *[]string    `json:"tags"`
	DueAt  optionalDate `json:"dueAt"`
	Remind *bool        `json:"remind"`
}

// optionalDate tells an absent field apart from an explicit null.
type optionalDate struct {
	Set   bool
	Value *domain.Date
}

func (o *optionalDate) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var d domain.Date
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	o.Value = &d
	return nil
}

func (r patchRequest) patch() domain.Patch {
	p := domain.Patch{Title: r.Title, Tags: r.Tags, Remind: r.Remind}
	if r.DueAt.Set {
		if r.DueAt.Value == nil {
			p.ClearDue = true
		} else {
			p.DueAt = r.DueAt.Value
		}
	}
	return p
}

type completedRequest struct {
	Completed *bool `json:"completed"`
}

type dragRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	OverID string `json:"overId"`
}

func (r dragRequest) event() (domain.DragEvent, error) {
	switch r.Type {
	case "start":
		return domain.DragStarted{ID: r.ID}, nil
	case "move":
		return domain.DragMoved{ID: r.ID, OverID: r.OverID}, nil
	case "cancel":
		return domain.DragCancelled{}, nil
	case "end":
		return domain.DragEnded{ID: r.ID, OverID: r.OverID}, nil
	default:
		return nil, &domain.ValidationError{Field: "drag.type", Reason: "must be one of start, move, cancel, end"}
	}
}

// reorderRequest moves a task either by an explicit position or by a drag event.
type reorderRequest struct {
	Filter   domain.Filter `json:"filter"`
	Drag     *dragRequest  `json:"drag"`
	ID       string        `json:"id"`
	Position *int          `json:"position"`
}

type applyPlanRequest struct {
	Plan domain.Plan `json:"plan"`
}

type applyPlanResponse struct {
	Applied []domain.OrderAssignment `json:"applied"`
	Updated []string                 `json:"updated"`
	Failed  []collection.PlanFailure `json:"failed"`
	Dropped []string                 `json:"dropped"`
}

type briefResponse struct {
	Brief string `json:"brief"`
}

// Register wires all task routes on e. intake and deduper may be nil: without intake
// the parse route stores the text as a plain title and the planning routes answer 503.
func Register(e *echo.Echo, store TaskStore, intake Intake, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.JSONSerializer = SonicSerializer{}
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	broker := newBroker(store, logger)
	e.GET("/api/stream", streamTasks(store, broker, logger), RequireOwner(auth, true))

	g := e.Group("/api", RequestMetrics(logger), RequireOwner(auth, false))
	g.GET("/tasks", listTasks(store))
	g.POST("/tasks", createTask(store, deduper, logger))
	g.POST("/tasks/parse", parseTask(store, intake, logger))
	g.POST("/tasks/reorder", reorderTasks(store))
	g.PATCH("/tasks/:id", updateTask(store))
	g.PUT("/tasks/:id/completed", setCompleted(store))
	g.DELETE("/tasks/:id", deleteTask(store))
	g.POST("/assistant/plan", suggestPlan(store, intake))
	g.POST("/assistant/plan/apply", applyPlan(store))
	g.GET("/assistant/brief", dailyBrief(store, intake))
}

func listTasks(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter := domain.Filter{
			Status: domain.Status(c.QueryParam("status")),
			Search: c.QueryParam("search"),
			Tag:    c.QueryParam("tag"),
		}
		if err := filter.Validate(); err != nil {
			return writeError(c, "validate", err)
		}
		m := metricsFrom(c)
		start := time.Now()
		snap, err := store.Read(c.Request().Context())
		m.ObserveStore(time.Since(start))
		if err != nil {
			return writeError(c, "store", err)
		}
		view := snap.View(filter)
		if view == nil {
			view = []domain.Task{}
		}
		m.SetTasksReturned(len(view))
		return encode(c, http.StatusOK, tasksResponse{
			Tasks:   view,
			Version: snap.Version,
			Tags:    domain.DistinctTags(snap.Tasks),
		})
	}
}

func createTask(store TaskStore, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var draft domain.Draft
		if err := decodeBody(c, &draft); err != nil {
			return writeError(c, "decode", err)
		}
		ctx := c.Request().Context()
		owner, _ := c.Get(ownerContextKey).(string)

		key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		if key != "" && deduper != nil {
			added, err := deduper.Add(ctx, owner, key)
			switch {
			case err != nil:
				logger.WithError(err).Warn("idempotency check failed")
				key = ""
			case !added:
				metricsFrom(c).SetErrorStage("dedupe")
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}
		}

		task, err := timed(c, func() (domain.Task, error) { return store.Create(ctx, draft) })
		if err != nil {
			if key != "" && deduper != nil {
				if rerr := deduper.Remove(context.WithoutCancel(ctx), owner, key); rerr != nil {
					logger.WithError(rerr).Warn("release idempotency key")
				}
			}
			return writeError(c, "store", err)
		}
		return encode(c, http.StatusCreated, task)
	}
}

func parseTask(store TaskStore, intake Intake, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req parseRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, "decode", err)
		}
		if strings.TrimSpace(req.Text) == "" {
			return writeError(c, "validate", &domain.ValidationError{Field: "text", Reason: "text is required"})
		}
		ctx := c.Request().Context()

		draft := domain.Draft{Title: assistant.FallbackTitle(req.Text)}
		parsed := false
		if intake != nil {
			d, err := timed(c, func() (domain.Draft, error) { return intake.Parse(ctx, req.Text) })
			switch {
			case err == nil:
				draft, parsed = d, true
			case errors.Is(err, domain.ErrGeneration):
				logger.WithError(err).Warn("parse failed, storing text as title")
			default:
				return writeError(c, "parse", err)
			}
		}

		task, err := timed(c, func() (domain.Task, error) { return store.Create(ctx, draft) })
		if err != nil {
			return writeError(c, "store", err)
		}
		return encode(c, http.StatusCreated, parseResponse{Task: task, Parsed: parsed})
	}
}

func updateTask(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req patchRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, "decode", err)
		}
		ctx := c.Request().Context()
		task, err := timed(c, func() (domain.Task, error) { return store.Update(ctx, c.Param("id"), req.patch()) })
		if err != nil {
			return writeError(c, "store", err)
		}
		return encode(c, http.StatusOK, task)
	}
}

func setCompleted(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req completedRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, "decode", err)
		}
		if req.Completed == nil {
			return writeError(c, "validate", &domain.ValidationError{Field: "completed", Reason: "completed is required"})
		}
		ctx := c.Request().Context()
		task, err := timed(c, func() (domain.Task, error) { return store.SetCompleted(ctx, c.Param("id"), *req.Completed) })
		if err != nil {
			return writeError(c, "store", err)
		}
		return encode(c, http.StatusOK, task)
	}
}

func deleteTask(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		_, err := timed(c, func() (struct{}, error) { return struct{}{}, store.Delete(ctx, c.Param("id")) })
		if err != nil {
			return writeError(c, "store", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func reorderTasks(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req reorderRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, "decode", err)
		}
		ctx := c.Request().Context()

		var res domain.ReorderResult
		var err error
		switch {
		case req.Drag != nil:
			ev, everr := req.Drag.event()
			if everr != nil {
				return writeError(c, "validate", everr)
			}
			res, err = timed(c, func() (domain.ReorderResult, error) { return store.ApplyDrag(ctx, req.Filter, ev) })
		case req.Position != nil:
			res, err = timed(c, func() (domain.ReorderResult, error) {
				return store.Reorder(ctx, req.Filter, req.ID, *req.Position)
			})
		default:
			return writeError(c, "validate", &domain.ValidationError{Field: "position", Reason: "either drag or id and position is required"})
		}
		if err != nil {
			return writeError(c, "store", err)
		}
		if res.View == nil {
			res.View = []domain.Task{}
		}
		metricsFrom(c).SetTasksReturned(len(res.View))
		return encode(c, http.StatusOK, res)
	}
}

func suggestPlan(store TaskStore, intake Intake) echo.HandlerFunc {
	return func(c echo.Context) error {
		if intake == nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "assistant not configured"})
		}
		ctx := c.Request().Context()
		snap, err := timed(c, func() (collection.Snapshot, error) { return store.Read(ctx) })
		if err != nil {
			return writeError(c, "store", err)
		}
		plan, err := timed(c, func() (domain.Plan, error) { return intake.Optimize(ctx, snap.Tasks) })
		if err != nil {
			return writeError(c, "generate", err)
		}
		if plan.Items == nil {
			plan.Items = []domain.PlanItem{}
		}
		return encode(c, http.StatusOK, plan)
	}
}

func applyPlan(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req applyPlanRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, "decode", err)
		}
		ctx := c.Request().Context()
		res, err := timed(c, func() (collection.PlanResult, error) { return store.ApplyPlan(ctx, req.Plan) })
		if err != nil {
			return writeError(c, "store", err)
		}
		return encode(c, http.StatusOK, applyPlanResponse{
			Applied: nonNil(res.Orders),
			Updated: nonNil(res.Updated),
			Failed:  nonNil(res.Failed),
			Dropped: nonNil(res.Dropped),
		})
	}
}

func dailyBrief(store TaskStore, intake Intake) echo.HandlerFunc {
	return func(c echo.Context) error {
		if intake == nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "assistant not configured"})
		}
		ctx := c.Request().Context()
		snap, err := timed(c, func() (collection.Snapshot, error) { return store.Read(ctx) })
		if err != nil {
			return writeError(c, "store", err)
		}
		brief, err := timed(c, func() (string, error) { return intake.DailyBrief(ctx, snap.Tasks) })
		if err != nil {
			return writeError(c, "generate", err)
		}
		return encode(c, http.StatusOK, briefResponse{Brief: brief})
	}
}

// timed runs fn and adds its duration to the request's store timing.
func timed[T any](c echo.Context, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	metricsFrom(c).ObserveStore(time.Since(start))
	return v, err
}

func encode(c echo.Context, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	metricsFrom(c).ObserveEncode(time.Since(start))
	return err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
