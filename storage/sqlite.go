package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tasklist-api/domain"
)

// SQLiteGateway keeps tasks in a local SQLite database. It backs single-node and
// development deployments.
type SQLiteGateway struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteGateway, error) {
	// modernc.org/sqlite registers as "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := MigrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteGateway{db: db, now: time.Now}, nil
}

// MigrateSQLite creates the schema if it does not exist.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			owner_id TEXT NOT NULL,
			id TEXT NOT NULL,
			title TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at_unixms INTEGER NOT NULL,
			due_at TEXT,
			remind INTEGER NOT NULL DEFAULT 0,
			reminded INTEGER NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			sort_order INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(owner_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner_order ON tasks(owner_id, sort_order);`,
	}
	for _, st := range stmts {
		if _, err := db.ExecContext(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (g *SQLiteGateway) Close() error { return g.db.Close() }

const taskColumns = `id, owner_id, title, completed, created_at_unixms, due_at, remind, reminded, tags_json, sort_order`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t         domain.Task
		createdMs int64
		due       sql.NullString
		tagsJSON  string
	)
	if err := r.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Completed, &createdMs, &due, &t.Remind, &t.Reminded, &tagsJSON, &t.Order); err != nil {
		return domain.Task{}, err
	}
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	if err := sonic.UnmarshalString(tagsJSON, &t.Tags); err != nil {
		return domain.Task{}, err
	}
	t.Tags = domain.NormalizeTags(t.Tags)
	if due.Valid && due.String != "" {
		d, err := domain.ParseDate(due.String)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueAt = &d
	}
	return t, nil
}

func (g *SQLiteGateway) List(ctx context.Context, owner string) ([]domain.Task, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (g *SQLiteGateway) Insert(ctx context.Context, owner string, draft domain.Draft) (domain.Task, error) {
	t := domain.Task{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Title:     draft.Title,
		CreatedAt: g.now().UTC().Truncate(time.Millisecond),
		DueAt:     draft.DueAt,
		Remind:    draft.Remind,
		Tags:      domain.NormalizeTags(draft.Tags),
	}
	tags, err := sonic.MarshalString(t.Tags)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, title, completed, created_at_unixms, due_at, remind, reminded, tags_json, sort_order)
		 VALUES (?, ?, ?, 0, ?, ?, ?, 0, ?, 0)`,
		t.ID, owner, t.Title, t.CreatedAt.UnixMilli(), dueValue(t.DueAt), t.Remind, tags)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (g *SQLiteGateway) Update(ctx context.Context, owner, id string, patch domain.Patch) (domain.Task, error) {
	return g.modify(ctx, owner, id, patch.Apply)
}

func (g *SQLiteGateway) SetCompleted(ctx context.Context, owner, id string, completed bool) (domain.Task, error) {
	return g.modify(ctx, owner, id, func(t domain.Task) domain.Task {
		t.Completed = completed
		return t
	})
}

func (g *SQLiteGateway) modify(ctx context.Context, owner, id string, fn func(domain.Task) domain.Task) (task domain.Task, err error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND id = ?`, owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t = fn(t)
	tags, err := sonic.MarshalString(domain.NormalizeTags(t.Tags))
	if err != nil {
		return domain.Task{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, completed = ?, due_at = ?, remind = ?, reminded = ?, tags_json = ?
		 WHERE owner_id = ? AND id = ?`,
		t.Title, t.Completed, dueValue(t.DueAt), t.Remind, t.Reminded, tags, owner, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (g *SQLiteGateway) Delete(ctx context.Context, owner, id string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, owner, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// BulkSetOrder applies every assignment in one transaction. An id that does not belong
// to owner aborts the whole write with ErrNotFound.
func (g *SQLiteGateway) BulkSetOrder(ctx context.Context, owner string, orders []domain.OrderAssignment) (err error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET sort_order = ? WHERE owner_id = ? AND id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, o := range orders {
		res, err := stmt.ExecContext(ctx, o.Order, owner, o.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return domain.ErrNotFound
		}
	}
	return tx.Commit()
}

func dueValue(d *domain.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}
