package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is a task's position in the state machine (spec §4.3).
type Status string

const (
	StatusBacklog Status = "backlog"
	StatusSpec    Status = "spec"
	StatusQA      Status = "qa"
	StatusQAFix   Status = "qa_fix"
	StatusImpl    Status = "impl"
	StatusRetry   Status = "retry"
	StatusRebase  Status = "rebase"
	StatusDone    Status = "done"
	StatusMerged  Status = "merged"
	StatusFailed  Status = "failed"
)

// ActiveStatuses is the set over which the scheduler dispatches work.
var ActiveStatuses = []Status{
	StatusBacklog, StatusSpec, StatusQA, StatusQAFix, StatusImpl, StatusRetry, StatusRebase,
}

// priorityOf returns the scheduler's dispatch priority for a status, lower
// first; ties are broken by creation order (spec.md §4.3).
func priorityOf(s Status) int {
	switch s {
	case StatusRebase:
		return 0
	case StatusRetry:
		return 1
	case StatusImpl:
		return 2
	case StatusQA, StatusQAFix:
		return 3
	case StatusSpec:
		return 4
	case StatusBacklog:
		return 5
	default:
		return 99
	}
}

// IsActive reports whether status is one the scheduler dispatches.
func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if a == s {
			return true
		}
	}
	return false
}

const maxLastErrorLen = 4096

// Task is a unit of pipeline work against one repo (spec.md §3).
type Task struct {
	ID              int64
	Title           string
	Description     string
	RepoPath        string
	Branch          string
	Status          Status
	Attempt         int
	MaxAttempts     int
	LastError       string
	Creator         string // director, backlog, seeder, proposal, health-check
	NotifyChannel   string
	ResumeSessionID string
	DispatchedAt    sql.NullTime
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsDispatched reports whether the task currently owns an in-flight worker.
func (t Task) IsDispatched() bool {
	return t.DispatchedAt.Valid
}

var ErrNotFound = errors.New("store: not found")

// CreateTask inserts a new task in StatusBacklog (or the given status if
// non-empty) and returns its assigned id.
func (s *Store) CreateTask(ctx context.Context, t Task) (int64, error) {
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = defaultMaxAttempts
	}
	if len(t.LastError) > maxLastErrorLen {
		t.LastError = t.LastError[:maxLastErrorLen]
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (title, description, repo_path, branch, status, attempt,
				max_attempts, last_error, creator, notify_channel, resume_session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.Title, t.Description, t.RepoPath, t.Branch, string(t.Status), t.Attempt,
			t.MaxAttempts, t.LastError, t.Creator, t.NotifyChannel, t.ResumeSessionID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var status string
	var dispatchedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.RepoPath, &t.Branch, &status,
		&t.Attempt, &t.MaxAttempts, &t.LastError, &t.Creator, &t.NotifyChannel,
		&t.ResumeSessionID, &dispatchedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.DispatchedAt = dispatchedAt
	return t, nil
}

const taskColumns = `id, title, description, repo_path, branch, status, attempt,
	max_attempts, last_error, creator, notify_channel, resume_session_id,
	dispatched_at, created_at, updated_at`

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ActiveTasks returns up to limit active tasks ordered by scheduler priority
// then creation order, the scheduler's read for each tick (spec.md §4.2).
func (s *Store) ActiveTasks(ctx context.Context, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('backlog','spec','qa','qa_fix','impl','retry','rebase')
		ORDER BY
			CASE status
				WHEN 'rebase' THEN 0
				WHEN 'retry' THEN 1
				WHEN 'impl' THEN 2
				WHEN 'qa' THEN 3
				WHEN 'qa_fix' THEN 3
				WHEN 'spec' THEN 4
				WHEN 'backlog' THEN 5
				ELSE 99
			END,
			created_at ASC,
			id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks returns a page of tasks across every status (for internal/dashboard's
// GET /tasks, distinct from ActiveTasks which the scheduler uses), newest first,
// plus the total row count matching statusFilter. An empty statusFilter matches
// every status.
func (s *Store) ListTasks(ctx context.Context, statusFilter string, limit, offset int) ([]Task, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE (? = '' OR status = ?)`, statusFilter, statusFilter,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, statusFilter, statusFilter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// TryDispatch atomically sets dispatched_at iff the task is not already
// dispatched, returning false if another worker holds it (spec.md §4.2 step 2).
func (s *Store) TryDispatch(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET dispatched_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND dispatched_at IS NULL
		`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("dispatch task %d: %w", id, err)
	}
	return ok, nil
}

// ReleaseDispatch clears the dispatched flag on every exit path of a worker
// (spec.md §4.2 step 3), including the panic-recovery path callers must wrap
// with defer.
func (s *Store) ReleaseDispatch(ctx context.Context, id int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET dispatched_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("release dispatch %d: %w", id, err)
	}
	return nil
}

// ClearAllDispatched clears every dispatched flag; called once at supervisor
// startup for crash recovery (spec.md §4.2 "Crash recovery").
func (s *Store) ClearAllDispatched(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET dispatched_at = NULL WHERE dispatched_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("clear dispatched flags: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TransitionTask moves a task to a new status, optionally updating branch,
// session, attempt count, and last error in the same statement. Pass -1 for
// attempt to leave it unchanged.
type TaskTransition struct {
	Status          Status
	Branch          *string
	ResumeSessionID *string
	Attempt         int // -1 = unchanged
	LastError       *string
	ClearDispatched bool
}

// Transition applies t to the task identified by id.
func (s *Store) Transition(ctx context.Context, id int64, t TaskTransition) error {
	if len(derefOr(t.LastError, "")) > maxLastErrorLen {
		truncated := derefOr(t.LastError, "")[:maxLastErrorLen]
		t.LastError = &truncated
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?,
				branch = COALESCE(?, branch),
				resume_session_id = COALESCE(?, resume_session_id),
				attempt = CASE WHEN ? >= 0 THEN ? ELSE attempt END,
				last_error = COALESCE(?, last_error),
				dispatched_at = CASE WHEN ? THEN NULL ELSE dispatched_at END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, string(t.Status), t.Branch, t.ResumeSessionID, t.Attempt, t.Attempt, t.LastError,
			t.ClearDispatched, id)
		return err
	})
}

// Recycle resets an exhausted task to backlog, clearing attempt count,
// branch, and session (spec.md §4.3 "Recycling"). Worktree removal is the
// caller's responsibility (internal/phase owns the filesystem side).
func (s *Store) Recycle(ctx context.Context, id int64) error {
	emptyBranch, emptySession := "", ""
	return s.Transition(ctx, id, TaskTransition{
		Status:          StatusBacklog,
		Branch:          &emptyBranch,
		ResumeSessionID: &emptySession,
		Attempt:         0,
		ClearDispatched: true,
	})
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
