package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel/warden/internal/bus"
)

type Status string

const (
	StatusBacklog   Status = "backlog"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusReview    Status = "review"
	StatusHumanTodo Status = "human_todo"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// StatusStalled is derived on the read side from heartbeat staleness and
	// is never written to the tasks table.
	StatusStalled Status = "stalled"
)

// terminalStatuses are retained permanently and accept no action but requeue.
var terminalStatuses = []Status{StatusDone, StatusFailed, StatusCancelled}

func IsTerminal(st Status) bool {
	return slices.Contains(terminalStatuses, st)
}

type Action string

const (
	ActionAssign   Action = "assign"
	ActionPlan     Action = "plan"
	ActionRun      Action = "run"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
	ActionCancel   Action = "cancel"
	ActionReview   Action = "review"
	ActionHuman    Action = "human"
	ActionRequeue  Action = "requeue"
)

// actionEdges defines the legal source statuses and target status for each
// action. cancel and requeue are handled separately: cancel accepts any
// non-terminal status, requeue accepts any status.
var actionEdges = map[Action]struct {
	from []Status
	to   Status
}{
	ActionAssign:   {from: []Status{StatusQueued, StatusBacklog}, to: StatusAssigned},
	ActionPlan:     {from: []Status{StatusBacklog, StatusQueued, StatusAssigned}, to: StatusPlanned},
	ActionRun:      {from: []Status{StatusAssigned, StatusPlanned}, to: StatusRunning},
	ActionComplete: {from: []Status{StatusRunning}, to: StatusDone},
	ActionFail:     {from: []Status{StatusRunning}, to: StatusFailed},
	ActionReview:   {from: []Status{StatusRunning}, to: StatusReview},
	ActionHuman:    {from: []Status{StatusRunning, StatusReview}, to: StatusHumanTodo},
	ActionCancel:   {to: StatusCancelled},
	ActionRequeue:  {to: StatusQueued},
}

// allowedFrom returns the statuses the action may be applied from.
func allowedFrom(action Action, current Status) bool {
	switch action {
	case ActionCancel:
		return !IsTerminal(current)
	case ActionRequeue:
		return true
	default:
		edge, ok := actionEdges[action]
		if !ok {
			return false
		}
		return slices.Contains(edge.from, current)
	}
}

// eventTypeFor names the append-only event a transition produces; it is also
// the dedup key component of the notification log.
func eventTypeFor(to Status) string {
	return "task." + string(to)
}

type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Project        string     `json:"project,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	CreatedBy      string     `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	HeartbeatMsg   string     `json:"heartbeat_msg,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	SessionKey     string     `json:"session_key,omitempty"`
	Result         string     `json:"result,omitempty"`
	ZombieStatus   string     `json:"zombie_status"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type TaskEventRecord struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	OldStatus Status    `json:"old_status,omitempty"`
	NewStatus Status    `json:"new_status"`
	CreatedAt time.Time `json:"created_at"`
}

const taskColumns = `
	id, title, description, project, COALESCE(agent_id, ''), priority, status,
	created_by, created_at, started_at, completed_at, heartbeat_msg,
	last_heartbeat, timeout_seconds, session_key, result, zombie_status, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var startedAt, completedAt, lastHeartbeat sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Project,
		&task.AgentID,
		&task.Priority,
		&task.Status,
		&task.CreatedBy,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&task.HeartbeatMsg,
		&lastHeartbeat,
		&task.TimeoutSeconds,
		&task.SessionKey,
		&task.Result,
		&task.ZombieStatus,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		task.LastHeartbeat = &t
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to Status) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, old_status, new_status, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
	`, taskID, eventType, string(from), string(to))
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// publishChange pushes the change event on the bus and, when at least one
// subscriber received it, marks the task acknowledged so the sweep skips it.
// Delivery to zero subscribers leaves notify_ack=0 for the sweep to pick up.
func (s *Store) publishChange(ctx context.Context, task *Task, from Status, eventType string) {
	if s.bus == nil {
		return
	}
	delivered := s.bus.Publish(bus.TopicTaskChanged, bus.TaskChangeEvent{
		TaskID:    task.ID,
		Title:     task.Title,
		OldStatus: string(from),
		NewStatus: string(task.Status),
		AgentID:   task.AgentID,
		Project:   task.Project,
		EventType: eventType,
	})
	if delivered == 0 {
		return
	}
	// Guarded on the current status so a racing later mutation (which reset
	// notify_ack) is not acknowledged by mistake.
	_, _ = s.db.ExecContext(ctx, `
		UPDATE tasks SET notify_ack = 1 WHERE id = ? AND status = ?;
	`, task.ID, task.Status)
}

// NewTask carries the producer-supplied fields for task creation.
type NewTask struct {
	Title          string
	Description    string
	Project        string
	Priority       int
	CreatedBy      string
	TimeoutSeconds int
	SessionKey     string
	Queued         bool // true: start in queued, false: backlog
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("task title required")
	}
	if in.TimeoutSeconds <= 0 {
		in.TimeoutSeconds = 600
	}
	status := StatusBacklog
	if in.Queued {
		status = StatusQueued
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, description, project, priority, status, created_by,
				timeout_seconds, session_key, notify_ack, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, in.Title, in.Description, in.Project, in.Priority, status,
			in.CreatedBy, in.TimeoutSeconds, in.SessionKey); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, eventTypeFor(status), "", status); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publishChange(ctx, task, "", eventTypeFor(status))
	return task, nil
}

// ActionArgs carries the optional per-action inputs.
type ActionArgs struct {
	AgentID string // assign
	Result  string // complete / fail
}

// ApplyAction applies a lifecycle action to a task. The transition is a
// single conditional update gated on the observed status, so two concurrent
// mutations resolve at the row level: the loser sees ErrInvalidAction and no
// partial write occurs. Every applied action appends a task event in the same
// transaction and publishes a change notification after commit.
func (s *Store) ApplyAction(ctx context.Context, taskID string, action Action, args ActionArgs) (*Task, error) {
	edge, ok := actionEdges[action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, action)
	}
	if action == ActionAssign && strings.TrimSpace(args.AgentID) == "" {
		return nil, fmt.Errorf("assign: agent id required")
	}

	var from Status
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin action tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Status
		if err := tx.QueryRowContext(ctx, `
			SELECT status FROM tasks WHERE id = ?;
		`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("select task for action: %w", err)
		}
		if !allowedFrom(action, current) {
			return fmt.Errorf("%w: %s on %s", ErrInvalidAction, action, current)
		}

		set, setArgs := actionUpdate(action, args)
		setArgs = append(setArgs, taskID, current)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET `+set+`, notify_ack = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, setArgs...)
		if err != nil {
			return fmt.Errorf("apply %s: %w", action, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("apply %s rows affected: %w", action, err)
		}
		if affected != 1 {
			// Lost a race with a concurrent mutation.
			return fmt.Errorf("%w: %s on %s", ErrInvalidAction, action, current)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, eventTypeFor(edge.to), current, edge.to); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit action tx: %w", err)
		}
		from = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publishChange(ctx, task, from, eventTypeFor(edge.to))
	return task, nil
}

// actionUpdate returns the SET clause and its arguments for an action.
func actionUpdate(action Action, args ActionArgs) (string, []any) {
	switch action {
	case ActionAssign:
		return `status = ?, agent_id = ?`, []any{StatusAssigned, args.AgentID}
	case ActionPlan:
		return `status = ?`, []any{StatusPlanned}
	case ActionRun:
		return `status = ?, started_at = CURRENT_TIMESTAMP, zombie_status = 'none'`, []any{StatusRunning}
	case ActionComplete:
		return `status = ?, completed_at = CURRENT_TIMESTAMP, result = ?`, []any{StatusDone, args.Result}
	case ActionFail:
		return `status = ?, completed_at = CURRENT_TIMESTAMP, result = ?`, []any{StatusFailed, args.Result}
	case ActionCancel:
		return `status = ?`, []any{StatusCancelled}
	case ActionReview:
		return `status = ?`, []any{StatusReview}
	case ActionHuman:
		return `status = ?`, []any{StatusHumanTodo}
	case ActionRequeue:
		return `status = ?, agent_id = NULL, started_at = NULL, completed_at = NULL`, []any{StatusQueued}
	default:
		return `status = status`, nil
	}
}

// PromoteNextPlanned promotes the highest-priority planned task to running,
// but only while the running count is below maxConcurrent. The capacity
// re-check lives inside the UPDATE itself, so the read-check-update sequence
// collapses into one conditional statement.
func (s *Store) PromoteNextPlanned(ctx context.Context, maxConcurrent int) (*Task, error) {
	if maxConcurrent <= 0 {
		return nil, nil
	}
	var promotedID string
	err := retryOnBusy(ctx, 5, func() error {
		promotedID = ""
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin promote tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var candidateID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1;
		`, StatusPlanned).Scan(&candidateID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select planned candidate: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, started_at = CURRENT_TIMESTAMP, zombie_status = 'none',
				notify_ack = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?
			  AND (SELECT COUNT(1) FROM tasks WHERE status = ?) < ?;
		`, StatusRunning, candidateID, StatusPlanned, StatusRunning, maxConcurrent)
		if err != nil {
			return fmt.Errorf("promote planned task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("promote rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := s.appendTaskEventTx(ctx, tx, candidateID, eventTypeFor(StatusRunning), StatusPlanned, StatusRunning); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit promote tx: %w", err)
		}
		promotedID = candidateID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if promotedID == "" {
		return nil, nil
	}
	promoted, err := s.GetTask(ctx, promotedID)
	if err != nil {
		return nil, err
	}
	s.publishChange(ctx, promoted, StatusPlanned, eventTypeFor(StatusRunning))
	return promoted, nil
}

// RecordHeartbeat updates the liveness fields of a running task. Returns
// false when the task is not running (or missing).
func (s *Store) RecordHeartbeat(ctx context.Context, taskID, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET last_heartbeat = CURRENT_TIMESTAMP, heartbeat_msg = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, msg, taskID, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks; zero values match everything.
type TaskFilter struct {
	Project string
	Status  Status
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if filter.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// RunningTasks returns all in-flight tasks.
func (s *Store) RunningTasks(ctx context.Context) ([]Task, error) {
	return s.ListTasks(ctx, TaskFilter{Status: StatusRunning})
}

// RecentlyCompleted returns terminal tasks whose completed_at is within the
// given window, newest first.
func (s *Store) RecentlyCompleted(ctx context.Context, window time.Duration, limit int) ([]Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at >= ?
		ORDER BY completed_at DESC
		LIMIT ?;
	`, StatusDone, StatusFailed, StatusCancelled, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("recently completed: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan completed task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("completed task rows: %w", err)
	}
	return out, nil
}

func (s *Store) RunningCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE status = ?;
	`, StatusRunning).Scan(&n); err != nil {
		return 0, fmt.Errorf("running count: %w", err)
	}
	return n, nil
}

// StatusCounts returns per-status task counts for the health endpoint.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
