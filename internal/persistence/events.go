package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ListTaskEvents returns the append-only event history for a task in commit
// order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(old_status, ''), new_status, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEventRecord
	for rows.Next() {
		var ev TaskEventRecord
		var oldStatus string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &oldStatus, &ev.NewStatus, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.OldStatus = Status(oldStatus)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// AgentEvent is one row of the streaming session event log that external
// workers feed via the gateway and the zombie detector windows over.
type AgentEvent struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	AgentID    string    `json:"agent_id,omitempty"`
	Kind       string    `json:"kind"` // output | tool_call | status
	Payload    string    `json:"payload,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	AgentEventOutput   = "output"
	AgentEventToolCall = "tool_call"
	AgentEventStatus   = "status"
)

func (s *Store) AppendAgentEvent(ctx context.Context, ev AgentEvent) error {
	switch ev.Kind {
	case AgentEventOutput, AgentEventToolCall, AgentEventStatus:
	default:
		return fmt.Errorf("invalid agent event kind %q", ev.Kind)
	}
	if ev.SessionKey == "" {
		return fmt.Errorf("agent event session key required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_events (session_key, agent_id, kind, payload, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, ev.SessionKey, ev.AgentID, ev.Kind, ev.Payload, ev.TokensUsed)
	if err != nil {
		return fmt.Errorf("insert agent event: %w", err)
	}
	return nil
}

// RecentSessionEvents returns the newest events for a session, newest first,
// bounded to the given window size so the detector never scans full history.
func (s *Store) RecentSessionEvents(ctx context.Context, sessionKey string, limit int) ([]AgentEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, agent_id, kind, payload, tokens_used, created_at
		FROM agent_events
		WHERE session_key = ?
		ORDER BY id DESC
		LIMIT ?;
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("recent session events: %w", err)
	}
	defer rows.Close()

	var out []AgentEvent
	for rows.Next() {
		var ev AgentEvent
		if err := rows.Scan(&ev.ID, &ev.SessionKey, &ev.AgentID, &ev.Kind, &ev.Payload, &ev.TokensUsed, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent event rows: %w", err)
	}
	return out, nil
}

// SessionActivitySince aggregates a session's token spend and tool-call count
// over everything since the cutoff, however many events that is.
func (s *Store) SessionActivitySince(ctx context.Context, sessionKey string, since time.Time) (tokens int, toolCalls int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0),
			COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0)
		FROM agent_events
		WHERE session_key = ? AND created_at >= ?;
	`, AgentEventToolCall, sessionKey, since.UTC()).Scan(&tokens, &toolCalls)
	if err != nil {
		return 0, 0, fmt.Errorf("session activity: %w", err)
	}
	return tokens, toolCalls, nil
}

// PruneAgentEvents deletes session events older than the retention window.
func (s *Store) PruneAgentEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_events WHERE created_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune agent events: %w", err)
	}
	return res.RowsAffected()
}

// PendingNotification is a recent status change that no live subscriber
// acknowledged and that the sweep has not yet delivered.
type PendingNotification struct {
	TaskID    string
	Title     string
	Project   string
	AgentID   string
	EventType string
	OldStatus Status
	NewStatus Status
	EventAt   time.Time
}

// UnnotifiedChanges finds tasks with a status-change event inside the window
// that are unacknowledged and lack a notification_log row for that
// (task_id, event_type) pair. One row per pair, newest event wins.
func (s *Store) UnnotifiedChanges(ctx context.Context, window time.Duration) ([]PendingNotification, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.task_id, t.title, t.project, COALESCE(t.agent_id, ''),
			e.event_type, COALESCE(e.old_status, ''), e.new_status,
			MAX(e.created_at) AS event_at
		FROM task_events e
		JOIN tasks t ON t.id = e.task_id
		WHERE e.created_at >= ?
		  AND t.notify_ack = 0
		  AND NOT EXISTS (
			SELECT 1 FROM notification_log n
			WHERE n.task_id = e.task_id AND n.event_type = e.event_type
		  )
		GROUP BY e.task_id, e.event_type
		ORDER BY MAX(e.created_at) ASC;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("unnotified changes: %w", err)
	}
	defer rows.Close()

	var out []PendingNotification
	for rows.Next() {
		var p PendingNotification
		var oldStatus, newStatus string
		// MAX() strips the column's DATETIME affinity, so the aggregate
		// arrives as a raw string.
		var eventAt sql.NullString
		if err := rows.Scan(&p.TaskID, &p.Title, &p.Project, &p.AgentID, &p.EventType, &oldStatus, &newStatus, &eventAt); err != nil {
			return nil, fmt.Errorf("scan unnotified change: %w", err)
		}
		p.OldStatus = Status(oldStatus)
		p.NewStatus = Status(newStatus)
		if eventAt.Valid {
			if ts, err := parseSQLiteTime(eventAt.String); err == nil {
				p.EventAt = ts
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unnotified change rows: %w", err)
	}
	return out, nil
}

// parseSQLiteTime parses the textual timestamps SQLite hands back once an
// aggregate has stripped the column affinity.
func parseSQLiteTime(raw string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
	}
	var lastErr error
	for _, layout := range layouts {
		ts, err := time.ParseInLocation(layout, raw, time.UTC)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
