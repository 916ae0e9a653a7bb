package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// NotificationLogEntry is the dedup guard for the sweep path: at most one
// sweep delivery per (task_id, event_type).
type NotificationLogEntry struct {
	TaskID     string    `json:"task_id"`
	EventType  string    `json:"event_type"`
	NotifiedAt time.Time `json:"notified_at"`
}

// RecordNotification writes the dedup row for a sweep delivery,
// insert-or-update on conflict so a replayed sweep refreshes the timestamp
// instead of failing.
func (s *Store) RecordNotification(ctx context.Context, taskID, eventType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_log (task_id, event_type, notified_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id, event_type) DO UPDATE SET notified_at = CURRENT_TIMESTAMP;
	`, taskID, eventType)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// GetNotification returns the dedup row for a (task_id, event_type) pair, or
// ErrNotFound.
func (s *Store) GetNotification(ctx context.Context, taskID, eventType string) (*NotificationLogEntry, error) {
	var entry NotificationLogEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, event_type, notified_at
		FROM notification_log
		WHERE task_id = ? AND event_type = ?;
	`, taskID, eventType).Scan(&entry.TaskID, &entry.EventType, &entry.NotifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &entry, nil
}

// MarkTaskAcknowledged flags a task's latest change as delivered.
func (s *Store) MarkTaskAcknowledged(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET notify_ack = 1 WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("mark task acknowledged: %w", err)
	}
	return nil
}

// TaskAcknowledged reports the notify_ack flag; used by delivery tests.
func (s *Store) TaskAcknowledged(ctx context.Context, taskID string) (bool, error) {
	var ack int
	err := s.db.QueryRowContext(ctx, `
		SELECT notify_ack FROM tasks WHERE id = ?;
	`, taskID).Scan(&ack)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("task acknowledged: %w", err)
	}
	return ack == 1, nil
}
