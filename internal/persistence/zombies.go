package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kestrel/warden/internal/bus"
)

// ZombieFlag records a suspected-unproductive session and the heuristic that
// caught it. Flags are append-only; clearing resets the task's zombie_status
// but keeps the history.
type ZombieFlag struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	AgentID    string    `json:"agent_id,omitempty"`
	Status     string    `json:"status"`
	Heuristic  string    `json:"heuristic"`
	Details    string    `json:"details,omitempty"`
	FlaggedAt  time.Time `json:"flagged_at"`
}

// ZombieCandidate is a running task eligible for a detector pass.
type ZombieCandidate struct {
	TaskID     string
	SessionKey string
	AgentID    string
	StartedAt  *time.Time
}

// ZombieCandidates returns running, unflagged tasks with a session key.
func (s *Store) ZombieCandidates(ctx context.Context) ([]ZombieCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, COALESCE(agent_id, ''), started_at
		FROM tasks
		WHERE status = ? AND zombie_status = 'none' AND session_key != '';
	`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("zombie candidates: %w", err)
	}
	defer rows.Close()

	var out []ZombieCandidate
	for rows.Next() {
		var c ZombieCandidate
		var startedAt sql.NullTime
		if err := rows.Scan(&c.TaskID, &c.SessionKey, &c.AgentID, &startedAt); err != nil {
			return nil, fmt.Errorf("scan zombie candidate: %w", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			c.StartedAt = &t
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("zombie candidate rows: %w", err)
	}
	return out, nil
}

// FlagZombie marks the session suspected and appends the flag row. The
// detector never terminates the run; it only records the suspicion.
func (s *Store) FlagZombie(ctx context.Context, sessionKey, agentID, heuristic, details string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin flag zombie tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET zombie_status = 'suspected', updated_at = CURRENT_TIMESTAMP
			WHERE session_key = ? AND status = ? AND zombie_status = 'none';
		`, sessionKey, StatusRunning); err != nil {
			return fmt.Errorf("set zombie status: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO zombie_flags (session_key, agent_id, status, heuristic, details, flagged_at)
			VALUES (?, ?, 'suspected', ?, ?, CURRENT_TIMESTAMP);
		`, sessionKey, agentID, heuristic, details); err != nil {
			return fmt.Errorf("insert zombie flag: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicZombieFlagged, bus.ZombieFlaggedEvent{
			SessionKey: sessionKey,
			AgentID:    agentID,
			Heuristic:  heuristic,
		})
	}
	return nil
}

// ClearZombie resets a session's suspicion so the detector evaluates it again.
func (s *Store) ClearZombie(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET zombie_status = 'none', updated_at = CURRENT_TIMESTAMP
		WHERE session_key = ?;
	`, sessionKey)
	if err != nil {
		return fmt.Errorf("clear zombie: %w", err)
	}
	return nil
}

// ListZombieFlags returns recent flags, newest first.
func (s *Store) ListZombieFlags(ctx context.Context, limit int) ([]ZombieFlag, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, agent_id, status, heuristic, details, flagged_at
		FROM zombie_flags
		ORDER BY flagged_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list zombie flags: %w", err)
	}
	defer rows.Close()

	var out []ZombieFlag
	for rows.Next() {
		var f ZombieFlag
		if err := rows.Scan(&f.ID, &f.SessionKey, &f.AgentID, &f.Status, &f.Heuristic, &f.Details, &f.FlaggedAt); err != nil {
			return nil, fmt.Errorf("scan zombie flag: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("zombie flag rows: %w", err)
	}
	return out, nil
}
