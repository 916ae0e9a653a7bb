package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrel/warden/internal/bus"
)

// AgentBudget is the per-agent spend configuration. A zero limit means the
// period is unlimited.
type AgentBudget struct {
	AgentID           string     `json:"agent_id"`
	DailyLimitCents   int64      `json:"daily_limit_cents"`
	WeeklyLimitCents  int64      `json:"weekly_limit_cents"`
	MonthlyLimitCents int64      `json:"monthly_limit_cents"`
	AlertThresholdPct int        `json:"alert_threshold_pct"`
	IsPaused          bool       `json:"is_paused"`
	PausedReason      string     `json:"paused_reason,omitempty"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
}

// CostEntry is one appended row of the spend ledger.
type CostEntry struct {
	AgentID   string `json:"agent_id"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
	CostCents int64  `json:"cost_cents"`
	TaskID    string `json:"task_id,omitempty"`
}

func (s *Store) GetBudget(ctx context.Context, agentID string) (*AgentBudget, error) {
	var b AgentBudget
	var paused int
	var pausedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, daily_limit_cents, weekly_limit_cents, monthly_limit_cents,
			alert_threshold_pct, is_paused, paused_reason, paused_at
		FROM agent_budgets
		WHERE agent_id = ?;
	`, agentID).Scan(&b.AgentID, &b.DailyLimitCents, &b.WeeklyLimitCents,
		&b.MonthlyLimitCents, &b.AlertThresholdPct, &paused, &b.PausedReason, &pausedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	b.IsPaused = paused == 1
	if pausedAt.Valid {
		t := pausedAt.Time
		b.PausedAt = &t
	}
	return &b, nil
}

func (s *Store) UpsertBudget(ctx context.Context, b AgentBudget) error {
	if b.AgentID == "" {
		return fmt.Errorf("budget agent id required")
	}
	if b.AlertThresholdPct <= 0 {
		b.AlertThresholdPct = 80
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_budgets (
			agent_id, daily_limit_cents, weekly_limit_cents, monthly_limit_cents,
			alert_threshold_pct, updated_at
		)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO UPDATE SET
			daily_limit_cents = excluded.daily_limit_cents,
			weekly_limit_cents = excluded.weekly_limit_cents,
			monthly_limit_cents = excluded.monthly_limit_cents,
			alert_threshold_pct = excluded.alert_threshold_pct,
			updated_at = CURRENT_TIMESTAMP;
	`, b.AgentID, b.DailyLimitCents, b.WeeklyLimitCents, b.MonthlyLimitCents, b.AlertThresholdPct)
	if err != nil {
		return fmt.Errorf("upsert budget: %w", err)
	}
	return nil
}

// PauseAgent flips is_paused from false to true with the given reason. The
// write is idempotent: a second breach while already paused never overwrites
// the first reason. Returns true only when this call performed the pause.
func (s *Store) PauseAgent(ctx context.Context, agentID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_budgets
		SET is_paused = 1, paused_reason = ?, paused_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ? AND is_paused = 0;
	`, reason, agentID)
	if err != nil {
		return false, fmt.Errorf("pause agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pause rows affected: %w", err)
	}
	if n == 1 && s.bus != nil {
		s.bus.Publish(bus.TopicBudgetPaused, bus.BudgetPausedEvent{AgentID: agentID, Reason: reason})
	}
	return n == 1, nil
}

// ClearPause resets the pause flag and reason; no-op when not paused.
func (s *Store) ClearPause(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_budgets
		SET is_paused = 0, paused_reason = '', paused_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, agentID)
	if err != nil {
		return fmt.Errorf("clear pause: %w", err)
	}
	return nil
}

// LogCost appends a ledger entry and folds it into the daily aggregation row.
func (s *Store) LogCost(ctx context.Context, entry CostEntry) error {
	if entry.AgentID == "" {
		return fmt.Errorf("cost entry agent id required")
	}
	if entry.CostCents < 0 {
		return fmt.Errorf("cost entry cents must be non-negative")
	}
	date := time.Now().UTC().Format("2006-01-02")
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin log cost tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cost_entries (agent_id, provider, model, tokens, cost_cents, task_id, created_at)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, entry.AgentID, entry.Provider, entry.Model, entry.Tokens, entry.CostCents, entry.TaskID); err != nil {
			return fmt.Errorf("insert cost entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_daily_spend (agent_id, date, total_cents)
			VALUES (?, ?, ?)
			ON CONFLICT(agent_id, date) DO UPDATE SET total_cents = total_cents + excluded.total_cents;
		`, entry.AgentID, date, entry.CostCents); err != nil {
			return fmt.Errorf("upsert daily spend: %w", err)
		}
		return tx.Commit()
	})
}

// SpendSince sums the daily aggregation rows on or after the given date.
func (s *Store) SpendSince(ctx context.Context, agentID string, from time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cents), 0)
		FROM agent_daily_spend
		WHERE agent_id = ? AND date >= ?;
	`, agentID, from.UTC().Format("2006-01-02")).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total, nil
}

// PeriodSpend holds current spend per budget period, in cents.
type PeriodSpend struct {
	DailyCents   int64 `json:"daily_cents"`
	WeeklyCents  int64 `json:"weekly_cents"`
	MonthlyCents int64 `json:"monthly_cents"`
}

// CurrentSpend computes day/week/month aggregates as of now. Daily is the
// calendar day, weekly runs from Monday, monthly from the 1st, all UTC.
func (s *Store) CurrentSpend(ctx context.Context, agentID string, now time.Time) (PeriodSpend, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the week started the previous Monday.
	}
	weekStart := dayStart.AddDate(0, 0, -(weekday - 1))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var spend PeriodSpend
	var err error
	if spend.DailyCents, err = s.SpendSince(ctx, agentID, dayStart); err != nil {
		return spend, err
	}
	if spend.WeeklyCents, err = s.SpendSince(ctx, agentID, weekStart); err != nil {
		return spend, err
	}
	if spend.MonthlyCents, err = s.SpendSince(ctx, agentID, monthStart); err != nil {
		return spend, err
	}
	return spend, nil
}
