// Package admission gates new agent work on configured spend budgets.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrel/warden/internal/audit"
	"github.com/kestrel/warden/internal/persistence"
)

// Check statuses returned by CheckBudget.
const (
	StatusOK         = "ok"
	StatusWarning    = "warning"
	StatusOverBudget = "over_budget"
	StatusPaused     = "paused"
	StatusNoBudget   = "no_budget"
	StatusError      = "error"
)

// PeriodCheck reports one budget period's projected usage.
type PeriodCheck struct {
	Period         string `json:"period"`
	LimitCents     int64  `json:"limit_cents"`
	SpendCents     int64  `json:"spend_cents"`
	ProjectedCents int64  `json:"projected_cents"`
	Percent        int    `json:"percent"`
}

// Result is the outcome of a budget admission check.
type Result struct {
	Allowed        bool                    `json:"allowed"`
	Status         string                  `json:"status"`
	Reason         string                  `json:"reason,omitempty"`
	Alerts         []PeriodCheck           `json:"alerts,omitempty"`
	Blocks         []PeriodCheck           `json:"blocks,omitempty"`
	CurrentSpend   persistence.PeriodSpend `json:"current_spend"`
	ProjectedCents int64                   `json:"projected_cents"`
}

// Controller decides whether an agent may take on new billable work.
type Controller struct {
	store  *persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store *persistence.Store, logger *slog.Logger) *Controller {
	return &Controller{store: store, logger: logger, now: time.Now}
}

// CheckBudget evaluates estimatedCostCents against the agent's configured
// limits. Missing budget rows allow work. A limit breach pauses the agent;
// the pause only flips the flag once, a reason already set stays put.
// Infrastructure failures fail open: work is allowed with status "error".
func (c *Controller) CheckBudget(ctx context.Context, agentID string, estimatedCostCents int64) Result {
	budget, err := c.store.GetBudget(ctx, agentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return Result{Allowed: true, Status: StatusNoBudget}
	}
	if err != nil {
		return c.failOpen(agentID, "load budget", err)
	}

	if budget.IsPaused {
		return Result{
			Allowed: false,
			Status:  StatusPaused,
			Reason:  budget.PausedReason,
		}
	}

	spend, err := c.store.CurrentSpend(ctx, agentID, c.now())
	if err != nil {
		return c.failOpen(agentID, "load spend", err)
	}

	periods := []struct {
		name  string
		limit int64
		spent int64
	}{
		{"daily", budget.DailyLimitCents, spend.DailyCents},
		{"weekly", budget.WeeklyLimitCents, spend.WeeklyCents},
		{"monthly", budget.MonthlyLimitCents, spend.MonthlyCents},
	}

	res := Result{CurrentSpend: spend}
	for _, p := range periods {
		if p.limit <= 0 {
			continue
		}
		projected := p.spent + estimatedCostCents
		check := PeriodCheck{
			Period:         p.name,
			LimitCents:     p.limit,
			SpendCents:     p.spent,
			ProjectedCents: projected,
			Percent:        int(projected * 100 / p.limit),
		}
		if res.ProjectedCents < projected {
			res.ProjectedCents = projected
		}
		switch {
		case check.Percent >= 100:
			res.Blocks = append(res.Blocks, check)
		case check.Percent >= budget.AlertThresholdPct:
			res.Alerts = append(res.Alerts, check)
		}
	}

	if len(res.Blocks) > 0 {
		res.Allowed = false
		res.Status = StatusOverBudget
		res.Reason = pauseReason(res.Blocks)
		flipped, pauseErr := c.store.PauseAgent(ctx, agentID, res.Reason)
		if pauseErr != nil {
			c.logger.Error("budget auto-pause failed", "agent_id", agentID, "error", pauseErr)
		} else if flipped {
			audit.Record("deny", agentID, "budget.auto_pause", res.Reason)
			c.logger.Warn("agent auto-paused over budget",
				"agent_id", agentID, "reason", res.Reason)
		}
		return res
	}

	res.Allowed = true
	if len(res.Alerts) > 0 {
		res.Status = StatusWarning
	} else {
		res.Status = StatusOK
	}
	return res
}

func (c *Controller) failOpen(agentID, op string, err error) Result {
	c.logger.Error("budget check failed open", "agent_id", agentID, "op", op, "error", err)
	return Result{
		Allowed: true,
		Status:  StatusError,
		Reason:  fmt.Sprintf("%s: %v", op, err),
	}
}

func pauseReason(blocks []PeriodCheck) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, fmt.Sprintf("%s %d%% of %d¢", b.Period, b.Percent, b.LimitCents))
	}
	return "budget exceeded: " + strings.Join(parts, ", ")
}
