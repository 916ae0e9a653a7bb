// Package dispatch promotes planned tasks into the running pool, bounded by a
// configurable concurrency ceiling.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kestrel/warden/internal/audit"
	"github.com/kestrel/warden/internal/otel"
	"github.com/kestrel/warden/internal/persistence"
)

// DefaultMaxConcurrent is the running-task ceiling when none is configured.
const DefaultMaxConcurrent = 6

// Dispatcher fills spare running capacity from the planned backlog. It is
// best-effort: failures are logged and swallowed, the next trigger retries.
type Dispatcher struct {
	store         *persistence.Store
	logger        *slog.Logger
	metrics       *otel.Metrics
	maxConcurrent atomic.Int64
}

func New(store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics, maxConcurrent int) *Dispatcher {
	d := &Dispatcher{store: store, logger: logger, metrics: metrics}
	d.SetMaxConcurrent(maxConcurrent)
	return d
}

// SetMaxConcurrent updates the ceiling. Called from config hot-reload.
func (d *Dispatcher) SetMaxConcurrent(n int) {
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	d.maxConcurrent.Store(int64(n))
}

func (d *Dispatcher) MaxConcurrent() int {
	return int(d.maxConcurrent.Load())
}

// DispatchNext promotes at most one planned task to running. The capacity
// check and the promotion happen in a single conditional update inside the
// store, so concurrent callers cannot over-admit. Returns the promoted task,
// or nil when the pool is full or the backlog is empty.
func (d *Dispatcher) DispatchNext(ctx context.Context) *persistence.Task {
	task, err := d.store.PromoteNextPlanned(ctx, d.MaxConcurrent())
	if err != nil {
		d.logger.Error("dispatch failed", "error", err)
		return nil
	}
	if task == nil {
		return nil
	}
	audit.Record("allow", task.ID, "task.auto_dispatch", "promoted planned task to running")
	if d.metrics != nil {
		d.metrics.TasksPromoted.Add(ctx, 1)
	}
	d.logger.Info("task auto-dispatched",
		"task_id", task.ID, "title", task.Title, "priority", task.Priority)
	return task
}

// DrainCapacity keeps promoting until the pool is full or the backlog is
// empty. Used by the periodic safety tick.
func (d *Dispatcher) DrainCapacity(ctx context.Context) int {
	promoted := 0
	for {
		if task := d.DispatchNext(ctx); task == nil {
			return promoted
		}
		promoted++
		if promoted >= d.MaxConcurrent() {
			return promoted
		}
	}
}

// Run ticks DrainCapacity on the given interval until ctx is cancelled.
// Mutation handlers trigger dispatch directly; the tick only covers promotions
// a crashed handler or a missed trigger would otherwise leave behind.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainCapacity(ctx)
		}
	}
}
