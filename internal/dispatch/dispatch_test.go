package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/kestrel/warden/internal/dispatch"
	"github.com/kestrel/warden/internal/persistence"
)

func newTestDispatcher(t *testing.T, maxConcurrent int) (*dispatch.Dispatcher, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return dispatch.New(store, logger, nil, maxConcurrent), store
}

func plannedTask(t *testing.T, store *persistence.Store, title string, priority int) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.NewTask{Title: title, Priority: priority})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	task, err = store.ApplyAction(ctx, task.ID, persistence.ActionPlan, persistence.ActionArgs{})
	if err != nil {
		t.Fatalf("plan %s: %v", title, err)
	}
	return task
}

func TestDispatchNext_PromotesHighestPriority(t *testing.T) {
	d, store := newTestDispatcher(t, 6)
	ctx := context.Background()

	plannedTask(t, store, "low", 1)
	high := plannedTask(t, store, "high", 9)

	promoted := d.DispatchNext(ctx)
	if promoted == nil || promoted.ID != high.ID {
		t.Fatalf("expected high-priority task, got %+v", promoted)
	}
	if promoted.Status != persistence.StatusRunning {
		t.Fatalf("expected running, got %s", promoted.Status)
	}
}

func TestDispatchNext_EmptyBacklogIsNoop(t *testing.T) {
	d, _ := newTestDispatcher(t, 6)
	if promoted := d.DispatchNext(context.Background()); promoted != nil {
		t.Fatalf("expected nil on empty backlog, got %+v", promoted)
	}
}

func TestDispatchNext_RespectsCeiling(t *testing.T) {
	d, store := newTestDispatcher(t, 1)
	ctx := context.Background()

	plannedTask(t, store, "first", 1)
	plannedTask(t, store, "second", 1)

	if promoted := d.DispatchNext(ctx); promoted == nil {
		t.Fatal("first dispatch should promote")
	}
	if promoted := d.DispatchNext(ctx); promoted != nil {
		t.Fatalf("ceiling of 1 must hold, got %+v", promoted)
	}

	count, err := store.RunningCount(ctx)
	if err != nil {
		t.Fatalf("running count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 running, got %d", count)
	}
}

func TestDispatchNext_ResumesAfterSlotFrees(t *testing.T) {
	d, store := newTestDispatcher(t, 1)
	ctx := context.Background()

	plannedTask(t, store, "first", 5)
	second := plannedTask(t, store, "second", 1)

	first := d.DispatchNext(ctx)
	if first == nil {
		t.Fatal("first dispatch should promote")
	}
	if _, err := store.ApplyAction(ctx, first.ID, persistence.ActionComplete, persistence.ActionArgs{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	promoted := d.DispatchNext(ctx)
	if promoted == nil || promoted.ID != second.ID {
		t.Fatalf("freed slot should admit the next task, got %+v", promoted)
	}
}

func TestDrainCapacity_FillsAllSlots(t *testing.T) {
	d, store := newTestDispatcher(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		plannedTask(t, store, "bulk", 1)
	}

	if promoted := d.DrainCapacity(ctx); promoted != 3 {
		t.Fatalf("expected 3 promotions, got %d", promoted)
	}
	count, err := store.RunningCount(ctx)
	if err != nil {
		t.Fatalf("running count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 running, got %d", count)
	}
}

func TestSetMaxConcurrent_HotReload(t *testing.T) {
	d, store := newTestDispatcher(t, 1)
	ctx := context.Background()

	plannedTask(t, store, "first", 1)
	plannedTask(t, store, "second", 1)

	d.DispatchNext(ctx)
	if promoted := d.DispatchNext(ctx); promoted != nil {
		t.Fatalf("ceiling 1: unexpected promotion %+v", promoted)
	}

	d.SetMaxConcurrent(2)
	if promoted := d.DispatchNext(ctx); promoted == nil {
		t.Fatal("raised ceiling should admit the waiting task")
	}

	d.SetMaxConcurrent(0)
	if got := d.MaxConcurrent(); got != dispatch.DefaultMaxConcurrent {
		t.Fatalf("non-positive ceiling falls back to default, got %d", got)
	}
}
