package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel/warden/internal/admission"
	"github.com/kestrel/warden/internal/bus"
	"github.com/kestrel/warden/internal/dispatch"
	"github.com/kestrel/warden/internal/gateway"
	"github.com/kestrel/warden/internal/otel"
	"github.com/kestrel/warden/internal/persistence"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *persistence.Store) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := gateway.New(gateway.Config{
		Store:      store,
		Bus:        eventBus,
		Admission:  admission.New(store, logger),
		Dispatcher: dispatch.New(store, logger, nil, 6),
		Logger:     logger,
		AuthToken:  testToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createTask(t *testing.T, ts *httptest.Server, body map[string]any) persistence.Task {
	t.Helper()
	resp := doJSON(t, ts, http.MethodPost, "/api/v1/tasks", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: status %d", resp.StatusCode)
	}
	var task persistence.Task
	decodeBody(t, resp, &task)
	return task
}

func applyAction(t *testing.T, ts *httptest.Server, taskID string, body map[string]any) *http.Response {
	t.Helper()
	return doJSON(t, ts, http.MethodPost, "/api/v1/tasks/"+taskID+"/actions", body)
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status        string `json:"status"`
		RunningTasks  int    `json:"running_tasks"`
		MaxConcurrent int64  `json:"max_concurrent"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Fatalf("status %q, want ok", body.Status)
	}
	if body.MaxConcurrent != 6 {
		t.Fatalf("max_concurrent %d, want 6", body.MaxConcurrent)
	}
}

func TestAPI_RejectsMissingAndBadTokens(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", resp.StatusCode)
	}
}

func TestCreateTask_DefaultsAndValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	task := createTask(t, ts, map[string]any{"title": "index the corpus"})
	if task.Status != persistence.StatusBacklog {
		t.Fatalf("status %q, want backlog", task.Status)
	}
	if task.TimeoutSeconds != 600 {
		t.Fatalf("timeout %d, want 600", task.TimeoutSeconds)
	}

	queued := createTask(t, ts, map[string]any{"title": "hot item", "queued": true})
	if queued.Status != persistence.StatusQueued {
		t.Fatalf("status %q, want queued", queued.Status)
	}

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/tasks", map[string]any{"title": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty title: status %d, want 400", resp.StatusCode)
	}
}

func TestListTasks_FiltersByProjectAndStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	createTask(t, ts, map[string]any{"title": "a", "project": "alpha", "queued": true})
	createTask(t, ts, map[string]any{"title": "b", "project": "beta"})

	resp := doJSON(t, ts, http.MethodGet, "/api/v1/tasks?project=alpha&status=queued", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var body struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	decodeBody(t, resp, &body)
	if len(body.Tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(body.Tasks))
	}
	if body.Tasks[0].Project != "alpha" {
		t.Fatalf("project %q, want alpha", body.Tasks[0].Project)
	}
}

func TestTaskLifecycle_OverActionsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	task := createTask(t, ts, map[string]any{"title": "lifecycle", "queued": true})

	steps := []map[string]any{
		{"action": "assign", "agent_id": "agent-1"},
		{"action": "plan"},
		{"action": "run"},
		{"action": "complete", "result": "done"},
	}
	var last persistence.Task
	for _, step := range steps {
		resp := applyAction(t, ts, task.ID, step)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("action %v: status %d", step["action"], resp.StatusCode)
		}
		decodeBody(t, resp, &last)
	}
	if last.Status != persistence.StatusDone {
		t.Fatalf("status %q, want done", last.Status)
	}
	if last.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
}

func TestMutateTask_PlanThenRunImmediately(t *testing.T) {
	ts, _ := newTestServer(t)
	task := createTask(t, ts, map[string]any{"title": "planned work", "queued": true})

	resp := applyAction(t, ts, task.ID, map[string]any{"action": "plan"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plan: status %d", resp.StatusCode)
	}
	var planned persistence.Task
	decodeBody(t, resp, &planned)
	if planned.Status != persistence.StatusPlanned {
		t.Fatalf("status %q, want planned (no auto-promotion inside the plan request)", planned.Status)
	}

	// The client that planned the task can still run it directly.
	resp = applyAction(t, ts, task.ID, map[string]any{"action": "run"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run right after plan: status %d", resp.StatusCode)
	}
	var running persistence.Task
	decodeBody(t, resp, &running)
	if running.Status != persistence.StatusRunning {
		t.Fatalf("status %q, want running", running.Status)
	}
}

func TestMutateTask_ErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t)
	task := createTask(t, ts, map[string]any{"title": "edge cases", "queued": true})

	// complete is only legal from running
	resp := applyAction(t, ts, task.ID, map[string]any{"action": "complete"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("illegal transition: status %d, want 409", resp.StatusCode)
	}

	resp = applyAction(t, ts, "no-such-task", map[string]any{"action": "assign", "agent_id": "a"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: status %d, want 404", resp.StatusCode)
	}

	resp = applyAction(t, ts, task.ID, map[string]any{"action": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing action: status %d, want 400", resp.StatusCode)
	}
}

func TestHeartbeat_ConflictsWhenNotRunning(t *testing.T) {
	ts, _ := newTestServer(t)
	task := createTask(t, ts, map[string]any{"title": "hb", "queued": true})

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/tasks/"+task.ID+"/heartbeat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("not running: status %d, want 409", resp.StatusCode)
	}

	for _, step := range []map[string]any{
		{"action": "assign", "agent_id": "agent-1"},
		{"action": "plan"},
		{"action": "run"},
	} {
		if resp := applyAction(t, ts, task.ID, step); resp.StatusCode != http.StatusOK {
			t.Fatalf("action %v: status %d", step["action"], resp.StatusCode)
		}
	}
	resp = doJSON(t, ts, http.MethodPost, "/api/v1/tasks/"+task.ID+"/heartbeat", map[string]any{"message": "still here"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("running heartbeat: status %d, want 200", resp.StatusCode)
	}
}

func TestActiveTasks_AnnotatesLiveness(t *testing.T) {
	ts, store := newTestServer(t)
	task := createTask(t, ts, map[string]any{"title": "active", "queued": true})
	for _, step := range []map[string]any{
		{"action": "assign", "agent_id": "agent-1"},
		{"action": "plan"},
		{"action": "run"},
	} {
		if resp := applyAction(t, ts, task.ID, step); resp.StatusCode != http.StatusOK {
			t.Fatalf("action %v: status %d", step["action"], resp.StatusCode)
		}
	}

	// A stalled task surfaces with its derived status.
	if _, err := store.DB().Exec(
		`UPDATE tasks SET started_at = datetime('now', '-700 seconds') WHERE id = ?`, task.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	resp := doJSON(t, ts, http.MethodGet, "/api/v1/tasks/active", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var body struct {
		Active []struct {
			persistence.Task
			ElapsedSeconds  int64  `json:"elapsed_seconds"`
			IsStalled       bool   `json:"is_stalled"`
			EffectiveStatus string `json:"effective_status"`
		} `json:"active"`
		RecentlyCompleted []persistence.Task `json:"recently_completed"`
	}
	decodeBody(t, resp, &body)
	if len(body.Active) != 1 {
		t.Fatalf("got %d active tasks, want 1", len(body.Active))
	}
	got := body.Active[0]
	if got.ElapsedSeconds < 700 {
		t.Fatalf("elapsed %d, want >= 700", got.ElapsedSeconds)
	}
	if !got.IsStalled {
		t.Fatal("expected stalled")
	}
	if got.EffectiveStatus != string(persistence.StatusStalled) {
		t.Fatalf("effective status %q, want stalled", got.EffectiveStatus)
	}
}

func TestSessionEvents_IngestAndValidation(t *testing.T) {
	ts, store := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/sessions/sess-1/events", map[string]any{
		"agent_id": "agent-1", "kind": "output", "payload": "working", "tokens_used": 42,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}
	events, err := store.RecentSessionEvents(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 1 || events[0].TokensUsed != 42 {
		t.Fatalf("unexpected events: %+v", events)
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/v1/sessions/sess-1/events", map[string]any{
		"kind": "daydream", "payload": "?",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind: status %d, want 400", resp.StatusCode)
	}
}

func TestBudgetCheck_NoBudgetAllows(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/api/v1/budget/check", map[string]any{
		"agent_id": "unbudgeted", "estimated_cost_cents": 500,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var result admission.Result
	decodeBody(t, resp, &result)
	if !result.Allowed || result.Status != admission.StatusNoBudget {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestBudgetCheck_BreachBlocksOverAPI(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	resp := doJSON(t, ts, http.MethodPut, "/api/v1/budgets/agent-b", map[string]any{
		"daily_limit_cents": 1000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put budget: status %d", resp.StatusCode)
	}
	if err := store.LogCost(ctx, persistence.CostEntry{AgentID: "agent-b", Provider: "openai", Model: "gpt-4o", Tokens: 1, CostCents: 950}); err != nil {
		t.Fatalf("log cost: %v", err)
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/v1/budget/check", map[string]any{
		"agent_id": "agent-b", "estimated_cost_cents": 100,
	})
	var result admission.Result
	decodeBody(t, resp, &result)
	if result.Allowed {
		t.Fatalf("projected overage must be denied: %+v", result)
	}
	if result.Status != admission.StatusOverBudget {
		t.Fatalf("status %q, want %q", result.Status, admission.StatusOverBudget)
	}

	budget, err := store.GetBudget(ctx, "agent-b")
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if !budget.IsPaused {
		t.Fatal("agent should be auto-paused")
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/v1/budgets/agent-b/clear-pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear-pause: status %d", resp.StatusCode)
	}
	budget, err = store.GetBudget(ctx, "agent-b")
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if budget.IsPaused {
		t.Fatal("pause should be cleared")
	}
}

func TestCosts_EstimatesWhenCentsOmitted(t *testing.T) {
	ts, store := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/costs", map[string]any{
		"agent_id": "agent-c", "provider": "openai", "model": "gpt-4o", "tokens": 2_000_000,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d, want 201", resp.StatusCode)
	}
	var body struct {
		CostCents int64 `json:"cost_cents"`
	}
	decodeBody(t, resp, &body)
	if body.CostCents <= 0 {
		t.Fatalf("estimated cost %d, want > 0", body.CostCents)
	}

	spend, err := store.CurrentSpend(context.Background(), "agent-c", time.Now())
	if err != nil {
		t.Fatalf("current spend: %v", err)
	}
	if spend.DailyCents != body.CostCents {
		t.Fatalf("daily spend %d, want %d", spend.DailyCents, body.CostCents)
	}
}

func TestHandler_InstrumentedRoundTrip(t *testing.T) {
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics, err := otel.NewMetrics(noopmetric.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	srv := gateway.New(gateway.Config{
		Store:      store,
		Bus:        eventBus,
		Admission:  admission.New(store, logger),
		Dispatcher: dispatch.New(store, logger, metrics, 6),
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     nooptrace.NewTracerProvider().Tracer("test"),
		AuthToken:  testToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	task := createTask(t, ts, map[string]any{"title": "traced", "queued": true})
	resp := applyAction(t, ts, task.ID, map[string]any{"action": "assign", "agent_id": "agent-t"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign under instrumentation: status %d", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodPost, "/api/v1/budget/check", map[string]any{
		"agent_id": "agent-t", "estimated_cost_cents": 10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("budget check under instrumentation: status %d", resp.StatusCode)
	}
}

func TestZombies_ListAndClear(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	task := createTask(t, ts, map[string]any{"title": "zombie host", "session_key": "sess-z", "queued": true})
	for _, step := range []map[string]any{
		{"action": "assign", "agent_id": "agent-z"},
		{"action": "plan"},
		{"action": "run"},
	} {
		if resp := applyAction(t, ts, task.ID, step); resp.StatusCode != http.StatusOK {
			t.Fatalf("action %v: status %d", step["action"], resp.StatusCode)
		}
	}
	if err := store.FlagZombie(ctx, "sess-z", "agent-z", "stuck_loop", "same call thrice"); err != nil {
		t.Fatalf("flag: %v", err)
	}

	resp := doJSON(t, ts, http.MethodGet, "/api/v1/zombies", nil)
	var body struct {
		Flags []persistence.ZombieFlag `json:"flags"`
	}
	decodeBody(t, resp, &body)
	if len(body.Flags) != 1 || body.Flags[0].SessionKey != "sess-z" {
		t.Fatalf("unexpected flags: %+v", body.Flags)
	}

	resp = doJSON(t, ts, http.MethodPost, "/api/v1/zombies/sess-z/clear", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status %d", resp.StatusCode)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ZombieStatus != "none" {
		t.Fatalf("zombie status %q, want none", got.ZombieStatus)
	}
}
