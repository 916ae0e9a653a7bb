package zombie_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/kestrel/warden/internal/persistence"
	"github.com/kestrel/warden/internal/zombie"
)

func newTestDetector(t *testing.T) (*zombie.Detector, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return zombie.New(store, logger, nil), store
}

func startSession(t *testing.T, store *persistence.Store, sessionKey string) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "work for " + sessionKey, SessionKey: sessionKey, Queued: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ApplyAction(ctx, task.ID, persistence.ActionPlan, persistence.ActionArgs{}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	task, err = store.ApplyAction(ctx, task.ID, persistence.ActionRun, persistence.ActionArgs{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return task
}

func appendEvents(t *testing.T, store *persistence.Store, sessionKey, kind string, payloads []string, tokensEach int) {
	t.Helper()
	for _, p := range payloads {
		err := store.AppendAgentEvent(context.Background(), persistence.AgentEvent{
			SessionKey: sessionKey,
			Kind:       kind,
			Payload:    p,
			TokensUsed: tokensEach,
		})
		if err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
}

func singleFinding(t *testing.T, d *zombie.Detector) zombie.Finding {
	t.Helper()
	findings := d.Scan(context.Background())
	if len(findings) != 1 {
		t.Fatalf("expected exactly one finding, got %+v", findings)
	}
	return findings[0]
}

func TestScan_RepetitionFlagsIdenticalOutputs(t *testing.T) {
	d, store := newTestDetector(t)
	task := startSession(t, store, "sess-rep")

	outputs := make([]string, 10)
	for i := range outputs {
		outputs[i] = "I am making great progress on the task."
	}
	appendEvents(t, store, "sess-rep", persistence.AgentEventOutput, outputs, 10)

	finding := singleFinding(t, d)
	if finding.Heuristic != zombie.ReasonRepetition {
		t.Fatalf("expected %s, got %s", zombie.ReasonRepetition, finding.Heuristic)
	}
	if finding.TaskID != task.ID {
		t.Fatalf("finding task: got %s, want %s", finding.TaskID, task.ID)
	}

	got, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ZombieStatus != "suspected" {
		t.Fatalf("expected suspected, got %q", got.ZombieStatus)
	}
}

func TestScan_DistinctOutputsDoNotFlag(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-ok")

	outputs := []string{
		"reading the repository layout",
		"found three failing unit tests",
		"the parser rejects empty headers",
		"patched the tokenizer boundary case",
		"running the integration suite now",
		"two regressions remain in codec",
		"bisecting the offending commit",
		"root cause is a stale cache key",
		"writing the fix with a new test",
		"all checks are green, preparing summary",
	}
	appendEvents(t, store, "sess-ok", persistence.AgentEventOutput, outputs, 10)

	if findings := d.Scan(context.Background()); len(findings) != 0 {
		t.Fatalf("distinct outputs must not flag, got %+v", findings)
	}
}

func TestScan_FewerThanWindowOutputsDoNotFlag(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-short")

	outputs := make([]string, 9)
	for i := range outputs {
		outputs[i] = "same thing again"
	}
	appendEvents(t, store, "sess-short", persistence.AgentEventOutput, outputs, 1)

	if findings := d.Scan(context.Background()); len(findings) != 0 {
		t.Fatalf("nine outputs are below the window, got %+v", findings)
	}
}

func TestScan_TokenVelocityWithoutToolCalls(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-burn")

	appendEvents(t, store, "sess-burn", persistence.AgentEventOutput,
		[]string{"long rumination part one", "long rumination part two"}, 6000)

	finding := singleFinding(t, d)
	if finding.Heuristic != zombie.ReasonTokenVelocity {
		t.Fatalf("expected %s, got %s", zombie.ReasonTokenVelocity, finding.Heuristic)
	}
}

func TestScan_TokenVelocityCountsManySmallEvents(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-drip")

	// 60 status events of 200 tokens each: a burst no single fetch-limited
	// slice would sum past the threshold.
	payloads := make([]string, 60)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("step %d of the plan", i)
	}
	appendEvents(t, store, "sess-drip", persistence.AgentEventStatus, payloads, 200)

	finding := singleFinding(t, d)
	if finding.Heuristic != zombie.ReasonTokenVelocity {
		t.Fatalf("expected %s, got %s", zombie.ReasonTokenVelocity, finding.Heuristic)
	}
}

func TestScan_ToolCallsSuppressTokenVelocity(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-active")

	appendEvents(t, store, "sess-active", persistence.AgentEventOutput,
		[]string{"chewing through the corpus"}, 12000)
	appendEvents(t, store, "sess-active", persistence.AgentEventToolCall,
		[]string{`{"tool":"grep","args":["needle"]}`}, 0)

	if findings := d.Scan(context.Background()); len(findings) != 0 {
		t.Fatalf("a burst with tool calls is productive, got %+v", findings)
	}
}

func TestScan_StuckLoopOnIdenticalToolCalls(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-loop")

	call := `{"tool":"read_file","args":["/tmp/x"]}`
	appendEvents(t, store, "sess-loop", persistence.AgentEventToolCall,
		[]string{call, call, call}, 10)

	finding := singleFinding(t, d)
	if finding.Heuristic != zombie.ReasonStuckLoop {
		t.Fatalf("expected %s, got %s", zombie.ReasonStuckLoop, finding.Heuristic)
	}
}

func TestScan_VaryingToolCallsDoNotFlag(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-vary")

	calls := make([]string, 3)
	for i := range calls {
		calls[i] = fmt.Sprintf(`{"tool":"read_file","args":["/tmp/file-%d"]}`, i)
	}
	appendEvents(t, store, "sess-vary", persistence.AgentEventToolCall, calls, 10)

	if findings := d.Scan(context.Background()); len(findings) != 0 {
		t.Fatalf("distinct tool calls must not flag, got %+v", findings)
	}
}

func TestScan_SubAgentTimeout(t *testing.T) {
	d, store := newTestDetector(t)
	task := startSession(t, store, "sess-slow")

	if _, err := store.DB().Exec(
		`UPDATE tasks SET started_at = datetime('now', '-16 minutes') WHERE id = ?`, task.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	finding := singleFinding(t, d)
	if finding.Heuristic != zombie.ReasonSubAgentTimeout {
		t.Fatalf("expected %s, got %s", zombie.ReasonSubAgentTimeout, finding.Heuristic)
	}
}

func TestScan_RepetitionWinsOverTimeout(t *testing.T) {
	d, store := newTestDetector(t)
	task := startSession(t, store, "sess-both")

	if _, err := store.DB().Exec(
		`UPDATE tasks SET started_at = datetime('now', '-20 minutes') WHERE id = ?`, task.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	outputs := make([]string, 10)
	for i := range outputs {
		outputs[i] = "still working on it"
	}
	appendEvents(t, store, "sess-both", persistence.AgentEventOutput, outputs, 5)

	finding := singleFinding(t, d)
	if finding.Heuristic != zombie.ReasonRepetition {
		t.Fatalf("heuristics run in order; expected %s, got %s", zombie.ReasonRepetition, finding.Heuristic)
	}
}

func TestScan_FlaggedSessionIsNotRescanned(t *testing.T) {
	d, store := newTestDetector(t)
	startSession(t, store, "sess-once")

	call := `{"tool":"noop"}`
	appendEvents(t, store, "sess-once", persistence.AgentEventToolCall,
		[]string{call, call, call}, 0)

	if findings := d.Scan(context.Background()); len(findings) != 1 {
		t.Fatalf("first scan should flag, got %+v", findings)
	}
	if findings := d.Scan(context.Background()); len(findings) != 0 {
		t.Fatalf("second scan must skip the flagged session, got %+v", findings)
	}

	flags, err := store.ListZombieFlags(context.Background(), 10)
	if err != nil {
		t.Fatalf("list flags: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected a single flag row, got %d", len(flags))
	}
}
