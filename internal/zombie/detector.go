// Package zombie detects agent sessions that look active but have stopped
// making progress.
package zombie

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kestrel/warden/internal/otel"
	"github.com/kestrel/warden/internal/persistence"
)

// Heuristic names recorded on a zombie flag, checked in this order.
const (
	ReasonRepetition      = "repetition_check"
	ReasonTokenVelocity   = "token_velocity"
	ReasonStuckLoop       = "stuck_loop"
	ReasonSubAgentTimeout = "sub_agent_timeout"
)

const (
	repetitionWindow     = 10
	repetitionSimilarity = 0.8
	repetitionPairRatio  = 0.8
	velocityWindow       = 60 * time.Second
	velocityTokenLimit   = 10_000
	stuckLoopRuns        = 3
	subAgentTimeout      = 15 * time.Minute
	eventFetchLimit      = 50
)

// Detector scans running sessions for unproductive behavior. It only flags;
// terminating a flagged run is someone else's call.
type Detector struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
	dmp     *diffmatchpatch.DiffMatchPatch
}

func New(store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics) *Detector {
	return &Detector{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		dmp:     diffmatchpatch.New(),
	}
}

// Finding reports one flagged session from a scan pass.
type Finding struct {
	TaskID     string `json:"task_id"`
	SessionKey string `json:"session_key"`
	Heuristic  string `json:"heuristic"`
	Details    string `json:"details"`
}

// Scan runs every heuristic over every candidate session. Per-session errors
// are logged and skipped so one broken session cannot starve the rest; the
// next cycle retries.
func (d *Detector) Scan(ctx context.Context) []Finding {
	candidates, err := d.store.ZombieCandidates(ctx)
	if err != nil {
		d.logger.Error("zombie scan failed", "error", err)
		return nil
	}

	var findings []Finding
	for _, cand := range candidates {
		heuristic, details, err := d.inspect(ctx, cand)
		if err != nil {
			d.logger.Error("zombie inspect failed",
				"task_id", cand.TaskID, "session_key", cand.SessionKey, "error", err)
			continue
		}
		if heuristic == "" {
			continue
		}
		if err := d.store.FlagZombie(ctx, cand.SessionKey, cand.AgentID, heuristic, details); err != nil {
			d.logger.Error("zombie flag failed",
				"task_id", cand.TaskID, "session_key", cand.SessionKey, "error", err)
			continue
		}
		if d.metrics != nil {
			d.metrics.ZombieFlags.Add(ctx, 1)
		}
		d.logger.Warn("session flagged as zombie",
			"task_id", cand.TaskID, "session_key", cand.SessionKey,
			"heuristic", heuristic, "details", details)
		findings = append(findings, Finding{
			TaskID:     cand.TaskID,
			SessionKey: cand.SessionKey,
			Heuristic:  heuristic,
			Details:    details,
		})
	}
	return findings
}

// inspect evaluates the heuristics in order and returns the first match.
func (d *Detector) inspect(ctx context.Context, cand persistence.ZombieCandidate) (string, string, error) {
	events, err := d.store.RecentSessionEvents(ctx, cand.SessionKey, eventFetchLimit)
	if err != nil {
		return "", "", err
	}

	if details, ok := d.checkRepetition(events); ok {
		return ReasonRepetition, details, nil
	}
	details, ok, err := d.checkTokenVelocity(ctx, cand.SessionKey)
	if err != nil {
		return "", "", err
	}
	if ok {
		return ReasonTokenVelocity, details, nil
	}
	if details, ok := d.checkStuckLoop(events); ok {
		return ReasonStuckLoop, details, nil
	}
	if details, ok := d.checkRunDuration(cand); ok {
		return ReasonSubAgentTimeout, details, nil
	}
	return "", "", nil
}

// checkRepetition compares the newest output against the previous outputs in
// the window. events arrive newest first.
func (d *Detector) checkRepetition(events []persistence.AgentEvent) (string, bool) {
	var outputs []string
	for _, ev := range events {
		if ev.Kind != persistence.AgentEventOutput {
			continue
		}
		outputs = append(outputs, ev.Payload)
		if len(outputs) == repetitionWindow {
			break
		}
	}
	if len(outputs) < repetitionWindow {
		return "", false
	}

	latest := outputs[0]
	prior := outputs[1:]
	similar := 0
	for _, prev := range prior {
		if d.similarity(latest, prev) > repetitionSimilarity {
			similar++
		}
	}
	ratio := float64(similar) / float64(len(prior))
	if ratio < repetitionPairRatio {
		return "", false
	}
	return fmt.Sprintf("%d of %d recent outputs near-identical to the latest", similar, len(prior)), true
}

// similarity is normalized edit-distance similarity, case-insensitive.
func (d *Detector) similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1.0
	}
	longer := len([]rune(a))
	if n := len([]rune(b)); n > longer {
		longer = n
	}
	if longer == 0 {
		return 1.0
	}
	diffs := d.dmp.DiffMain(a, b, false)
	dist := d.dmp.DiffLevenshtein(diffs)
	return float64(longer-dist) / float64(longer)
}

// checkTokenVelocity flags a burst of token consumption with no tool calls.
// The window is aggregated in SQL so a burst of many small events is counted
// in full.
func (d *Detector) checkTokenVelocity(ctx context.Context, sessionKey string) (string, bool, error) {
	cutoff := d.now().Add(-velocityWindow)
	tokens, toolCalls, err := d.store.SessionActivitySince(ctx, sessionKey, cutoff)
	if err != nil {
		return "", false, err
	}
	if tokens <= velocityTokenLimit || toolCalls > 0 {
		return "", false, nil
	}
	return fmt.Sprintf("%d tokens in %s with no tool calls", tokens, velocityWindow), true, nil
}

// checkStuckLoop flags three consecutive byte-identical tool-call payloads.
func (d *Detector) checkStuckLoop(events []persistence.AgentEvent) (string, bool) {
	var payloads []string
	for _, ev := range events {
		if ev.Kind != persistence.AgentEventToolCall {
			continue
		}
		payloads = append(payloads, ev.Payload)
		if len(payloads) == stuckLoopRuns {
			break
		}
	}
	if len(payloads) < stuckLoopRuns {
		return "", false
	}
	for _, p := range payloads[1:] {
		if p != payloads[0] {
			return "", false
		}
	}
	return fmt.Sprintf("last %d tool calls carried identical payloads", stuckLoopRuns), true
}

func (d *Detector) checkRunDuration(cand persistence.ZombieCandidate) (string, bool) {
	if cand.StartedAt == nil {
		return "", false
	}
	elapsed := d.now().Sub(*cand.StartedAt)
	if elapsed <= subAgentTimeout {
		return "", false
	}
	return fmt.Sprintf("running for %s, limit %s", elapsed.Round(time.Second), subAgentTimeout), true
}

// Run scans on the given interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Scan(ctx)
		}
	}
}
