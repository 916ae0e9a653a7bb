package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/kestrel/warden/internal/otel"
	"github.com/kestrel/warden/internal/persistence"
)

// DefaultCadence runs the sweep every other minute.
const DefaultCadence = "*/2 * * * *"

// DefaultWindow bounds how far back a sweep looks for missed changes.
const DefaultWindow = 5 * time.Minute

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweep reconciler.
type Config struct {
	Store   *persistence.Store
	Sink    Sink
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Cadence string        // cron expression; defaults to DefaultCadence
	Window  time.Duration // lookback window; defaults to DefaultWindow
}

// Sweeper periodically re-delivers task changes the push path dropped. Push
// plus sweep give at-least-once delivery of every status change; the dedup
// log keeps a re-run from sending the same change twice.
type Sweeper struct {
	store    *persistence.Store
	sink     Sink
	logger   *slog.Logger
	metrics  *otel.Metrics
	schedule cronlib.Schedule
	window   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config.
func NewSweeper(cfg Config) (*Sweeper, error) {
	cadence := cfg.Cadence
	if cadence == "" {
		cadence = DefaultCadence
	}
	schedule, err := cronParser.Parse(cadence)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cadence %q: %w", cadence, err)
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		sink:     cfg.Sink,
		logger:   logger,
		metrics:  cfg.Metrics,
		schedule: schedule,
		window:   window,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweep reconciler started", "sink", s.sink.Name(), "window", s.window)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweep reconciler stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep delivers every unacknowledged change in the window that has no dedup
// row yet, recording a dedup row per delivered (task, event type) pair.
// Per-change failures are logged and skipped; the change stays pending for
// the next sweep. A task is acknowledged only once all of its pending pairs
// delivered, since the ack flag hides every remaining pair from the query.
func (s *Sweeper) Sweep(ctx context.Context) int {
	pending, err := s.store.UnnotifiedChanges(ctx, s.window)
	if err != nil {
		s.logger.Error("sweep query failed", "error", err)
		return 0
	}

	delivered := 0
	failedTasks := make(map[string]bool)
	for _, p := range pending {
		text := formatNotification(p)
		if err := s.sink.SendMessage(ctx, text); err != nil {
			s.logger.Error("sweep delivery failed",
				"task_id", p.TaskID, "event_type", p.EventType, "sink", s.sink.Name(), "error", err)
			failedTasks[p.TaskID] = true
			continue
		}
		if err := s.store.RecordNotification(ctx, p.TaskID, p.EventType); err != nil {
			s.logger.Error("sweep dedup record failed",
				"task_id", p.TaskID, "event_type", p.EventType, "error", err)
			failedTasks[p.TaskID] = true
			continue
		}
		if s.metrics != nil {
			s.metrics.SweepDeliveries.Add(ctx, 1)
		}
		delivered++
	}
	acked := make(map[string]bool)
	for _, p := range pending {
		if failedTasks[p.TaskID] || acked[p.TaskID] {
			continue
		}
		if err := s.store.MarkTaskAcknowledged(ctx, p.TaskID); err != nil {
			s.logger.Error("sweep acknowledge failed", "task_id", p.TaskID, "error", err)
			continue
		}
		acked[p.TaskID] = true
	}
	if delivered > 0 {
		s.logger.Info("sweep delivered missed notifications", "count", delivered)
	}
	return delivered
}

func formatNotification(p persistence.PendingNotification) string {
	text := fmt.Sprintf("Task %q is now %s", p.Title, p.NewStatus)
	if p.OldStatus != "" {
		text = fmt.Sprintf("Task %q moved %s → %s", p.Title, p.OldStatus, p.NewStatus)
	}
	if p.AgentID != "" {
		text += fmt.Sprintf(" (agent %s)", p.AgentID)
	}
	if p.Project != "" {
		text += fmt.Sprintf(" [%s]", p.Project)
	}
	return text
}
