package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kestrel/warden/internal/bus"
)

// keepAliveInterval is how often an idle stream emits a liveness frame so
// intermediaries do not reap the connection.
const keepAliveInterval = 30 * time.Second

// streamFrame is one server-push frame on the live change stream.
type streamFrame struct {
	Type      string `json:"type"` // task_changed | budget_paused | zombie_flagged | keep_alive
	TaskID    string `json:"task_id,omitempty"`
	Title     string `json:"title,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Project   string `json:"project,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func frameFor(event bus.Event) *streamFrame {
	switch payload := event.Payload.(type) {
	case bus.TaskChangeEvent:
		return &streamFrame{
			Type:      "task_changed",
			TaskID:    payload.TaskID,
			Title:     payload.Title,
			OldStatus: payload.OldStatus,
			NewStatus: payload.NewStatus,
			AgentID:   payload.AgentID,
			Project:   payload.Project,
		}
	case bus.BudgetPausedEvent:
		return &streamFrame{
			Type:    "budget_paused",
			AgentID: payload.AgentID,
			Reason:  payload.Reason,
		}
	case bus.ZombieFlaggedEvent:
		return &streamFrame{
			Type:    "zombie_flagged",
			TaskID:  payload.SessionKey,
			AgentID: payload.AgentID,
			Reason:  payload.Heuristic,
		}
	default:
		return nil
	}
}

// handleEventStream implements GET /api/v1/events as an SSE stream of task
// changes. Every exit path unsubscribes from the bus and stops the keep-alive
// ticker; a disconnected client leaves nothing behind.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StreamClients.Add(r.Context(), 1)
		defer s.cfg.Metrics.StreamClients.Add(r.Context(), -1)
	}
	s.cfg.Logger.Debug("sse: client connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Debug("sse: client disconnected")
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := frameFor(event)
			if frame == nil {
				continue
			}
			data, err := json.Marshal(frame)
			if err != nil {
				s.cfg.Logger.Error("sse: marshal frame", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
				s.cfg.Logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleEventStreamWS is the WebSocket flavor of the change stream for
// clients that want bidirectional framing or cannot hold SSE open.
func (s *Server) handleEventStreamWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StreamClients.Add(r.Context(), 1)
		defer s.cfg.Metrics.StreamClients.Add(r.Context(), -1)
	}
	s.cfg.Logger.Debug("ws: client connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Debug("ws: client disconnected")
			return

		case <-keepAlive.C:
			if err := wsjson.Write(ctx, conn, &streamFrame{Type: "keep_alive"}); err != nil {
				return
			}

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := frameFor(event)
			if frame == nil {
				continue
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.cfg.Logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}
