// Package gateway exposes the orchestration core over HTTP: task lifecycle
// mutations, reads, agent telemetry ingest, budget admission, and the live
// change stream.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kestrel/warden/internal/admission"
	"github.com/kestrel/warden/internal/bus"
	"github.com/kestrel/warden/internal/dispatch"
	"github.com/kestrel/warden/internal/health"
	"github.com/kestrel/warden/internal/otel"
	"github.com/kestrel/warden/internal/persistence"
	"github.com/kestrel/warden/internal/pricing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// recentlyCompletedWindow bounds the completed list on the active view.
const recentlyCompletedWindow = 24 * time.Hour

type Config struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Admission  *admission.Controller
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer

	AuthToken string
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/active", s.handleActiveTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskSubresource)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionEvents)
	mux.HandleFunc("/api/v1/budget/check", s.handleBudgetCheck)
	mux.HandleFunc("/api/v1/budgets/", s.handleBudgetByAgent)
	mux.HandleFunc("/api/v1/costs", s.handleCosts)
	mux.HandleFunc("/api/v1/zombies", s.handleZombies)
	mux.HandleFunc("/api/v1/zombies/", s.handleZombieClear)
	mux.HandleFunc("/api/v1/events", s.handleEventStream)
	mux.HandleFunc("/api/v1/events/ws", s.handleEventStreamWS)
	return s.instrument(mux)
}

// instrument wraps the mux with a server span and the request duration
// histogram. The response writer is passed through untouched so the stream
// handlers keep their Flusher and Hijacker interfaces.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Tracer != nil {
			ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer,
				r.Method+" "+r.URL.Path,
				attribute.String("http.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			)
			defer span.End()
			r = r.WithContext(ctx)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	running, err := s.cfg.Store.RunningCount(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"running_tasks":  running,
		"max_concurrent": s.cfg.Dispatcher.MaxConcurrent(),
	})
}

// handleTasks serves POST (create) and GET (list) on /api/v1/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Project        string `json:"project"`
	Priority       int    `json:"priority"`
	CreatedBy      string `json:"created_by"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	SessionKey     string `json:"session_key"`
	Queued         bool   `json:"queued"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	task, err := s.cfg.Store.CreateTask(r.Context(), persistence.NewTask{
		Title:          req.Title,
		Description:    req.Description,
		Project:        req.Project,
		Priority:       req.Priority,
		CreatedBy:      req.CreatedBy,
		TimeoutSeconds: req.TimeoutSeconds,
		SessionKey:     req.SessionKey,
		Queued:         req.Queued,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := persistence.TaskFilter{
		Project: r.URL.Query().Get("project"),
		Status:  persistence.Status(r.URL.Query().Get("status")),
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// activeTask is a running task annotated with liveness readings.
type activeTask struct {
	persistence.Task
	ElapsedSeconds  int64              `json:"elapsed_seconds"`
	SinceHeartbeat  int64              `json:"since_heartbeat"`
	IsStalled       bool               `json:"is_stalled"`
	EffectiveStatus persistence.Status `json:"effective_status"`
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	running, err := s.cfg.Store.RunningTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	now := time.Now()
	active := make([]activeTask, 0, len(running))
	for i := range running {
		live := health.Compute(&running[i], now)
		active = append(active, activeTask{
			Task:            running[i],
			ElapsedSeconds:  live.ElapsedSeconds,
			SinceHeartbeat:  live.SinceHeartbeat,
			IsStalled:       live.IsStalled,
			EffectiveStatus: health.EffectiveStatus(&running[i], now),
		})
	}
	completed, err := s.cfg.Store.RecentlyCompleted(r.Context(), recentlyCompletedWindow, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":             active,
		"recently_completed": completed,
	})
}

// handleTaskSubresource routes /api/v1/tasks/{id}, /{id}/actions,
// /{id}/heartbeat and /{id}/events.
func (s *Server) handleTaskSubresource(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	switch sub {
	case "":
		s.getTask(w, r, taskID)
	case "actions":
		s.mutateTask(w, r, taskID)
	case "heartbeat":
		s.recordHeartbeat(w, r, taskID)
	case "events":
		s.listTaskEvents(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type mutateTaskRequest struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id"`
	Result  string `json:"result"`
}

func (s *Server) mutateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mutateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		http.Error(w, "action required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, s.cfg.Tracer, "task.apply_action",
			otel.AttrTaskID.String(taskID),
			otel.AttrAction.String(req.Action),
		)
		defer span.End()
	}

	start := time.Now()
	before, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	task, err := s.cfg.Store.ApplyAction(ctx, taskID, persistence.Action(req.Action), persistence.ActionArgs{
		AgentID: req.AgentID,
		Result:  req.Result,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MutationDuration.Record(ctx, time.Since(start).Seconds())
	}

	// A freed running slot may unblock the backlog. Freshly planned tasks are
	// left for the scheduler tick so the client can still run them directly.
	if before.Status == persistence.StatusRunning {
		s.cfg.Dispatcher.DispatchNext(ctx)
	}
	writeJSON(w, http.StatusOK, task)
}

type heartbeatRequest struct {
	Message string `json:"message"`
}

func (s *Server) recordHeartbeat(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	accepted, err := s.cfg.Store.RecordHeartbeat(r.Context(), taskID, req.Message)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !accepted {
		http.Error(w, "task is not running", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) listTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type sessionEventRequest struct {
	AgentID    string `json:"agent_id"`
	Kind       string `json:"kind"`
	Payload    string `json:"payload"`
	TokensUsed int    `json:"tokens_used"`
}

// handleSessionEvents ingests agent telemetry at
// POST /api/v1/sessions/{key}/events. The event log feeds the zombie
// detector's heuristics.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	sessionKey, sub, _ := strings.Cut(rest, "/")
	if sessionKey == "" || sub != "events" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrSessionKey.String(sessionKey))
	err := s.cfg.Store.AppendAgentEvent(r.Context(), persistence.AgentEvent{
		SessionKey: sessionKey,
		AgentID:    req.AgentID,
		Kind:       req.Kind,
		Payload:    req.Payload,
		TokensUsed: req.TokensUsed,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type budgetCheckRequest struct {
	AgentID            string `json:"agent_id"`
	EstimatedCostCents int64  `json:"estimated_cost_cents"`
}

func (s *Server) handleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req budgetCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id required", http.StatusBadRequest)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrAgentID.String(req.AgentID))
	result := s.cfg.Admission.CheckBudget(r.Context(), req.AgentID, req.EstimatedCostCents)
	if !result.Allowed && s.cfg.Metrics != nil {
		s.cfg.Metrics.BudgetBlocks.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusOK, result)
}

// handleBudgetByAgent routes /api/v1/budgets/{agent_id} and
// /api/v1/budgets/{agent_id}/clear-pause.
func (s *Server) handleBudgetByAgent(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/budgets/")
	agentID, sub, _ := strings.Cut(rest, "/")
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.getBudget(w, r, agentID)
	case sub == "" && r.Method == http.MethodPut:
		s.putBudget(w, r, agentID)
	case sub == "clear-pause" && r.Method == http.MethodPost:
		if err := s.cfg.Store.ClearPause(r.Context(), agentID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getBudget(w http.ResponseWriter, r *http.Request, agentID string) {
	budget, err := s.cfg.Store.GetBudget(r.Context(), agentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	spend, err := s.cfg.Store.CurrentSpend(r.Context(), agentID, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budget": budget, "spend": spend})
}

type putBudgetRequest struct {
	DailyLimitCents   int64 `json:"daily_limit_cents"`
	WeeklyLimitCents  int64 `json:"weekly_limit_cents"`
	MonthlyLimitCents int64 `json:"monthly_limit_cents"`
	AlertThresholdPct int   `json:"alert_threshold_pct"`
}

func (s *Server) putBudget(w http.ResponseWriter, r *http.Request, agentID string) {
	var req putBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	err := s.cfg.Store.UpsertBudget(r.Context(), persistence.AgentBudget{
		AgentID:           agentID,
		DailyLimitCents:   req.DailyLimitCents,
		WeeklyLimitCents:  req.WeeklyLimitCents,
		MonthlyLimitCents: req.MonthlyLimitCents,
		AlertThresholdPct: req.AlertThresholdPct,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

type logCostRequest struct {
	AgentID   string `json:"agent_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Tokens    int    `json:"tokens"`
	CostCents int64  `json:"cost_cents"`
	TaskID    string `json:"task_id"`
}

// handleCosts appends a spend ledger entry. When cost_cents is absent the
// cost is estimated from the model's published token pricing.
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req logCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.CostCents == 0 && req.Model != "" && req.Tokens > 0 {
		req.CostCents = pricing.EstimateCents(req.Model, req.Tokens)
	}
	err := s.cfg.Store.LogCost(r.Context(), persistence.CostEntry{
		AgentID:   req.AgentID,
		Provider:  req.Provider,
		Model:     req.Model,
		Tokens:    req.Tokens,
		CostCents: req.CostCents,
		TaskID:    req.TaskID,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cost_cents": req.CostCents})
}

func (s *Server) handleZombies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	flags, err := s.cfg.Store.ListZombieFlags(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

// handleZombieClear serves POST /api/v1/zombies/{session_key}/clear: an
// operator decided the flagged session is healthy after all.
func (s *Server) handleZombieClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/zombies/")
	sessionKey, sub, _ := strings.Cut(rest, "/")
	if sessionKey == "" || sub != "clear" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Store.ClearZombie(r.Context(), sessionKey); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, persistence.ErrInvalidAction):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
