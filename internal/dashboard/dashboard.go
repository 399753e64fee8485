// Package dashboard is the supervisor's HTTP+JSON control surface: task and
// proposal lifecycle commands, read-only state views, and a constrained
// settings mutation endpoint (spec.md §6). Generalized from the teacher's
// internal/gateway REST handlers (bearer-token auth, json.NewEncoder
// responses, query-param pagination), routed with chi instead of a bare
// ServeMux because several routes carry a path parameter.
package dashboard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sepipe/sepiped/internal/bus"
	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/seed"
	"github.com/sepipe/sepiped/internal/shared"
	"github.com/sepipe/sepiped/internal/store"
)

const (
	defaultListLimit  = 50
	defaultEventLimit = 200
	defaultQueueLimit = 200
)

// Config wires the dashboard to the rest of the supervisor.
type Config struct {
	Store *store.Store
	Bus   *bus.Bus

	// Cfg is the live runtime configuration; CfgMu guards mutation by
	// PUT/POST /settings. The supervisor's other components currently take
	// a config.Config snapshot at construction (internal/seed, internal/phase),
	// so Cfg is this process's single source of truth for what a fresh
	// snapshot should contain going forward.
	Cfg   *config.Config
	CfgMu *sync.RWMutex

	// ForceRestart arms the self-update engine's force-restart flag
	// (internal/selfupdate.Engine.ForceRestart), consumed by POST /release.
	ForceRestart func()

	// AuthToken, when non-empty, is required as a Bearer token on every
	// request. Empty disables auth, for local/dev use.
	AuthToken string

	// CORSOrigins, when non-empty, enables github.com/go-chi/cors with this
	// allow-list. Empty disables the middleware entirely.
	CORSOrigins []string

	Logger *slog.Logger
}

// Server serves the control surface.
type Server struct {
	cfg Config
}

// New creates a Server. Callers must have already applied defaults to cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CfgMu == nil {
		cfg.CfgMu = &sync.RWMutex{}
	}
	return &Server{cfg: cfg}
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceID)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			MaxAge:           300,
			AllowCredentials: false,
		}))
	}
	r.Use(s.authorize)

	r.Post("/tasks", s.handleCreateTask)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Delete("/tasks/{id}", s.handleDeleteTask)
	r.Post("/tasks/{id}/retry", s.handleRetryTask)
	r.Get("/tasks/{id}/stream", s.handleTaskStream)

	r.Post("/release", s.handleRelease)

	r.Post("/proposals/{id}/approve", s.handleProposalApprove)
	r.Post("/proposals/{id}/dismiss", s.handleProposalDismiss)
	r.Post("/proposals/{id}/reopen", s.handleProposalReopen)
	r.Get("/proposals", s.handleListProposals)

	r.Get("/queue", s.handleQueue)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)

	r.Put("/settings", s.handleSettings)
	r.Post("/settings", s.handleSettings)

	return r
}

// authorize rejects requests missing the configured bearer token. A blank
// AuthToken disables the check.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + s.cfg.AuthToken
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceID stamps every request with a trace id, surfaced on the response as
// X-Trace-Id and attached to the request context so handlers' error logs
// (internalError) can be correlated back to a single client request.
func (s *Server) traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		w.Header().Set("X-Trace-Id", shared.TraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// internalError logs a handler failure with its trace id before returning it
// to the client, so a reported trace id can be grepped out of the server log.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.cfg.Logger.Error("dashboard: request failed", "trace_id", shared.TraceID(r.Context()), "path", r.URL.Path, "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// createTaskRequest is the POST /tasks body (spec.md §6).
type createTaskRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Repo          string `json:"repo"`
	Mode          string `json:"mode"`
	NotifyChannel string `json:"notify_channel"`
}

// handleCreateTask files a new backlog task. mode="direct" skips straight to
// the implementation phase for work that is already fully specified; any
// other value (including the default, blank) enters at the normal backlog
// entry point.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Repo == "" {
		http.Error(w, "title and repo are required", http.StatusBadRequest)
		return
	}

	status := store.StatusBacklog
	if req.Mode == "direct" {
		status = store.StatusImpl
	}

	id, err := s.cfg.Store.CreateTask(r.Context(), store.Task{
		Title:         req.Title,
		Description:   req.Description,
		RepoPath:      req.Repo,
		Status:        status,
		Creator:       "dashboard",
		NotifyChannel: req.NotifyChannel,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), statusFilter, limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	t, err := s.cfg.Store.GetTask(r.Context(), id)
	if err == store.ErrNotFound {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDeleteTask marks a task failed rather than removing its row, so its
// history survives for the events/status views (spec.md §6: "mark failed").
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	err = s.cfg.Store.Transition(r.Context(), id, store.TaskTransition{
		Status:          store.StatusFailed,
		Attempt:         -1,
		ClearDispatched: true,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.Recycle(r.Context(), id); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRelease arms the self-update force-restart flag.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ForceRestart == nil {
		http.Error(w, "self-update not configured", http.StatusServiceUnavailable)
		return
	}
	s.cfg.ForceRestart()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProposalApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	if err := seed.Approve(r.Context(), s.cfg.Store, id); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProposalDismiss(w http.ResponseWriter, r *http.Request) {
	s.decideProposal(w, r, store.ProposalDismissed)
}

// handleProposalReopen sends a dismissed or auto-dismissed proposal back to
// the pending queue for another look.
func (s *Server) handleProposalReopen(w http.ResponseWriter, r *http.Request) {
	s.decideProposal(w, r, store.ProposalProposed)
}

func (s *Server) decideProposal(w http.ResponseWriter, r *http.Request, status store.ProposalStatus) {
	id, err := pathInt64(r, "id")
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.DecideProposal(r.Context(), id, status); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		proposals, err := s.cfg.Store.ProposalsByStatus(r.Context(), store.ProposalStatus(statusFilter))
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
		return
	}
	proposals, err := s.cfg.Store.AllProposals(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueueLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.cfg.Store.AllQueueEntries(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": entries})
}

// handleStatus is a coarse operator-facing snapshot: active task counts by
// status, queue depth, and pending-proposal count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.cfg.Store.ActiveTasks(r.Context(), 1000)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	byStatus := map[string]int{}
	for _, t := range active {
		byStatus[string(t.Status)]++
	}

	queued, err := s.cfg.Store.AllQueueEntries(r.Context(), 1000)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	pending, err := s.cfg.Store.ProposalsByStatus(r.Context(), store.ProposalProposed)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.cfg.CfgMu.RLock()
	var continuousMode bool
	if s.cfg.Cfg != nil {
		continuousMode = s.cfg.Cfg.ContinuousMode
	}
	s.cfg.CfgMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"active_tasks":      len(active),
		"tasks_by_status":   byStatus,
		"queue_depth":       len(queued),
		"pending_proposals": len(pending),
		"continuous_mode":   continuousMode,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleSettings applies a batch of allow-listed settings to the live
// configuration and persists each one to the state table (spec.md §6).
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	for key := range body {
		if !config.SettingsAllowList[key] {
			http.Error(w, fmt.Sprintf("setting %q is not allowed", key), http.StatusBadRequest)
			return
		}
	}

	s.cfg.CfgMu.Lock()
	for key, value := range body {
		if err := config.ApplySetting(s.cfg.Cfg, key, value); err != nil {
			s.cfg.CfgMu.Unlock()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.cfg.CfgMu.Unlock()

	for key, value := range body {
		if err := s.cfg.Store.SetState(r.Context(), "settings:"+key, value); err != nil {
			s.internalError(w, r, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
