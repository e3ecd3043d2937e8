// Package httpapi serves the read-mostly dashboard API: health probes, a
// text metrics endpoint, and JSON views over projects, sessions, runs and
// their event streams. The only mutation it allows is cancelling a run.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/model"
)

// Canceller is the one orchestrator operation the API exposes.
type Canceller interface {
	Cancel(runID string) (bool, error)
}

// WorkerStats reports worker pool gauges for /metrics.
type WorkerStats interface {
	Active() int64
	Processed() int64
	Failed() int64
}

// Config carries the optional basic auth credentials guarding /api.
type Config struct {
	BasicAuthUser string
	BasicAuthPass string
}

// Handler is the HTTP API. Business logic lives in the store and the
// orchestrator; this layer only shapes requests and responses.
type Handler struct {
	store  *store.Store
	runs   Canceller
	stats  WorkerStats
	cfg    Config
	logger *zap.Logger
	router chi.Router
}

func New(st *store.Store, runs Canceller, stats WorkerStats, cfg Config, logger *zap.Logger) *Handler {
	h := &Handler{store: st, runs: runs, stats: stats, cfg: cfg, logger: logger}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.handleReady)
	r.Get("/metrics", h.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		if h.cfg.BasicAuthUser != "" {
			r.Use(middleware.BasicAuth("agentdeck", map[string]string{
				h.cfg.BasicAuthUser: h.cfg.BasicAuthPass,
			}))
		}
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/projects", h.handleListProjects)
		r.Get("/sessions", h.handleListSessions)
		r.Get("/runs", h.handleListRuns)
		r.Get("/runs/{id}", h.handleGetRun)
		r.Get("/runs/{id}/events", h.handleRunEvents)
		r.Post("/runs/{id}/cancel", h.handleCancelRun)
		r.Get("/files", h.handleListFiles)
		r.Get("/audits", h.handleListAudits)
	})

	return r
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.ListProjects(); err != nil {
		h.logger.Error("readiness probe", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.Write([]byte("ok"))
}

// handleMetrics renders Prometheus text format by hand; the counter surface
// is small enough that a client library would be heavier than the output.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountRunsByStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counting runs")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintln(w, "# HELP agentdeck_runs_total Runs by status.")
	fmt.Fprintln(w, "# TYPE agentdeck_runs_total gauge")
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "agentdeck_runs_total{status=%q} %d\n", status, counts[model.RunStatus(status)])
	}

	if h.stats != nil {
		fmt.Fprintln(w, "# HELP agentdeck_worker_active Jobs currently executing.")
		fmt.Fprintln(w, "# TYPE agentdeck_worker_active gauge")
		fmt.Fprintf(w, "agentdeck_worker_active %d\n", h.stats.Active())
		fmt.Fprintln(w, "# HELP agentdeck_worker_processed_total Jobs processed since start.")
		fmt.Fprintln(w, "# TYPE agentdeck_worker_processed_total counter")
		fmt.Fprintf(w, "agentdeck_worker_processed_total %d\n", h.stats.Processed())
		fmt.Fprintln(w, "# HELP agentdeck_worker_failed_total Jobs failed since start.")
		fmt.Fprintln(w, "# TYPE agentdeck_worker_failed_total counter")
		fmt.Fprintf(w, "agentdeck_worker_failed_total %d\n", h.stats.Failed())
	}
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects()
	if err != nil {
		h.logger.Error("listing projects", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	limit := queryInt(r, "limit", 50)

	var projects []*model.Project
	if projectID != "" {
		projects = append(projects, &model.Project{ID: projectID})
	} else {
		var err error
		projects, err = h.store.ListProjects()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list projects")
			return
		}
	}

	sessions := []*model.Session{}
	for _, p := range projects {
		batch, err := h.store.ListSessionsByProject(p.ID, limit)
		if err != nil {
			h.logger.Error("listing sessions", zap.String("project_id", p.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		sessions = append(sessions, batch...)
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runDetailResponse struct {
	Run *model.Run `json:"run"`
	Job *model.Job `json:"job,omitempty"`
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.GetRun(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	job, err := h.store.GetJobByRunID(id)
	if err != nil {
		job = nil
	}
	writeJSON(w, http.StatusOK, runDetailResponse{Run: run, Job: job})
}

// handleRunEvents returns a run's persisted events after ?after=<seq>.
// With ?follow=1 it switches to SSE and keeps polling the store until the
// run reaches a terminal status.
func (h *Handler) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.GetRun(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	after := int64(queryInt(r, "after", 0))

	if r.URL.Query().Get("follow") == "" {
		events, err := h.store.ListRunEvents(id, after)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list events")
			return
		}
		if events == nil {
			events = []*model.RunEvent{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		events, err := h.store.ListRunEvents(id, after)
		if err != nil {
			h.logger.Error("streaming events", zap.String("run_id", id), zap.Error(err))
			return
		}
		for _, e := range events {
			writeSSE(w, e)
			after = e.Seq
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		run, err = h.store.GetRun(id)
		if err != nil || run.Status.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetRun(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	cancelled, err := h.runs.Cancel(id)
	if err != nil {
		h.logger.Error("cancelling run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListFileRecords(queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	if records == nil {
		records = []*model.FileRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleListAudits(w http.ResponseWriter, r *http.Request) {
	audits, err := h.store.ListAudits(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audits")
		return
	}
	if audits == nil {
		audits = []*model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, audits)
}

// --- Helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, e *model.RunEvent) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.EventType, e.PayloadJSON)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
