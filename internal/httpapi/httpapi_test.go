package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/model"
)

type fakeCanceller struct {
	cancelled []string
	result    bool
}

func (f *fakeCanceller) Cancel(runID string) (bool, error) {
	f.cancelled = append(f.cancelled, runID)
	return f.result, nil
}

type fakeStats struct{ active, processed, failed int64 }

func (f fakeStats) Active() int64    { return f.active }
func (f fakeStats) Processed() int64 { return f.processed }
func (f fakeStats) Failed() int64    { return f.failed }

func newTestAPI(t *testing.T, cfg Config) (*Handler, *store.Store, *fakeCanceller) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	canceller := &fakeCanceller{result: true}
	h := New(st, canceller, fakeStats{active: 1, processed: 5, failed: 2}, cfg, zap.NewNop())
	return h, st, canceller
}

func seedRun(t *testing.T, st *store.Store, status model.RunStatus) *model.Run {
	t.Helper()
	if err := st.UpsertProject(&model.Project{ID: "p1", Name: "Deck", RootPath: "/tmp/deck", DefaultEngine: model.EngineClaude}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	sess := &model.Session{ID: "sess-1", ProjectID: "p1", Provider: model.EngineClaude}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	run := &model.Run{
		ID: "r1", ProjectID: "p1", SessionID: "sess-1",
		IdempotencyKey: "tg:1:1", Prompt: "hello",
	}
	if err := st.CreateRunWithJob(run, &model.Job{ID: "j1", RunID: "r1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if status.Terminal() {
		if err := st.FinalizeRun("r1", status, `{"duration_ms":10}`); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	for _, payload := range []string{
		`{"type":"run_started"}`,
		`{"type":"text_delta","text":"hi"}`,
	} {
		var ev struct {
			Type string `json:"type"`
		}
		json.Unmarshal([]byte(payload), &ev)
		if _, err := st.AppendRunEvent("r1", ev.Type, payload); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	return run
}

func get(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	h, _, _ := newTestAPI(t, Config{})
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	h, st, _ := newTestAPI(t, Config{})
	seedRun(t, st, model.RunQueued)

	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`agentdeck_runs_total{status="queued"} 1`,
		"agentdeck_worker_active 1",
		"agentdeck_worker_processed_total 5",
		"agentdeck_worker_failed_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestListProjectsAndSessions(t *testing.T) {
	h, st, _ := newTestAPI(t, Config{})
	seedRun(t, st, model.RunQueued)

	rec := get(t, h, "/api/projects")
	var projects []*model.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &projects); err != nil || len(projects) != 1 {
		t.Fatalf("projects: %d %s", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/api/sessions?project=p1")
	var sessions []*model.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil || len(sessions) != 1 {
		t.Fatalf("sessions: %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetRunDetail(t *testing.T) {
	h, st, _ := newTestAPI(t, Config{})
	seedRun(t, st, model.RunQueued)

	rec := get(t, h, "/api/runs/r1")
	var detail runDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Run.ID != "r1" || detail.Job == nil || detail.Job.ID != "j1" {
		t.Fatalf("detail = %+v", detail)
	}

	if rec := get(t, h, "/api/runs/ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("ghost run = %d", rec.Code)
	}
}

func TestRunEventsAfterSeq(t *testing.T) {
	h, st, _ := newTestAPI(t, Config{})
	seedRun(t, st, model.RunQueued)

	rec := get(t, h, "/api/runs/r1/events")
	var events []*model.RunEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil || len(events) != 2 {
		t.Fatalf("events: %d %s", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/api/runs/r1/events?after=1")
	events = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil || len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("after=1: %s", rec.Body.String())
	}
}

func TestRunEventsFollowDrainsTerminalRun(t *testing.T) {
	h, st, _ := newTestAPI(t, Config{})
	seedRun(t, st, model.RunCompleted)

	rec := get(t, h, "/api/runs/r1/events?follow=1")
	body := rec.Body.String()
	if !strings.Contains(body, "event: text_delta") || !strings.Contains(body, `"text":"hi"`) {
		t.Fatalf("sse body:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestCancelRun(t *testing.T) {
	h, st, canceller := newTestAPI(t, Config{})
	seedRun(t, st, model.RunQueued)

	req := httptest.NewRequest(http.MethodPost, "/api/runs/r1/cancel", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body.String())
	}
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "r1" {
		t.Fatalf("cancelled = %v", canceller.cancelled)
	}

	// Already-finished runs report a conflict.
	canceller.result = false
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/r1/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d", rec.Code)
	}
}

func TestBasicAuthGuardsAPI(t *testing.T) {
	h, _, _ := newTestAPI(t, Config{BasicAuthUser: "deck", BasicAuthPass: "secret"})

	if rec := get(t, h, "/api/projects"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d", rec.Code)
	}
	// Probes stay open.
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz behind auth = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.SetBasicAuth("deck", "secret")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated = %d", rec.Code)
	}
}
