package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/model"
)

// fakeExecutor emits a scripted event sequence instead of spawning a CLI.
type fakeExecutor struct {
	events   []model.AgentEvent
	result   ExecResult
	err      error
	requests []ExecRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req ExecRequest) (ExecResult, error) {
	f.requests = append(f.requests, req)
	for _, ev := range f.events {
		req.Emit(ev)
	}
	return f.result, f.err
}

func newTestOrch(t *testing.T, exec Executor, cfg Config) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.UpsertProject(&model.Project{ID: "p1", Name: "blog", RootPath: "/srv/blog", DefaultEngine: model.EngineClaude}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := st.CreateSession(&model.Session{ID: "sess-1", ProjectID: "p1", Provider: model.EngineClaude}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return New(st, exec, cfg, zap.NewNop()), st
}

func enqueue(t *testing.T, o *Orchestrator, key string) *model.Run {
	t.Helper()
	run, created, err := o.Enqueue(EnqueueRequest{
		ProjectID: "p1", SessionID: "sess-1",
		Prompt: "fix the bug", IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected a new run for key %s", key)
	}
	return run
}

// S1: enqueue, process, verify ordered events and the derived summary.
func TestProcessHappyPath(t *testing.T) {
	exec := &fakeExecutor{
		events: []model.AgentEvent{
			{Type: model.EventEngineMeta, Engine: "claude", Model: "m1"},
			{Type: model.EventTextDelta, Text: "working"},
			{Type: model.EventToolStart, ToolName: "Read", CallID: "c1"},
			{Type: model.EventToolEnd, ToolName: "Read", CallID: "c1"},
			{Type: model.EventRunFinished, Status: model.FinishSuccess},
		},
		result: ExecResult{Status: model.FinishSuccess, EngineSessionID: "eng-1", BytesIn: 11},
	}
	o, st := newTestOrch(t, exec, Config{})
	run := enqueue(t, o, "tg:1:1")

	if err := o.Process(context.Background(), "w1", 30*time.Second); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunCompleted || got.StartedAt == 0 || got.FinishedAt == 0 {
		t.Fatalf("unexpected run: %+v", got)
	}

	var summary model.RunSummary
	if err := json.Unmarshal([]byte(got.SummaryJSON), &summary); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if summary.ToolCallsCount != 1 || summary.ExitStatus != "success" || summary.BytesOut == 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.BytesIn != 11 {
		t.Fatalf("bytes_in = %d, want the executor's count", summary.BytesIn)
	}

	events, _ := st.ListRunEvents(run.ID, 0)
	if len(events) != 6 {
		t.Fatalf("event count = %d, want 6", len(events))
	}
	if events[0].EventType != "run_started" || events[5].EventType != "run_finished" {
		t.Fatalf("bad bracketing: first %s last %s", events[0].EventType, events[5].EventType)
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("gap at %d: seq %d", i, e.Seq)
		}
	}

	sess, _ := st.GetSession("sess-1")
	if sess.EngineSessionID != "eng-1" {
		t.Fatalf("engine session id not persisted: %q", sess.EngineSessionID)
	}
	job, _ := st.GetJobByRunID(run.ID)
	if job.Status != model.JobCompleted {
		t.Fatalf("job status = %s", job.Status)
	}
}

// S2: duplicate submission with the same idempotency key yields one run.
func TestEnqueueIdempotent(t *testing.T) {
	o, _ := newTestOrch(t, &fakeExecutor{}, Config{})
	run := enqueue(t, o, "tg:1:5")

	again, created, err := o.Enqueue(EnqueueRequest{
		ProjectID: "p1", SessionID: "sess-1",
		Prompt: "fix the bug", IdempotencyKey: "tg:1:5",
	})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if created || again.ID != run.ID {
		t.Fatalf("duplicate created a second run: %+v", again)
	}
}

func TestEnqueueRejectsActiveSession(t *testing.T) {
	o, _ := newTestOrch(t, &fakeExecutor{}, Config{})
	enqueue(t, o, "tg:1:1")

	_, _, err := o.Enqueue(EnqueueRequest{
		ProjectID: "p1", SessionID: "sess-1",
		Prompt: "another", IdempotencyKey: "tg:1:2",
	})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

// S4: kill switch rejects enqueue and requeues already-leased work.
func TestKillSwitch(t *testing.T) {
	var on atomic.Bool
	exec := &fakeExecutor{result: ExecResult{Status: model.FinishSuccess}}
	o, st := newTestOrch(t, exec, Config{KillSwitch: on.Load})

	run := enqueue(t, o, "tg:1:1")

	on.Store(true)
	if _, _, err := o.Enqueue(EnqueueRequest{
		ProjectID: "p1", SessionID: "sess-1",
		Prompt: "x", IdempotencyKey: "tg:1:2",
	}); !errors.Is(err, ErrRunsDisabled) {
		t.Fatalf("err = %v, want ErrRunsDisabled", err)
	}

	// The queued run leased under the switch goes back to the queue.
	job, err := o.Lease("w1", 30*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := o.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("process under kill switch: %v", err)
	}
	j, _ := st.GetJobByRunID(run.ID)
	if j.Status != model.JobQueued {
		t.Fatalf("job status = %s, want queued", j.Status)
	}
	if len(exec.requests) != 0 {
		t.Fatal("executor ran under kill switch")
	}
	got, _ := st.GetRun(run.ID)
	if got.Status.Terminal() {
		t.Fatalf("run finalized under kill switch: %s", got.Status)
	}
}

func TestExecutorFailureFinalizesRun(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("claude: executable not found")}
	o, st := newTestOrch(t, exec, Config{})
	run := enqueue(t, o, "tg:1:1")

	_ = o.Process(context.Background(), "w1", 30*time.Second)

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}
	job, _ := st.GetJobByRunID(run.ID)
	if job.Status != model.JobFailed || job.LastError == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	events, _ := st.ListRunEvents(run.ID, 0)
	last := events[len(events)-1]
	if last.EventType != "run_finished" {
		t.Fatalf("missing terminal event, last = %s", last.EventType)
	}
}

func TestCancelQueuedRunSkipsExecution(t *testing.T) {
	exec := &fakeExecutor{result: ExecResult{Status: model.FinishSuccess}}
	o, st := newTestOrch(t, exec, Config{})
	run := enqueue(t, o, "tg:1:1")

	job, err := o.Lease("w1", 30*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if ok, _ := o.Cancel(run.ID); !ok {
		t.Fatal("cancel rejected")
	}
	if err := o.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(exec.requests) != 0 {
		t.Fatal("cancelled run executed")
	}
	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunCancelled {
		t.Fatalf("run status = %s", got.Status)
	}
}

// Cancellation during execution wins over a success result, and the job
// mirrors the run instead of being marked failed.
func TestCancelDuringExecution(t *testing.T) {
	exec := &fakeExecutor{
		events: []model.AgentEvent{{Type: model.EventRunFinished, Status: model.FinishCancelled}},
		result: ExecResult{Status: model.FinishCancelled},
	}
	o, st := newTestOrch(t, exec, Config{})
	run := enqueue(t, o, "tg:1:1")

	if err := o.Process(context.Background(), "w1", 30*time.Second); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunCancelled {
		t.Fatalf("run status = %s", got.Status)
	}
	job, _ := st.GetJobByRunID(run.ID)
	if job.Status != model.JobCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}
}

// An explicit stop that lands while the executor runs must leave both the
// run and its job cancelled even though ProcessJob finishes afterwards.
func TestStopDuringExecutionCancelsJob(t *testing.T) {
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	o, st := newTestOrch(t, exec, Config{})
	run := enqueue(t, o, "tg:1:1")

	job, err := o.Lease("w1", 30*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- o.ProcessJob(context.Background(), job) }()
	<-exec.started

	if ok, _ := o.Cancel(run.ID); !ok {
		t.Fatal("cancel rejected")
	}
	exec.status = model.FinishCancelled
	close(exec.release)
	if err := <-done; err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunCancelled {
		t.Fatalf("run status = %s", got.Status)
	}
	j, _ := st.GetJobByRunID(run.ID)
	if j.Status != model.JobCancelled {
		t.Fatalf("job status = %s, want cancelled", j.Status)
	}
}

// blockingExecutor parks inside Execute until released, standing in for a
// long engine run.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
	status  model.FinishStatus
}

func (b *blockingExecutor) Execute(_ context.Context, req ExecRequest) (ExecResult, error) {
	close(b.started)
	<-b.release
	status := b.status
	if status == "" {
		status = model.FinishSuccess
	}
	req.Emit(model.AgentEvent{Type: model.EventRunFinished, Status: status})
	return ExecResult{Status: status}, nil
}

// A lease can expire while its worker still executes; the re-leased copy of
// the job must go back to the queue instead of running the session twice.
func TestSessionBusyRequeuesReleasedJob(t *testing.T) {
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	o, st := newTestOrch(t, exec, Config{})
	run := enqueue(t, o, "tg:1:1")

	job, err := o.Lease("w1", time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- o.ProcessJob(context.Background(), job) }()
	<-exec.started

	time.Sleep(5 * time.Millisecond)
	release, err := o.Lease("w2", 30*time.Second)
	if err != nil {
		t.Fatalf("re-lease after expiry: %v", err)
	}
	if release.ID != job.ID {
		t.Fatalf("unexpected job re-leased: %+v", release)
	}
	if err := o.ProcessJob(context.Background(), release); err != nil {
		t.Fatalf("second process: %v", err)
	}
	j, _ := st.GetJobByRunID(run.ID)
	if j.Status != model.JobQueued || j.AvailableAt <= model.NowMillis() {
		t.Fatalf("re-leased job not backed off: %+v", j)
	}
	events, _ := st.ListRunEvents(run.ID, 0)
	if len(events) != 1 {
		t.Fatalf("second pass appended events: %d", len(events))
	}

	close(exec.release)
	if err := <-done; err != nil {
		t.Fatalf("first process: %v", err)
	}
	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("run status = %s", got.Status)
	}
}

// S7: a stale in_flight run is abandoned and its job requeued.
func TestReconcileAbandonsStaleRuns(t *testing.T) {
	o, st := newTestOrch(t, &fakeExecutor{}, Config{StaleAfter: time.Nanosecond})
	run := enqueue(t, o, "tg:1:1")
	if _, err := o.Lease("w1", 30*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := st.MarkRunInFlight(run.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := o.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := st.GetRun(run.ID)
	if got.Status != model.RunAbandoned {
		t.Fatalf("run status = %s", got.Status)
	}
	job, _ := st.GetJobByRunID(run.ID)
	if job.Status != model.JobQueued {
		t.Fatalf("job status = %s", job.Status)
	}
}

func TestEventSinkObservesEvents(t *testing.T) {
	exec := &fakeExecutor{
		events: []model.AgentEvent{
			{Type: model.EventTextDelta, Text: "hi"},
			{Type: model.EventRunFinished, Status: model.FinishSuccess},
		},
		result: ExecResult{Status: model.FinishSuccess},
	}
	o, _ := newTestOrch(t, exec, Config{})
	enqueue(t, o, "tg:1:1")

	var seen []model.EventType
	o.SetEventSink(sinkFunc(func(run *model.Run, seq int64, ev model.AgentEvent) {
		seen = append(seen, ev.Type)
	}))
	if err := o.Process(context.Background(), "w1", 30*time.Second); err != nil {
		t.Fatalf("process: %v", err)
	}
	want := []model.EventType{model.EventRunStarted, model.EventTextDelta, model.EventRunFinished}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

type sinkFunc func(run *model.Run, seq int64, ev model.AgentEvent)

func (f sinkFunc) RunEvent(run *model.Run, seq int64, ev model.AgentEvent) { f(run, seq, ev) }
