// Package orchestrator owns the run lifecycle: idempotent enqueue, leased
// processing against an engine executor, and reconciliation of runs whose
// worker disappeared.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/model"
)

var (
	// ErrSessionActive means the session already has a queued or running run.
	ErrSessionActive = errors.New("session already has an active run")
	// ErrRunsDisabled means the kill switch rejected the request.
	ErrRunsDisabled = errors.New("runs are disabled")
)

const (
	// DefaultStaleAfter is how long an in_flight run may go without
	// finishing before reconciliation abandons it.
	DefaultStaleAfter = time.Hour
	// killSwitchRequeueDelay spaces out retries of jobs leased while the
	// kill switch is on.
	killSwitchRequeueDelay = 30 * time.Second
	// sessionBusyRequeueDelay backs off a job re-leased while its session
	// is still executing under an expired lease.
	sessionBusyRequeueDelay = 5 * time.Second
)

// Executor runs one prompt against an engine CLI, emitting normalized
// events through emit as they arrive. It returns the terminal status and
// the engine-assigned session id, if one was observed.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ExecRequest is everything an executor needs for one run.
type ExecRequest struct {
	Run     *model.Run
	Session *model.Session
	Project *model.Project
	Unsafe  bool
	Emit    func(ev model.AgentEvent)
}

// ExecResult is the executor's verdict for a finished run.
type ExecResult struct {
	Status          model.FinishStatus
	EngineSessionID string
	// BytesIn is how much input the executor handed the engine.
	BytesIn int64
}

// EventSink observes persisted events, e.g. the progress streamer.
type EventSink interface {
	RunEvent(run *model.Run, seq int64, ev model.AgentEvent)
}

// Config tunes orchestrator behavior.
type Config struct {
	// KillSwitch reports whether new work is currently refused. Nil means
	// never.
	KillSwitch func() bool
	// StaleAfter overrides DefaultStaleAfter when positive.
	StaleAfter time.Duration
	// UnsafeForRun reports whether the chat that enqueued the run has an
	// open unsafe window at execution time. Nil means always safe.
	UnsafeForRun func(run *model.Run) bool
}

// Orchestrator coordinates store, executor, and sink.
type Orchestrator struct {
	store  *store.Store
	exec   Executor
	sink   EventSink
	logger *zap.Logger
	cfg    Config

	mu             sync.Mutex
	activeSessions map[string]struct{}
}

func New(st *store.Store, exec Executor, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:          st,
		exec:           exec,
		logger:         logger,
		cfg:            cfg,
		activeSessions: make(map[string]struct{}),
	}
}

// SetEventSink installs the sink notified for every persisted event.
func (o *Orchestrator) SetEventSink(sink EventSink) { o.sink = sink }

// SetExecutor installs the executor after construction; the executor needs
// the orchestrator's cancellation lookup, so the two are built in order.
func (o *Orchestrator) SetExecutor(exec Executor) { o.exec = exec }

// Store exposes the backing store to collaborators that render run state.
func (o *Orchestrator) Store() *store.Store { return o.store }

// EnqueueRequest describes one prompt submission.
type EnqueueRequest struct {
	ProjectID      string
	SessionID      string
	Prompt         string
	IdempotencyKey string
}

// Enqueue records a run and its job. Resubmitting the same idempotency key
// returns the existing run with created=false. A session with an active run
// rejects new work with ErrSessionActive.
func (o *Orchestrator) Enqueue(req EnqueueRequest) (*model.Run, bool, error) {
	if o.killSwitchOn() {
		return nil, false, ErrRunsDisabled
	}

	if existing, err := o.store.GetRunByIdempotencyKey(req.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if _, err := o.store.FindActiveRunBySession(req.SessionID); err == nil {
		return nil, false, ErrSessionActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	run := &model.Run{
		ID:             uuid.New().String()[:8],
		ProjectID:      req.ProjectID,
		SessionID:      req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
		Prompt:         req.Prompt,
	}
	job := &model.Job{ID: uuid.New().String()[:8]}
	if err := o.store.CreateRunWithJob(run, job); err != nil {
		// Lost a race with a duplicate submission: surface the winner.
		if existing, lookupErr := o.store.GetRunByIdempotencyKey(req.IdempotencyKey); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("creating run: %w", err)
	}
	o.logger.Info("run enqueued",
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID),
		zap.String("project_id", run.ProjectID))
	return run, true, nil
}

// Cancel requests cancellation of a run. Queued runs die immediately; an
// in-flight run is flagged for the executor's cancellation poll.
func (o *Orchestrator) Cancel(runID string) (bool, error) {
	ok, err := o.store.CancelRun(runID)
	if err == nil && ok {
		o.logger.Info("run cancelled", zap.String("run_id", runID))
	}
	return ok, err
}

// Lease claims the next schedulable job for owner.
func (o *Orchestrator) Lease(owner string, lease time.Duration) (*model.Job, error) {
	return o.store.LeaseNextJob(owner, lease)
}

// RenewLease extends a held lease; false means the lease was lost.
func (o *Orchestrator) RenewLease(jobID, owner string, lease time.Duration) bool {
	ok, err := o.store.RenewJobLease(jobID, owner, lease)
	if err != nil {
		o.logger.Error("renewing lease", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return ok
}

// ProcessJob executes one leased job to completion.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *model.Job) error {
	run, err := o.store.GetRun(job.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", job.RunID, err)
	}
	if run.Status.Terminal() {
		// Cancelled (or otherwise finished) between lease and processing.
		return o.store.CancelJobByRunID(run.ID)
	}

	if o.killSwitchOn() {
		o.logger.Warn("kill switch on, requeueing leased job", zap.String("run_id", run.ID))
		return o.store.RequeueLeasedJobByRunID(run.ID, killSwitchRequeueDelay)
	}

	// One execution per session at a time. A lease can expire while its
	// worker is still executing; the job is then re-leased, and running it
	// again would append a second event stream to the same run. The
	// re-leased copy goes back to the queue instead.
	o.mu.Lock()
	if _, busy := o.activeSessions[run.SessionID]; busy {
		o.mu.Unlock()
		o.logger.Warn("session still executing, requeueing re-leased job",
			zap.String("run_id", run.ID),
			zap.String("session_id", run.SessionID))
		return o.store.RequeueLeasedJobByRunID(run.ID, sessionBusyRequeueDelay)
	}
	o.activeSessions[run.SessionID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.activeSessions, run.SessionID)
		o.mu.Unlock()
	}()

	sess, err := o.store.GetSession(run.SessionID)
	if err != nil {
		o.failRun(run, job, fmt.Sprintf("session %s not found", run.SessionID))
		return err
	}
	project, err := o.store.GetProject(run.ProjectID)
	if err != nil {
		o.failRun(run, job, fmt.Sprintf("project %s not found", run.ProjectID))
		return err
	}

	if err := o.store.MarkRunInFlight(run.ID); err != nil {
		return fmt.Errorf("marking run in flight: %w", err)
	}
	run.Status = model.RunInFlight
	startedAt := model.NowMillis()

	var toolCalls int
	var bytesOut int64
	emit := func(ev model.AgentEvent) {
		if err := ev.Validate(); err != nil {
			o.logger.Warn("dropping invalid event", zap.String("run_id", run.ID), zap.Error(err))
			return
		}
		if ev.Type == model.EventToolStart {
			toolCalls++
		}
		bytesOut += ev.EncodedLength()
		o.persistEvent(run, ev)
	}

	emit(model.AgentEvent{Type: model.EventRunStarted, RunID: run.ID, Timestamp: startedAt})

	unsafe := false
	if o.cfg.UnsafeForRun != nil {
		unsafe = o.cfg.UnsafeForRun(run)
	}

	result, execErr := o.exec.Execute(ctx, ExecRequest{
		Run:     run,
		Session: sess,
		Project: project,
		Unsafe:  unsafe,
		Emit:    emit,
	})

	if result.EngineSessionID != "" && result.EngineSessionID != sess.EngineSessionID {
		if err := o.store.SetSessionEngineID(sess.ID, result.EngineSessionID); err != nil {
			o.logger.Error("persisting engine session id", zap.Error(err))
		}
	}

	status := result.Status
	if execErr != nil {
		emit(model.AgentEvent{Type: model.EventError, Message: execErr.Error()})
		if status == "" || status == model.FinishSuccess {
			status = model.FinishError
		}
		emit(model.AgentEvent{Type: model.EventRunFinished, Status: status})
	}

	summary := model.RunSummary{
		DurationMs:     model.NowMillis() - startedAt,
		ToolCallsCount: toolCalls,
		BytesIn:        result.BytesIn,
		BytesOut:       bytesOut,
		ExitStatus:     string(status),
	}
	summaryJSON, _ := json.Marshal(summary)

	runStatus := model.RunCompleted
	switch status {
	case model.FinishError, model.FinishUnknown:
		runStatus = model.RunFailed
	case model.FinishCancelled:
		runStatus = model.RunCancelled
	}
	if err := o.store.FinalizeRun(run.ID, runStatus, string(summaryJSON)); err != nil {
		o.logger.Error("finalizing run", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := o.store.TouchSession(sess.ID); err != nil {
		o.logger.Error("touching session", zap.Error(err))
	}

	switch runStatus {
	case model.RunCompleted:
		if err := o.store.CompleteJob(job.ID); err != nil {
			return err
		}
	case model.RunCancelled:
		// The job mirrors the run: CancelRun usually took it out of the
		// queue already, and this covers cancellations the executor
		// detected on its own.
		if err := o.store.CancelJobByRunID(run.ID); err != nil {
			return err
		}
	default:
		msg := string(status)
		if execErr != nil {
			msg = execErr.Error()
		}
		if err := o.store.FailJob(job.ID, msg); err != nil {
			return err
		}
	}
	o.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(runStatus)),
		zap.Int64("duration_ms", summary.DurationMs),
		zap.Int("tool_calls", toolCalls))
	return execErr
}

// Process leases and executes one job. Convenience for tests and the pool's
// simplest callers; returns store.ErrNotFound when the queue is empty.
func (o *Orchestrator) Process(ctx context.Context, owner string, lease time.Duration) error {
	job, err := o.Lease(owner, lease)
	if err != nil {
		return err
	}
	return o.ProcessJob(ctx, job)
}

// Reconcile abandons in_flight runs older than the staleness ceiling and
// requeues their jobs.
func (o *Orchestrator) Reconcile() error {
	staleAfter := o.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	cutoff := model.NowMillis() - staleAfter.Milliseconds()
	stale, err := o.store.ListStaleInFlightRuns(cutoff)
	if err != nil {
		return err
	}
	for _, run := range stale {
		ok, err := o.store.AbandonRun(run.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := o.store.RequeueLeasedJobByRunID(run.ID, 0); err != nil {
			return err
		}
		o.logger.Warn("abandoned stale run",
			zap.String("run_id", run.ID),
			zap.Int64("started_at", run.StartedAt))
	}
	return nil
}

// RunCancelled reports whether a run has been flagged cancelled; executors
// poll this during execution.
func (o *Orchestrator) RunCancelled(runID string) bool {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return false
	}
	return run.Status == model.RunCancelled
}

func (o *Orchestrator) killSwitchOn() bool {
	return o.cfg.KillSwitch != nil && o.cfg.KillSwitch()
}

func (o *Orchestrator) failRun(run *model.Run, job *model.Job, reason string) {
	summary, _ := json.Marshal(model.RunSummary{ExitStatus: string(model.FinishError)})
	if err := o.store.FinalizeRun(run.ID, model.RunFailed, string(summary)); err != nil {
		o.logger.Error("finalizing failed run", zap.Error(err))
	}
	if err := o.store.FailJob(job.ID, reason); err != nil {
		o.logger.Error("failing job", zap.Error(err))
	}
	o.persistEvent(run, model.AgentEvent{Type: model.EventError, Message: reason})
	o.persistEvent(run, model.AgentEvent{Type: model.EventRunFinished, Status: model.FinishError})
}

func (o *Orchestrator) persistEvent(run *model.Run, ev model.AgentEvent) {
	payload, err := json.Marshal(&ev)
	if err != nil {
		o.logger.Error("encoding event", zap.Error(err))
		return
	}
	seq, err := o.store.AppendRunEvent(run.ID, string(ev.Type), string(payload))
	if err != nil {
		o.logger.Error("persisting event",
			zap.String("run_id", run.ID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return
	}
	if o.sink != nil {
		o.sink.RunEvent(run, seq, ev)
	}
}
