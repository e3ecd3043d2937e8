// Package executor runs prompts against the engine CLIs. It builds the
// engine argv and environment, supervises the process through procrunner,
// feeds stdout to the engine parser, and enforces the idle and cancellation
// policies.
package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/parser"
	"github.com/agentdeck/agentdeck/internal/procrunner"
	"github.com/agentdeck/agentdeck/model"
)

const (
	// DefaultClaudeIdleTimeout and DefaultOpenCodeIdleTimeout bound how
	// long an engine may stay silent on both pipes before it is presumed
	// hung. OpenCode gets more headroom: its json mode buffers longer
	// between emissions.
	DefaultClaudeIdleTimeout   = 180 * time.Second
	DefaultOpenCodeIdleTimeout = 300 * time.Second

	// DefaultCancelPoll is how often the executor checks the store for a
	// cancellation flag while the engine runs.
	DefaultCancelPoll = 500 * time.Millisecond

	// stderrTailLimit caps how much trailing stderr is kept for error
	// synthesis.
	stderrTailLimit = 10 * 1024

	// pathPrefix puts the usual CLI install locations ahead of whatever
	// PATH the service inherited.
	pathPrefix = "/opt/homebrew/bin:/usr/local/bin"
)

// Config tunes the executor. Zero values take the defaults above.
type Config struct {
	ClaudeBin           string // "claude"
	OpenCodeBin         string // "opencode"
	ClaudeIdleTimeout   time.Duration
	OpenCodeIdleTimeout time.Duration
	CancelPoll          time.Duration
	CancelGrace         time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ClaudeBin == "" {
		out.ClaudeBin = "claude"
	}
	if out.OpenCodeBin == "" {
		out.OpenCodeBin = "opencode"
	}
	if out.ClaudeIdleTimeout <= 0 {
		out.ClaudeIdleTimeout = DefaultClaudeIdleTimeout
	}
	if out.OpenCodeIdleTimeout <= 0 {
		out.OpenCodeIdleTimeout = DefaultOpenCodeIdleTimeout
	}
	if out.CancelPoll <= 0 {
		out.CancelPoll = DefaultCancelPoll
	}
	return out
}

// CLIExecutor implements orchestrator.Executor on top of the real CLIs.
type CLIExecutor struct {
	runner    *procrunner.Runner
	cancelled func(runID string) bool
	logger    *zap.Logger
	cfg       Config
}

// New builds an executor. cancelled is polled during execution; nil means
// runs are never cancelled externally.
func New(runner *procrunner.Runner, cancelled func(runID string) bool, cfg Config, logger *zap.Logger) *CLIExecutor {
	return &CLIExecutor{
		runner:    runner,
		cancelled: cancelled,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// CancelAll stops every child process; used on shutdown.
func (e *CLIExecutor) CancelAll() {
	e.runner.CancelAll()
}

// Execute runs one prompt to completion.
func (e *CLIExecutor) Execute(ctx context.Context, req orchestrator.ExecRequest) (orchestrator.ExecResult, error) {
	cfg := e.cfg
	spec := argSpec{
		prompt:     req.Run.Prompt,
		sessionRef: req.Session.EngineSessionID,
		unsafe:     req.Unsafe,
		attachURL:  req.Project.OpenCodeAttachURL,
		modelName:  req.Session.ModelName,
		agent:      req.Session.Agent,
	}

	var bin string
	var args []string
	var extraEnv []string
	var idleTimeout time.Duration
	var p parser.Parser

	switch req.Session.Provider {
	case model.EngineClaude:
		bin = cfg.ClaudeBin
		args = claudeArgs(spec)
		idleTimeout = cfg.ClaudeIdleTimeout
		p = parser.NewClaude()
	case model.EngineOpenCode:
		bin = cfg.OpenCodeBin
		args = opencodeArgs(spec)
		extraEnv = []string{"OPENCODE_CONFIG_CONTENT=" + opencodePermissionJSON(req.Unsafe)}
		idleTimeout = cfg.OpenCodeIdleTimeout
		p = parser.NewOpenCode()
	default:
		return orchestrator.ExecResult{}, fmt.Errorf("unknown engine %q", req.Session.Provider)
	}

	lastActivity := &atomic.Int64{}
	lastActivity.Store(model.NowMillis())
	tail := newTailBuffer(stderrTailLimit)

	var mu sync.Mutex // serializes parser access and emit ordering
	var terminal model.FinishStatus

	emit := func(events []model.AgentEvent) {
		for _, ev := range events {
			if ev.Type == model.EventRunFinished {
				terminal = ev.Status
			}
			req.Emit(ev)
		}
	}

	handle, err := e.runner.Start(ctx, procrunner.Spec{
		SessionKey:  req.Session.ID,
		Path:        bin,
		Args:        args,
		Dir:         req.Project.RootPath,
		Env:         sanitizeEnv(os.Environ(), extraEnv...),
		CancelGrace: cfg.CancelGrace,
		OnStdout: func(chunk []byte) {
			lastActivity.Store(model.NowMillis())
			mu.Lock()
			emit(p.Push(chunk))
			mu.Unlock()
		},
		OnStderr: func(chunk []byte) {
			lastActivity.Store(model.NowMillis())
			tail.Write(chunk)
		},
	})
	if err != nil {
		return orchestrator.ExecResult{}, fmt.Errorf("starting %s: %w", bin, err)
	}

	var cancelledByStore, idledOut atomic.Bool
	watchStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-watchStop:
				return
			case <-ticker.C:
				if e.cancelled != nil && e.cancelled(req.Run.ID) {
					cancelledByStore.Store(true)
					handle.Cancel()
					return
				}
				if model.NowMillis()-lastActivity.Load() > idleTimeout.Milliseconds() {
					idledOut.Store(true)
					e.logger.Warn("engine idle timeout",
						zap.String("run_id", req.Run.ID),
						zap.Duration("idle_timeout", idleTimeout))
					handle.Cancel()
					return
				}
			}
		}
	}()

	res := handle.Wait()
	close(watchStop)

	mu.Lock()
	defer mu.Unlock()

	status := model.FinishSuccess
	switch {
	case cancelledByStore.Load() || (res.Cancelled && !idledOut.Load()):
		status = model.FinishCancelled
	case idledOut.Load():
		status = model.FinishError
		emit([]model.AgentEvent{{
			Type:    model.EventError,
			Message: fmt.Sprintf("engine produced no output for %s, killed", idleTimeout),
			Code:    "idle_timeout",
		}})
	case res.ExitCode != 0:
		status = model.FinishError
		if terminal == "" {
			emit([]model.AgentEvent{{
				Type:    model.EventError,
				Message: stderrMessage(tail.String(), res),
				Code:    "exit_status",
			}})
		}
	}

	emit(p.Finish(status))
	if n := p.MalformedLines(); n > 0 {
		e.logger.Warn("engine emitted malformed lines",
			zap.String("run_id", req.Run.ID), zap.Int("count", n))
	}

	return orchestrator.ExecResult{
		Status:          terminal,
		EngineSessionID: p.EngineSessionID(),
		BytesIn:         int64(len(req.Run.Prompt)),
	}, nil
}

func stderrMessage(tail string, res procrunner.Result) string {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		if res.Signal != "" {
			return fmt.Sprintf("engine terminated by signal %s", res.Signal)
		}
		return fmt.Sprintf("engine exited with code %d", res.ExitCode)
	}
	return fmt.Sprintf("engine exited with code %d: %s", res.ExitCode, tail)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
