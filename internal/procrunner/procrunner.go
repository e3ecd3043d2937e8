// Package procrunner spawns engine CLI processes and owns their lifecycle:
// single-flight admission per session key, streaming stdout/stderr to
// synchronous callbacks, and cooperative cancellation that escalates from
// SIGINT to SIGKILL when the process ignores the first signal.
package procrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrSingleFlight is returned by Start when a process is already running
// for the same session key.
var ErrSingleFlight = errors.New("a run is already in flight for this session")

// State tracks where a process is in its lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateKilling    State = "killing"
	StateExited     State = "exited"
)

// DefaultCancelGrace is how long a cancelled process gets to exit after
// SIGINT before it is killed.
const DefaultCancelGrace = 1 * time.Second

// Spec describes one process to run.
type Spec struct {
	// SessionKey scopes single-flight admission. Two specs with the same
	// key cannot run concurrently.
	SessionKey string

	Path string
	Args []string
	Dir  string
	Env  []string

	// OnStdout and OnStderr are invoked synchronously from the read
	// loops, so a slow consumer applies back-pressure to the child
	// through the pipe buffer. Either may be nil.
	OnStdout func(chunk []byte)
	OnStderr func(chunk []byte)

	// OnLifecycle observes every state transition in order, including the
	// transient cancelling/killing escalation a State() poll can miss.
	// May be nil.
	OnLifecycle func(state State)

	// CancelGrace overrides DefaultCancelGrace when positive.
	CancelGrace time.Duration
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode  int
	Signal    string
	Cancelled bool
}

// Handle refers to a started process.
type Handle struct {
	spec   Spec
	cmd    *exec.Cmd
	logger *zap.Logger

	cancelOnce sync.Once
	cancelled  chan struct{}

	done   chan struct{}
	result Result

	mu    sync.Mutex
	state State
}

// Runner admits and tracks processes, one per session key.
type Runner struct {
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*Handle
}

func New(logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger,
		procs:  make(map[string]*Handle),
	}
}

// Start spawns the process described by spec. It fails with ErrSingleFlight
// if another process holds the same session key, and releases the key when
// the process exits.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Handle, error) {
	h := &Handle{
		spec:      spec,
		logger:    r.logger.With(zap.String("session_key", spec.SessionKey)),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateStarting,
	}

	r.mu.Lock()
	if _, busy := r.procs[spec.SessionKey]; busy {
		r.mu.Unlock()
		return nil, ErrSingleFlight
	}
	r.procs[spec.SessionKey] = h
	r.mu.Unlock()

	if spec.OnLifecycle != nil {
		spec.OnLifecycle(StateStarting)
	}
	if err := h.start(ctx); err != nil {
		r.release(spec.SessionKey, h)
		return nil, err
	}

	go func() {
		<-h.done
		r.release(spec.SessionKey, h)
	}()
	return h, nil
}

// Running reports whether a process currently holds the session key.
func (r *Runner) Running(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.procs[sessionKey]
	return busy
}

// Cancel requests cancellation of the process holding the session key, if any.
func (r *Runner) Cancel(sessionKey string) {
	r.mu.Lock()
	h := r.procs[sessionKey]
	r.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// CancelAll requests cancellation of every tracked process.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.procs))
	for _, h := range r.procs {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

func (r *Runner) release(sessionKey string, h *Handle) {
	r.mu.Lock()
	if r.procs[sessionKey] == h {
		delete(r.procs, sessionKey)
	}
	r.mu.Unlock()
}

func (h *Handle) start(ctx context.Context) error {
	cmd := exec.Command(h.spec.Path, h.spec.Args...)
	cmd.Dir = h.spec.Dir
	cmd.Env = h.spec.Env
	// Own process group so signals reach the engine's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", h.spec.Path, err)
	}
	h.cmd = cmd
	h.setState(StateRunning)
	h.logger.Debug("process started", zap.Int("pid", cmd.Process.Pid), zap.String("path", h.spec.Path))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		pump(stdout, h.spec.OnStdout)
	}()
	go func() {
		defer readers.Done()
		pump(stderr, h.spec.OnStderr)
	}()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Cancel()
			case <-h.done:
			}
		}()
	}

	go func() {
		readers.Wait()
		err := cmd.Wait()
		h.finish(err)
	}()
	return nil
}

// pump drains a pipe in fixed-size chunks, invoking the callback
// synchronously for each chunk.
func pump(r io.Reader, fn func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && fn != nil {
			fn(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Cancel asks the process to stop. The first call sends SIGINT to the
// process group and arms the kill timer; later calls are no-ops.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		close(h.cancelled)
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		h.setState(StateCancelling)
		pid := h.cmd.Process.Pid
		h.logger.Debug("cancelling process", zap.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGINT)

		grace := h.spec.CancelGrace
		if grace <= 0 {
			grace = DefaultCancelGrace
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(grace):
				h.setState(StateKilling)
				h.logger.Warn("process ignored SIGINT, killing", zap.Int("pid", pid))
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}

func (h *Handle) finish(waitErr error) {
	res := Result{}
	select {
	case <-h.cancelled:
		res.Cancelled = true
	default:
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	} else if waitErr != nil {
		res.ExitCode = -1
	}

	h.mu.Lock()
	h.result = res
	h.state = StateExited
	h.mu.Unlock()
	if h.spec.OnLifecycle != nil {
		h.spec.OnLifecycle(StateExited)
	}
	close(h.done)
	h.logger.Debug("process exited",
		zap.Int("exit_code", res.ExitCode),
		zap.String("signal", res.Signal),
		zap.Bool("cancelled", res.Cancelled))
}

// Wait blocks until the process exits and returns its result.
func (h *Handle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	if h.spec.OnLifecycle != nil {
		h.spec.OnLifecycle(s)
	}
}
