package procrunner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newRunner() *Runner {
	return New(zap.NewNop())
}

type collector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *collector) write(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(chunk)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestRunCollectsStdoutAndStderr(t *testing.T) {
	r := newRunner()
	var out, errOut collector
	h, err := r.Start(context.Background(), Spec{
		SessionKey: "s1",
		Path:       "sh",
		Args:       []string{"-c", "echo hello; echo oops 1>&2"},
		OnStdout:   out.write,
		OnStderr:   errOut.write,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := h.Wait()
	if res.ExitCode != 0 || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := out.String(); !strings.Contains(got, "hello") {
		t.Fatalf("stdout = %q", got)
	}
	if got := errOut.String(); !strings.Contains(got, "oops") {
		t.Fatalf("stderr = %q", got)
	}
	if h.State() != StateExited {
		t.Fatalf("state = %s", h.State())
	}
}

func TestNonZeroExit(t *testing.T) {
	r := newRunner()
	h, err := r.Start(context.Background(), Spec{
		SessionKey: "s1",
		Path:       "sh",
		Args:       []string{"-c", "exit 7"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res := h.Wait(); res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestSingleFlightPerSessionKey(t *testing.T) {
	r := newRunner()
	h, err := r.Start(context.Background(), Spec{
		SessionKey: "busy",
		Path:       "sh",
		Args:       []string{"-c", "sleep 5"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.Start(context.Background(), Spec{
		SessionKey: "busy",
		Path:       "sh",
		Args:       []string{"-c", "true"},
	}); err != ErrSingleFlight {
		t.Fatalf("second start err = %v, want ErrSingleFlight", err)
	}
	// A different key is admitted.
	other, err := r.Start(context.Background(), Spec{
		SessionKey: "free",
		Path:       "sh",
		Args:       []string{"-c", "true"},
	})
	if err != nil {
		t.Fatalf("other start: %v", err)
	}
	other.Wait()

	h.Cancel()
	h.Wait()

	// The key is released after exit.
	again, err := r.Start(context.Background(), Spec{
		SessionKey: "busy",
		Path:       "sh",
		Args:       []string{"-c", "true"},
	})
	if err != nil {
		t.Fatalf("restart after exit: %v", err)
	}
	again.Wait()
}

func TestCancelInterruptsSleep(t *testing.T) {
	r := newRunner()
	h, err := r.Start(context.Background(), Spec{
		SessionKey: "s1",
		Path:       "sh",
		Args:       []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	h.Cancel()
	res := h.Wait()
	if !res.Cancelled {
		t.Fatalf("result not marked cancelled: %+v", res)
	}
}

// A process that traps SIGINT must still die once the grace period lapses.
func TestCancelEscalatesToKill(t *testing.T) {
	r := newRunner()
	h, err := r.Start(context.Background(), Spec{
		SessionKey:  "stubborn",
		Path:        "sh",
		Args:        []string{"-c", `trap "" INT; sleep 30`},
		CancelGrace: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived cancel escalation")
	}
	res := h.Wait()
	if !res.Cancelled {
		t.Fatalf("result not marked cancelled: %+v", res)
	}
	if res.Signal == "" {
		t.Fatalf("expected a terminating signal, got %+v", res)
	}
}

// The lifecycle callback sees every transition in order, including the
// cancelling/killing escalation a State() poll can race past.
func TestLifecycleCallbackObservesEscalation(t *testing.T) {
	r := newRunner()
	var mu sync.Mutex
	var states []State
	h, err := r.Start(context.Background(), Spec{
		SessionKey:  "stubborn",
		Path:        "sh",
		Args:        []string{"-c", `trap "" INT; sleep 30`},
		CancelGrace: 200 * time.Millisecond,
		OnLifecycle: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	h.Cancel()
	h.Wait()

	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	want := []State{StateStarting, StateRunning, StateCancelling, StateKilling, StateExited}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestContextCancelStopsProcess(t *testing.T) {
	r := newRunner()
	ctx, cancel := context.WithCancel(context.Background())
	h, err := r.Start(ctx, Spec{
		SessionKey:  "ctx",
		Path:        "sh",
		Args:        []string{"-c", "sleep 30"},
		CancelGrace: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived context cancellation")
	}
}

func TestCancelAll(t *testing.T) {
	r := newRunner()
	var handles []*Handle
	for _, key := range []string{"a", "b", "c"} {
		h, err := r.Start(context.Background(), Spec{
			SessionKey:  key,
			Path:        "sh",
			Args:        []string{"-c", "sleep 30"},
			CancelGrace: 200 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("start %s: %v", key, err)
		}
		handles = append(handles, h)
	}
	r.CancelAll()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("process survived CancelAll")
		}
	}
}

func TestStartUnknownBinary(t *testing.T) {
	r := newRunner()
	if _, err := r.Start(context.Background(), Spec{
		SessionKey: "s1",
		Path:       "/nonexistent/definitely-not-a-binary",
	}); err == nil {
		t.Fatal("expected start error")
	}
	// The key must be released after a failed start.
	h, err := r.Start(context.Background(), Spec{
		SessionKey: "s1",
		Path:       "sh",
		Args:       []string{"-c", "true"},
	})
	if err != nil {
		t.Fatalf("restart after failed start: %v", err)
	}
	h.Wait()
}
