package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/procrunner"
	"github.com/agentdeck/agentdeck/model"
)

func TestClaudeArgs(t *testing.T) {
	got := strings.Join(claudeArgs(argSpec{prompt: "fix it"}), " ")
	want := "-p fix it --output-format stream-json --include-partial-messages --verbose" +
		" --tools Read,Glob,Grep --allowedTools Read,Glob,Grep"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestClaudeArgsUnsafe(t *testing.T) {
	got := strings.Join(claudeArgs(argSpec{prompt: "x", unsafe: true}), " ")
	if !strings.Contains(got, "--tools Bash,Read,Edit,Write,Glob,Grep") {
		t.Fatalf("unsafe tools missing: %q", got)
	}
	if !strings.Contains(got, "--allowedTools Bash,Read,Edit,Write,Glob,Grep") {
		t.Fatalf("unsafe allowedTools missing: %q", got)
	}
}

func TestClaudeArgsSessionFlags(t *testing.T) {
	got := strings.Join(claudeArgs(argSpec{prompt: "x", sessionRef: model.EngineSessionContinue}), " ")
	if !strings.HasSuffix(got, "--continue") {
		t.Fatalf("missing --continue: %q", got)
	}
	got = strings.Join(claudeArgs(argSpec{prompt: "x", sessionRef: "abc", fork: true}), " ")
	if !strings.Contains(got, "--resume abc --fork-session") {
		t.Fatalf("missing resume/fork: %q", got)
	}
}

func TestClaudeArgsBudgetKnobs(t *testing.T) {
	got := strings.Join(claudeArgs(argSpec{
		prompt:          "x",
		disallowedTools: "WebSearch",
		maxTurns:        12,
		maxBudgetUSD:    "2.50",
	}), " ")
	if !strings.Contains(got, "--disallowedTools WebSearch --max-turns 12 --max-budget-usd 2.50") {
		t.Fatalf("budget knobs missing: %q", got)
	}
}

func TestOpenCodeArgs(t *testing.T) {
	got := strings.Join(opencodeArgs(argSpec{
		prompt:     "do it",
		sessionRef: "ses_1",
		attachURL:  "http://localhost:7000",
		modelName:  "big-model",
		agent:      "builder",
		files:      []string{"notes.md", "spec.txt"},
	}), " ")
	want := "run do it --format json --session ses_1 --attach http://localhost:7000" +
		" -f notes.md -f spec.txt --model big-model --agent builder"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}

	got = strings.Join(opencodeArgs(argSpec{prompt: "x", sessionRef: model.EngineSessionContinue, fork: true}), " ")
	if !strings.Contains(got, "--continue --fork") {
		t.Fatalf("continue fork missing: %q", got)
	}
}

func TestOpenCodePermissionJSONNeverAsk(t *testing.T) {
	for _, unsafe := range []bool{false, true} {
		raw := opencodePermissionJSON(unsafe)
		if strings.Contains(raw, `"ask"`) {
			t.Fatalf("unsafe=%v: policy contains ask: %s", unsafe, raw)
		}
		var cfg struct {
			Permission map[string]any `json:"permission"`
		}
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if cfg.Permission["*"] != "deny" || cfg.Permission["read"] != "allow" {
			t.Fatalf("base policy wrong: %v", cfg.Permission)
		}
		if !unsafe {
			if _, ok := cfg.Permission["bash"]; ok {
				t.Fatalf("safe mode must not open bash: %v", cfg.Permission)
			}
			continue
		}
		bash, ok := cfg.Permission["bash"].(map[string]any)
		if !ok || bash["*"] != "deny" {
			t.Fatalf("unsafe bash policy wrong: %v", cfg.Permission)
		}
		if bash["rm *|sudo *|dd *|mkfs *"] != "deny" {
			t.Fatalf("destructive commands not denied: %v", bash)
		}
	}
}

func TestSanitizeEnv(t *testing.T) {
	got := sanitizeEnv([]string{
		"HOME=/home/u",
		"CLAUDECODE=1",
		"CLAUDECODE_SESSION=xyz",
		"PATH=/usr/bin:/bin",
	}, "EXTRA=1")

	joined := strings.Join(got, "\n")
	if strings.Contains(joined, "CLAUDECODE") {
		t.Fatalf("CLAUDECODE vars survived: %v", got)
	}
	if !strings.Contains(joined, "PATH=/opt/homebrew/bin:/usr/local/bin:/usr/bin:/bin") {
		t.Fatalf("PATH not prefixed: %v", got)
	}
	if !strings.Contains(joined, "EXTRA=1") {
		t.Fatalf("extra var missing: %v", got)
	}
}

// fakeEngine writes an executable script that stands in for the claude CLI.
func fakeEngine(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

type emitRecorder struct {
	mu     sync.Mutex
	events []model.AgentEvent
}

func (r *emitRecorder) emit(ev model.AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *emitRecorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func execRequest(rec *emitRecorder) orchestrator.ExecRequest {
	return orchestrator.ExecRequest{
		Run:     &model.Run{ID: "r1", Prompt: "hello"},
		Session: &model.Session{ID: "sess-1", Provider: model.EngineClaude},
		Project: &model.Project{ID: "p1", RootPath: "/tmp"},
		Emit:    rec.emit,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	bin := fakeEngine(t, `
echo '{"type":"system","subtype":"init","session_id":"eng-9","model":"m1"}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"done"}}}'
echo '{"type":"result","subtype":"success"}'
`)
	exec := New(procrunner.New(zap.NewNop()), nil, Config{ClaudeBin: bin}, zap.NewNop())
	rec := &emitRecorder{}

	res, err := exec.Execute(context.Background(), execRequest(rec))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.FinishSuccess || res.EngineSessionID != "eng-9" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.BytesIn != int64(len("hello")) {
		t.Fatalf("bytes_in = %d, want the prompt length", res.BytesIn)
	}
	got := rec.types()
	want := []model.EventType{model.EventEngineMeta, model.EventTextDelta, model.EventRunFinished}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// A model picked on the session must reach the spawned CLI's argv.
func TestExecuteSpawnsWithSessionModel(t *testing.T) {
	bin := fakeEngine(t, `
printf '%s\n' "$@" > argv.txt
echo '{"type":"result","subtype":"success"}'
`)
	exec := New(procrunner.New(zap.NewNop()), nil, Config{ClaudeBin: bin}, zap.NewNop())
	rec := &emitRecorder{}
	dir := t.TempDir()
	req := execRequest(rec)
	req.Project.RootPath = dir
	req.Session.ModelName = "opus"

	if _, err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "argv.txt"))
	if err != nil {
		t.Fatalf("read argv: %v", err)
	}
	argv := strings.Join(strings.Fields(string(raw)), " ")
	if !strings.Contains(argv, "--model opus") {
		t.Fatalf("model flag missing from argv: %q", argv)
	}
}

func TestExecuteNonZeroExitSynthesizesError(t *testing.T) {
	bin := fakeEngine(t, `
echo "token expired" 1>&2
exit 3
`)
	exec := New(procrunner.New(zap.NewNop()), nil, Config{ClaudeBin: bin}, zap.NewNop())
	rec := &emitRecorder{}

	res, err := exec.Execute(context.Background(), execRequest(rec))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.FinishError {
		t.Fatalf("status = %s", res.Status)
	}
	got := rec.types()
	if len(got) != 2 || got[0] != model.EventError || got[1] != model.EventRunFinished {
		t.Fatalf("unexpected events: %v", got)
	}
	rec.mu.Lock()
	msg := rec.events[0].Message
	rec.mu.Unlock()
	if !strings.Contains(msg, "token expired") || !strings.Contains(msg, "code 3") {
		t.Fatalf("stderr not surfaced: %q", msg)
	}
}

// S5: a run flagged cancelled in the store is stopped within the poll
// interval and finishes with a cancelled terminal.
func TestExecuteCancellationPoll(t *testing.T) {
	bin := fakeEngine(t, `sleep 30`)
	var flag atomic.Bool
	exec := New(procrunner.New(zap.NewNop()),
		func(runID string) bool { return flag.Load() },
		Config{ClaudeBin: bin, CancelPoll: 20 * time.Millisecond, CancelGrace: 100 * time.Millisecond},
		zap.NewNop())
	rec := &emitRecorder{}

	done := make(chan orchestrator.ExecResult, 1)
	go func() {
		res, _ := exec.Execute(context.Background(), execRequest(rec))
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)
	flag.Store(true)

	select {
	case res := <-done:
		if res.Status != model.FinishCancelled {
			t.Fatalf("status = %s", res.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not stop the run")
	}
	got := rec.types()
	if len(got) == 0 || got[len(got)-1] != model.EventRunFinished {
		t.Fatalf("missing terminal: %v", got)
	}
}

func TestExecuteIdleWatchdog(t *testing.T) {
	bin := fakeEngine(t, `sleep 30`)
	exec := New(procrunner.New(zap.NewNop()), nil,
		Config{
			ClaudeBin:         bin,
			ClaudeIdleTimeout: 100 * time.Millisecond,
			CancelPoll:        20 * time.Millisecond,
			CancelGrace:       100 * time.Millisecond,
		}, zap.NewNop())
	rec := &emitRecorder{}

	res, err := exec.Execute(context.Background(), execRequest(rec))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.FinishError {
		t.Fatalf("status = %s", res.Status)
	}
	got := rec.types()
	if len(got) != 2 || got[0] != model.EventError {
		t.Fatalf("unexpected events: %v", got)
	}
	rec.mu.Lock()
	code := rec.events[0].Code
	rec.mu.Unlock()
	if code != "idle_timeout" {
		t.Fatalf("error code = %q", code)
	}
}

func TestExecuteUnknownEngine(t *testing.T) {
	exec := New(procrunner.New(zap.NewNop()), nil, Config{}, zap.NewNop())
	rec := &emitRecorder{}
	req := execRequest(rec)
	req.Session.Provider = "vim"
	if _, err := exec.Execute(context.Background(), req); err == nil {
		t.Fatal("expected an error for an unknown engine")
	}
}
