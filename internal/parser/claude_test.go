package parser

import (
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck/model"
)

func push(t *testing.T, p Parser, lines ...string) []model.AgentEvent {
	t.Helper()
	return p.Push([]byte(strings.Join(lines, "\n") + "\n"))
}

func types(events []model.AgentEvent) []model.EventType {
	var out []model.EventType
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestClaudeTextDelta(t *testing.T) {
	p := NewClaude()
	events := push(t, p,
		`{"type":"stream_event","session_id":"sess-1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`,
	)
	if len(events) != 2 || events[0].Text != "hel" || events[1].Text != "lo" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if p.EngineSessionID() != "sess-1" {
		t.Fatalf("session id not captured: %q", p.EngineSessionID())
	}
}

func TestClaudeToolStartAndEnd(t *testing.T) {
	p := NewClaude()
	events := push(t, p,
		`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","name":"Read","id":"call-1"}}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","id":"call-1","input":{"file_path":"main.go"}},{"type":"text","text":"done"}]}}`,
	)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Type != model.EventToolStart || events[0].ToolName != "Read" || events[0].CallID != "call-1" {
		t.Fatalf("bad tool_start: %+v", events[0])
	}
	if events[1].Type != model.EventToolEnd || events[1].ToolName != "Read" {
		t.Fatalf("bad tool_end: %+v", events[1])
	}
	if events[1].Output == nil {
		t.Fatal("tool_end should carry the block input as output")
	}
}

func TestClaudeSystemInit(t *testing.T) {
	p := NewClaude()
	events := push(t, p,
		`{"type":"system","subtype":"init","session_id":"abc","model":"claude-sonnet","cwd":"/work"}`,
	)
	if len(events) != 1 || events[0].Type != model.EventEngineMeta || events[0].Model != "claude-sonnet" {
		t.Fatalf("unexpected: %+v", events)
	}
}

func TestClaudeResultSuccess(t *testing.T) {
	p := NewClaude()
	events := push(t, p, `{"type":"result","subtype":"success","result":"all good","session_id":"s9"}`)
	if len(events) != 1 || events[0].Type != model.EventRunFinished || events[0].Status != model.FinishSuccess {
		t.Fatalf("unexpected: %+v", events)
	}
	// A second result must not produce a second terminal.
	events = push(t, p, `{"type":"result","subtype":"success"}`)
	if len(events) != 0 {
		t.Fatalf("duplicate terminal emitted: %+v", events)
	}
	// Finish must not either.
	events = p.Finish(model.FinishSuccess)
	if len(events) != 0 {
		t.Fatalf("finish emitted after terminal: %+v", events)
	}
}

func TestClaudeResultError(t *testing.T) {
	p := NewClaude()
	events := push(t, p, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"rate limit hit"}`)
	got := types(events)
	if len(got) != 2 || got[0] != model.EventError || got[1] != model.EventRunFinished {
		t.Fatalf("unexpected: %v", got)
	}
	if events[0].Message != "rate limit hit" {
		t.Fatalf("bad message: %q", events[0].Message)
	}
	if events[1].Status != model.FinishError {
		t.Fatalf("bad status: %s", events[1].Status)
	}
}

func TestClaudeErrorLine(t *testing.T) {
	p := NewClaude()
	events := push(t, p, `{"type":"error","message":"boom"}`)
	if len(events) != 1 || events[0].Type != model.EventError || events[0].Message != "boom" {
		t.Fatalf("unexpected: %+v", events)
	}
}

// S6: malformed lines are counted and do not break surrounding parses.
func TestClaudeMalformedResilience(t *testing.T) {
	p := NewClaude()
	var events []model.AgentEvent
	events = append(events, push(t, p,
		`{"type":"system","subtype":"init"}`,
		`{bad json}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}}`,
	)...)
	events = append(events, p.Finish(model.FinishSuccess)...)

	got := types(events)
	want := []model.EventType{model.EventEngineMeta, model.EventTextDelta, model.EventRunFinished}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if p.MalformedLines() != 1 {
		t.Fatalf("malformed count = %d, want 1", p.MalformedLines())
	}
}

func TestClaudeFinishSynthesizesTerminal(t *testing.T) {
	p := NewClaude()
	push(t, p, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}}`)
	events := p.Finish(model.FinishCancelled)
	if len(events) != 1 || events[0].Type != model.EventRunFinished || events[0].Status != model.FinishCancelled {
		t.Fatalf("unexpected: %+v", events)
	}
}

func TestClaudeBlankAndUnknownLinesIgnored(t *testing.T) {
	p := NewClaude()
	events := push(t, p, "", "   ", `{"type":"keep_alive"}`, `{"type":"user","message":{}}`)
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if p.MalformedLines() != 0 {
		t.Fatalf("blank/unknown lines must not count as malformed: %d", p.MalformedLines())
	}
}

func TestClaudeSessionIDLatestWins(t *testing.T) {
	p := NewClaude()
	push(t, p,
		`{"type":"system","subtype":"init","session_id":"first"}`,
		`{"type":"result","subtype":"success","session_id":"second"}`,
	)
	if p.EngineSessionID() != "second" {
		t.Fatalf("got %q, want second", p.EngineSessionID())
	}
}

func TestClaudePartialLineAcrossChunks(t *testing.T) {
	p := NewClaude()
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"split"}}}` + "\n"
	half := len(line) / 2
	events := p.Push([]byte(line[:half]))
	if len(events) != 0 {
		t.Fatalf("unexpected early events: %+v", events)
	}
	events = p.Push([]byte(line[half:]))
	if len(events) != 1 || events[0].Text != "split" {
		t.Fatalf("unexpected: %+v", events)
	}
}
