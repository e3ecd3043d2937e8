// Package parser turns engine-specific NDJSON output into the normalized
// event stream of model.AgentEvent. One parser instance serves one run.
//
// Shared invariants across both engines:
//   - exactly one run_finished is emitted per parser lifetime; late
//     terminal inputs are dropped and Finish synthesizes one if none was seen
//   - malformed JSON lines are counted, never fatal
//   - blank lines and unrecognized structures are discarded silently
//   - the engine's own session id is captured from session_id / sessionID /
//     sessionId fields, latest observation wins
package parser

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/internal/lineframe"
	"github.com/agentdeck/agentdeck/model"
)

// Parser is the common contract of the per-engine stream parsers.
type Parser interface {
	// Push feeds a stdout chunk and returns any events completed by it.
	Push(chunk []byte) []model.AgentEvent
	// Finish flushes the tail, closes the stream, and guarantees a single
	// run_finished with the supplied status if none was observed.
	Finish(status model.FinishStatus) []model.AgentEvent
	// EngineSessionID returns the latest engine-assigned session id, if any.
	EngineSessionID() string
	// MalformedLines returns the count of JSON-level parse failures.
	MalformedLines() int
}

// base carries the state shared by both engine parsers.
type base struct {
	framer    lineframe.Framer
	sessionID string
	malformed int
	finished  bool
}

func (b *base) EngineSessionID() string { return b.sessionID }
func (b *base) MalformedLines() int     { return b.malformed }

// captureSessionID records an engine session id found under any of the
// naming conventions the engines use.
func (b *base) captureSessionID(obj map[string]any) {
	for _, key := range []string{"session_id", "sessionID", "sessionId"} {
		if v, ok := obj[key].(string); ok && v != "" {
			b.sessionID = v
		}
	}
}

// terminal emits the single allowed run_finished, or nothing if one was
// already emitted.
func (b *base) terminal(status model.FinishStatus, raw json.RawMessage) []model.AgentEvent {
	if b.finished {
		return nil
	}
	b.finished = true
	if !model.ValidFinishStatus(status) {
		status = model.FinishUnknown
	}
	return []model.AgentEvent{{Type: model.EventRunFinished, Status: status, Raw: raw}}
}

// decodeLine unmarshals one NDJSON line, counting malformed input. Blank
// lines return (nil, false) without counting.
func (b *base) decodeLine(line string) (map[string]any, bool) {
	if isBlank(line) {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		b.malformed++
		return nil, false
	}
	b.captureSessionID(obj)
	return obj, true
}

func isBlank(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ', '\t', '\r':
		default:
			return false
		}
	}
	return true
}

func str(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func sub(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}
