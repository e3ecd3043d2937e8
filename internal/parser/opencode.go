package parser

import (
	"encoding/json"
	"strings"

	"github.com/agentdeck/agentdeck/model"
)

// OpenCodeParser consumes opencode's --format json output: one JSON object
// per line, with event type names that vary across opencode versions. The
// mapping is deliberately permissive about naming and payload placement.
type OpenCodeParser struct {
	base
}

// NewOpenCode returns a parser for one opencode run.
func NewOpenCode() *OpenCodeParser {
	return &OpenCodeParser{}
}

func (p *OpenCodeParser) Push(chunk []byte) []model.AgentEvent {
	var events []model.AgentEvent
	for _, line := range p.framer.Push(chunk) {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *OpenCodeParser) Finish(status model.FinishStatus) []model.AgentEvent {
	var events []model.AgentEvent
	for _, line := range p.framer.Flush() {
		events = append(events, p.parseLine(line)...)
	}
	events = append(events, p.terminal(status, nil)...)
	return events
}

func (p *OpenCodeParser) parseLine(line string) []model.AgentEvent {
	obj, ok := p.decodeLine(line)
	if !ok {
		return nil
	}
	raw := json.RawMessage(line)
	typ := normalizeType(str(obj, "type"))

	switch {
	case typ == "started" || typ == "run_started" || typ == "run_start":
		return []model.AgentEvent{{Type: model.EventRunStarted, Raw: raw}}

	case typ == "text" || typ == "text_delta" || typ == "message_delta" || typ == "output_text_delta":
		if text := extractText(obj); text != "" {
			return []model.AgentEvent{{Type: model.EventTextDelta, Text: text, Raw: raw}}
		}
		return nil

	case typ == "tool_use":
		return p.parseToolUse(obj, raw)

	case strings.HasPrefix(typ, "tool_start") || strings.HasPrefix(typ, "tool_started"):
		return []model.AgentEvent{{
			Type:     model.EventToolStart,
			ToolName: toolName(obj),
			CallID:   callID(obj),
			Input:    sub(obj, "input"),
			Raw:      raw,
		}}

	case strings.HasPrefix(typ, "tool_end") || strings.HasPrefix(typ, "tool_call_"):
		return []model.AgentEvent{{
			Type:     model.EventToolEnd,
			ToolName: toolName(obj),
			CallID:   callID(obj),
			Output:   obj["output"],
			Raw:      raw,
		}}

	case typ == "step_start" || typ == "step_finish":
		return nil

	case typ == "error":
		msg := str(obj, "message")
		if msg == "" {
			msg = str(obj, "error")
		}
		if msg == "" {
			return nil
		}
		return []model.AgentEvent{{Type: model.EventError, Message: msg, Raw: raw}}

	case typ == "finished" || typ == "completed" || typ == "run_finished" || typ == "run_end":
		status := model.FinishSuccess
		if s := normalizeType(str(obj, "status")); s == "error" || s == "failed" {
			status = model.FinishError
		} else if s == "cancelled" || s == "canceled" {
			status = model.FinishCancelled
		}
		return p.terminal(status, raw)

	case typ == "file_uploaded" || typ == "upload_completed":
		return []model.AgentEvent{fileEvent(model.EventFileUploaded, obj, raw)}

	case typ == "file_downloaded" || typ == "download_completed":
		return []model.AgentEvent{fileEvent(model.EventFileDownloaded, obj, raw)}
	}
	return nil
}

// parseToolUse decides start vs end from the part state: pending (or no
// state at all) means the call was just issued; anything else carries the
// outcome.
func (p *OpenCodeParser) parseToolUse(obj map[string]any, raw json.RawMessage) []model.AgentEvent {
	part := sub(obj, "part")
	state := sub(part, "state")
	status := normalizeType(str(state, "status"))

	if status == "" || status == "pending" {
		return []model.AgentEvent{{
			Type:     model.EventToolStart,
			ToolName: toolName(obj),
			CallID:   callID(obj),
			Input:    state["input"],
			Raw:      raw,
		}}
	}
	output := state["output"]
	if output == nil {
		output = state["error"]
	}
	return []model.AgentEvent{{
		Type:     model.EventToolEnd,
		ToolName: toolName(obj),
		CallID:   callID(obj),
		Output:   output,
		Raw:      raw,
	}}
}

// normalizeType lowercases a type name and folds separators to underscores.
func normalizeType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// extractText finds delta text wherever this opencode version put it.
func extractText(obj map[string]any) string {
	if part := sub(obj, "part"); part != nil {
		if t := str(part, "text"); t != "" {
			return t
		}
	}
	for _, key := range []string{"text", "delta", "content", "message"} {
		if t := str(obj, key); t != "" {
			return t
		}
	}
	return ""
}

func toolName(obj map[string]any) string {
	if part := sub(obj, "part"); part != nil {
		for _, key := range []string{"tool", "toolName", "name"} {
			if t := str(part, key); t != "" {
				return t
			}
		}
	}
	for _, key := range []string{"tool", "toolName", "name"} {
		if t := str(obj, key); t != "" {
			return t
		}
	}
	return ""
}

func callID(obj map[string]any) string {
	if part := sub(obj, "part"); part != nil {
		for _, key := range []string{"callID", "callId", "id"} {
			if v := str(part, key); v != "" {
				return v
			}
		}
	}
	for _, key := range []string{"callID", "callId", "id"} {
		if v := str(obj, key); v != "" {
			return v
		}
	}
	return ""
}

func fileEvent(typ model.EventType, obj map[string]any, raw json.RawMessage) model.AgentEvent {
	src := obj
	if part := sub(obj, "part"); part != nil {
		src = part
	}
	size, _ := src["sizeBytes"].(float64)
	if size == 0 {
		size, _ = src["size"].(float64)
	}
	return model.AgentEvent{
		Type:      typ,
		FilePath:  str(src, "filePath"),
		FileName:  str(src, "fileName"),
		SizeBytes: int64(size),
		URL:       str(src, "url"),
		Raw:       raw,
	}
}
