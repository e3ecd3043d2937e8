package parser

import (
	"encoding/json"
	"fmt"

	"github.com/agentdeck/agentdeck/model"
)

// ClaudeParser consumes the claude CLI's --output-format stream-json NDJSON.
type ClaudeParser struct {
	base
}

// NewClaude returns a parser for one claude run.
func NewClaude() *ClaudeParser {
	return &ClaudeParser{}
}

func (p *ClaudeParser) Push(chunk []byte) []model.AgentEvent {
	var events []model.AgentEvent
	for _, line := range p.framer.Push(chunk) {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *ClaudeParser) Finish(status model.FinishStatus) []model.AgentEvent {
	var events []model.AgentEvent
	for _, line := range p.framer.Flush() {
		events = append(events, p.parseLine(line)...)
	}
	events = append(events, p.terminal(status, nil)...)
	return events
}

func (p *ClaudeParser) parseLine(line string) []model.AgentEvent {
	obj, ok := p.decodeLine(line)
	if !ok {
		return nil
	}
	raw := json.RawMessage(line)

	switch str(obj, "type") {
	case "system":
		if str(obj, "subtype") == "init" {
			return []model.AgentEvent{{
				Type:     model.EventEngineMeta,
				Engine:   string(model.EngineClaude),
				Model:    str(obj, "model"),
				Metadata: map[string]any{"cwd": str(obj, "cwd")},
				Raw:      raw,
			}}
		}
	case "stream_event":
		return p.parseStreamEvent(sub(obj, "event"), raw)
	case "assistant":
		return p.parseAssistant(sub(obj, "message"), raw)
	case "result":
		return p.parseResult(obj, raw)
	case "error":
		msg := bestErrorMessage(obj)
		return []model.AgentEvent{{Type: model.EventError, Message: msg, Raw: raw}}
	}
	return nil
}

// parseStreamEvent handles the low-level streaming envelope: text deltas and
// tool_use block starts.
func (p *ClaudeParser) parseStreamEvent(event map[string]any, raw json.RawMessage) []model.AgentEvent {
	if event == nil {
		return nil
	}
	switch str(event, "type") {
	case "content_block_delta":
		delta := sub(event, "delta")
		if str(delta, "type") == "text_delta" {
			if text := str(delta, "text"); text != "" {
				return []model.AgentEvent{{Type: model.EventTextDelta, Text: text, Raw: raw}}
			}
		}
	case "content_block_start":
		block := sub(event, "content_block")
		if str(block, "type") == "tool_use" {
			return []model.AgentEvent{{
				Type:     model.EventToolStart,
				ToolName: str(block, "name"),
				CallID:   str(block, "id"),
				Raw:      raw,
			}}
		}
	}
	return nil
}

// parseAssistant maps consolidated assistant messages: each tool_use content
// block becomes a tool_end whose output is the block's input, since by the
// time the consolidated message arrives the tool already executed upstream.
func (p *ClaudeParser) parseAssistant(message map[string]any, raw json.RawMessage) []model.AgentEvent {
	if message == nil {
		return nil
	}
	blocks, _ := message["content"].([]any)
	var events []model.AgentEvent
	for _, item := range blocks {
		block, ok := item.(map[string]any)
		if !ok || str(block, "type") != "tool_use" {
			continue
		}
		events = append(events, model.AgentEvent{
			Type:     model.EventToolEnd,
			ToolName: str(block, "name"),
			CallID:   str(block, "id"),
			Output:   block["input"],
			Raw:      raw,
		})
	}
	return events
}

func (p *ClaudeParser) parseResult(obj map[string]any, raw json.RawMessage) []model.AgentEvent {
	isError, _ := obj["is_error"].(bool)
	subtype := str(obj, "subtype")

	status := model.FinishUnknown
	switch {
	case isError:
		status = model.FinishError
	case subtype == "success":
		status = model.FinishSuccess
	case subtype != "":
		status = model.FinishError
	}

	var events []model.AgentEvent
	if status == model.FinishError {
		events = append(events, model.AgentEvent{
			Type:    model.EventError,
			Message: bestErrorMessage(obj),
			Code:    subtype,
			Raw:     raw,
		})
	}
	events = append(events, p.terminal(status, raw)...)
	return events
}

// bestErrorMessage picks the most useful human-readable message from a
// claude error or result payload.
func bestErrorMessage(obj map[string]any) string {
	for _, key := range []string{"result", "error", "message", "body"} {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if m := str(v, "message"); m != "" {
				return m
			}
		}
	}
	return model.Truncate(fmt.Sprintf("%v", obj), 200)
}
