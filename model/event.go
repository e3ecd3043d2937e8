package model

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the closed union of normalized engine events.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventEngineMeta     EventType = "engine_meta"
	EventTextDelta      EventType = "text_delta"
	EventToolStart      EventType = "tool_start"
	EventToolEnd        EventType = "tool_end"
	EventError          EventType = "error"
	EventRunFinished    EventType = "run_finished"
	EventFileUploaded   EventType = "file_uploaded"
	EventFileDownloaded EventType = "file_downloaded"
)

// FinishStatus is the terminal status carried by a run_finished event.
type FinishStatus string

const (
	FinishSuccess   FinishStatus = "success"
	FinishError     FinishStatus = "error"
	FinishCancelled FinishStatus = "cancelled"
	FinishUnknown   FinishStatus = "unknown"
)

// ValidFinishStatus reports whether s is an allowed terminal status.
func ValidFinishStatus(s FinishStatus) bool {
	switch s {
	case FinishSuccess, FinishError, FinishCancelled, FinishUnknown:
		return true
	}
	return false
}

// AgentEvent is the normalized event emitted by the engine parsers and
// consumed by the orchestrator and streamer. Fields are populated per the
// event type; Raw preserves the originating engine line for debugging and
// never affects the union invariants.
type AgentEvent struct {
	Type EventType `json:"type"`

	// run_started
	RunID     string `json:"runId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// engine_meta
	Engine   string         `json:"engine,omitempty"`
	Model    string         `json:"model,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// text_delta
	Text    string `json:"text,omitempty"`
	Channel string `json:"channel,omitempty"`

	// tool_start / tool_end
	ToolName string `json:"toolName,omitempty"`
	CallID   string `json:"callId,omitempty"`
	Input    any    `json:"input,omitempty"`
	Output   any    `json:"output,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// run_finished
	Status FinishStatus `json:"status,omitempty"`

	// file_uploaded / file_downloaded
	FilePath  string `json:"filePath,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	URL       string `json:"url,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Validate enforces the per-type required fields of the union.
func (e *AgentEvent) Validate() error {
	switch e.Type {
	case EventRunStarted, EventEngineMeta, EventFileUploaded, EventFileDownloaded:
		return nil
	case EventTextDelta:
		if e.Text == "" {
			return fmt.Errorf("text_delta: missing text")
		}
	case EventToolStart, EventToolEnd:
		if e.ToolName == "" {
			return fmt.Errorf("%s: missing toolName", e.Type)
		}
	case EventError:
		if e.Message == "" {
			return fmt.Errorf("error: missing message")
		}
	case EventRunFinished:
		if !ValidFinishStatus(e.Status) {
			return fmt.Errorf("run_finished: invalid status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// EncodedLength is the JSON-encoded payload size, used for bytesOut fallback
// accounting in run summaries.
func (e *AgentEvent) EncodedLength() int64 {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
