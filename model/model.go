// Package model defines the core domain types shared across all AgentDeck
// packages. It has zero dependencies on other AgentDeck packages.
package model

import "time"

// Engine identifies one of the supported coding-agent CLIs.
type Engine string

const (
	EngineClaude   Engine = "claude"
	EngineOpenCode Engine = "opencode"
)

// ValidEngine reports whether s names a supported engine.
func ValidEngine(s string) bool {
	return Engine(s) == EngineClaude || Engine(s) == EngineOpenCode
}

// EngineSessionContinue is the marker stored in Session.EngineSessionID when
// the next run should pass the engine's own --continue flag instead of an
// explicit session id.
const EngineSessionContinue = "__continue__"

// Project is an on-disk project directory runs execute in.
type Project struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	RootPath          string `json:"root_path"`
	DefaultEngine     Engine `json:"default_engine"`
	OpenCodeAttachURL string `json:"opencode_attach_url,omitempty"`
}

// Chat is one external chat the owner talks from. UnsafeUntil is a
// millisecond deadline; unsafe mode is active while now < UnsafeUntil.
type Chat struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	ExternalChatID int64  `json:"external_chat_id"`
	UnsafeUntil    int64  `json:"unsafe_until,omitempty"`
}

// SessionStatus represents the current state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is a persistent conversation thread owned by a project, possibly
// bound to an engine-side session id captured from the event stream.
// ModelName and Agent are the owner's picks for the session; empty means the
// engine's default.
type Session struct {
	ID              string        `json:"id"`
	ProjectID       string        `json:"project_id"`
	ChatID          string        `json:"chat_id,omitempty"`
	Provider        Engine        `json:"provider"`
	EngineSessionID string        `json:"engine_session_id,omitempty"`
	ModelName       string        `json:"model_name,omitempty"`
	Agent           string        `json:"agent,omitempty"`
	Status          SessionStatus `json:"status"`
	Prompt          string        `json:"prompt"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunLeased    RunStatus = "leased"
	RunInFlight  RunStatus = "in_flight"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunAbandoned RunStatus = "abandoned"
)

// Active reports whether the status counts against the per-session
// single-flight invariant.
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunLeased || s == RunInFlight
}

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled || s == RunAbandoned
}

// Run is one prompt execution against a session; the unit of durable work.
type Run struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	SessionID      string    `json:"session_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Prompt         string    `json:"prompt"`
	Status         RunStatus `json:"status"`
	StartedAt      int64     `json:"started_at,omitempty"`
	FinishedAt     int64     `json:"finished_at,omitempty"`
	SummaryJSON    string    `json:"summary_json,omitempty"`
	CreatedAt      int64     `json:"created_at"`
}

// JobStatus represents the queue state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the queue record attached 1:1 to a Run carrying lease and
// scheduling metadata.
type Job struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	Status         JobStatus `json:"status"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt int64     `json:"lease_expires_at,omitempty"`
	AvailableAt    int64     `json:"available_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      int64     `json:"created_at"`
}

// RunEvent is one persisted normalized event. (RunID, Seq) is gap-free and
// strictly increasing per run, starting at 1.
type RunEvent struct {
	ID          int64  `json:"id"`
	RunID       string `json:"run_id"`
	Seq         int64  `json:"seq"`
	EventType   string `json:"event_type"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   int64  `json:"created_at"`
}

// FileDirection distinguishes uploads from downloads.
type FileDirection string

const (
	FileUpload   FileDirection = "upload"
	FileDownload FileDirection = "download"
)

// FileRecord records upload/download provenance.
type FileRecord struct {
	ID            int64         `json:"id"`
	Direction     FileDirection `json:"direction"`
	OriginalName  string        `json:"original_name"`
	StoredRelPath string        `json:"stored_rel_path"`
	SizeBytes     int64         `json:"size_bytes"`
	SHA256        string        `json:"sha256"`
	CreatedAt     int64         `json:"created_at"`
}

// InboxUpdate is one deduplicated inbound chat update (first-writer-wins by
// update id).
type InboxUpdate struct {
	UpdateID    int64  `json:"update_id"`
	ChatID      int64  `json:"chat_id,omitempty"`
	PayloadJSON string `json:"payload_json"`
	ReceivedAt  int64  `json:"received_at"`
}

// AuditDecision is the outcome recorded for a gated command.
type AuditDecision string

const (
	AuditAllow AuditDecision = "allow"
	AuditDeny  AuditDecision = "deny"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id,omitempty"`
	ChatID    int64         `json:"chat_id"`
	Command   string        `json:"command"`
	RunID     string        `json:"run_id,omitempty"`
	Decision  AuditDecision `json:"decision"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt int64         `json:"created_at"`
}

// RunSummary is the derived summary persisted on a finalized run.
type RunSummary struct {
	DurationMs     int64  `json:"duration_ms"`
	ToolCallsCount int    `json:"tool_calls_count"`
	BytesIn        int64  `json:"bytes_in"`
	BytesOut       int64  `json:"bytes_out"`
	ExitStatus     string `json:"exit_status"`
}

// NowMillis returns the current wall clock in milliseconds since epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
