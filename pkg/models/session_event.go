package models

import (
	"time"
)

// SessionEvent is the unified event model for a workspace session stream.
// Subscribers first receive a replay of buffered events, then a caught-up
// marker, then live events.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence per workspace for ordering guarantees
type SessionEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type SessionEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a workspace session.
	Sequence uint64 `json:"seq"`

	// WorkspaceID identifies the owning workspace.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Stream  *StreamPayload  `json:"stream,omitempty"`
	Tool    *ToolPayload    `json:"tool,omitempty"`
	Bash    *BashPayload    `json:"bash,omitempty"`
	Task    *TaskPayload    `json:"task,omitempty"`
	Retry   *RetryPayload   `json:"retry,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Init    *InitPayload    `json:"init,omitempty"`
	Message *MessagePayload `json:"message,omitempty"`
}

// SessionEventType identifies the kind of session event.
type SessionEventType string

const (
	// Stream lifecycle
	EventStreamStart SessionEventType = "stream-start"
	EventStreamDelta SessionEventType = "stream-delta"
	EventStreamEnd   SessionEventType = "stream-end"
	EventStreamError SessionEventType = "stream-error"
	EventStreamAbort SessionEventType = "stream-abort"

	// Tool execution
	EventToolCallStart SessionEventType = "tool-call-start"
	EventToolCallEnd   SessionEventType = "tool-call-end"

	// Background process output forwarded into the stream
	EventBashOutput SessionEventType = "bash-output"

	// Subagent task lifecycle
	EventTaskCreated SessionEventType = "task-created"

	// Deferred auto-retry announcement
	EventAutoRetryScheduled SessionEventType = "auto-retry-scheduled"

	// Replay boundary: everything before this was historical
	EventCaughtUp SessionEventType = "caught-up"

	// Durable message appended or replaced
	EventMessageAppended SessionEventType = "message-appended"
	EventMessageUpdated  SessionEventType = "message-updated"

	// Init hook lifecycle
	EventInitStart  SessionEventType = "init-start"
	EventInitOutput SessionEventType = "init-output"
	EventInitEnd    SessionEventType = "init-end"
)

// StreamPayload carries stream lifecycle data: the assistant message being
// streamed and, for delta events, the incremental text.
type StreamPayload struct {
	MessageID string `json:"message_id,omitempty"`

	// Delta is the incremental text (token-by-token or chunked).
	Delta string `json:"delta,omitempty"`

	// Reasoning is incremental thinking text, kept separate from Delta.
	Reasoning string `json:"reasoning,omitempty"`

	// Model/AgentID for debugging (optional, stream-start only).
	Model   string `json:"model,omitempty"`
	AgentID string `json:"agent_id,omitempty"`

	// Reason is set on stream-abort events.
	Reason string `json:"reason,omitempty"`
}

// ToolPayload describes tool call starts and completions.
type ToolPayload struct {
	// CallID identifies this specific tool invocation.
	CallID string `json:"call_id"`

	// Name is the tool name.
	Name string `json:"name"`

	// ArgsJSON is the raw JSON arguments (for start events).
	ArgsJSON []byte `json:"args_json,omitempty"`

	// For end events:
	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// BashPayload carries a chunk of background process output.
type BashPayload struct {
	ProcessID string `json:"process_id"`
	Chunk     string `json:"chunk"`
}

// TaskPayload announces a spawned subagent task.
type TaskPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// RetryPayload announces a scheduled auto-retry with the options it will use.
type RetryPayload struct {
	UserMessageID string       `json:"user_message_id,omitempty"`
	Options       *SendOptions `json:"options,omitempty"`
	Attempt       int          `json:"attempt,omitempty"`
	Delay         string       `json:"delay,omitempty"`
}

// ErrorPayload standardizes stream errors for subscribers.
type ErrorPayload struct {
	// Message is the error description (required).
	Message string `json:"message"`

	// Kind is the error classification for programmatic handling.
	Kind string `json:"kind,omitempty"`

	// Retriable indicates if a retry may succeed.
	Retriable bool `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized).
	// Used to preserve error types for errors.Is/errors.As.
	Err error `json:"-"`
}

// InitPayload carries init hook lifecycle data.
type InitPayload struct {
	HookPath string     `json:"hook_path,omitempty"`
	Line     *TimedLine `json:"line,omitempty"`
	Status   InitStatus `json:"status,omitempty"`
	ExitCode *int       `json:"exit_code,omitempty"`

	// TruncatedLines is the count of output lines dropped by the ring
	// buffer cap, reported on init-end.
	TruncatedLines int `json:"truncated_lines,omitempty"`
}

// MessagePayload carries a full durable message snapshot.
type MessagePayload struct {
	Message *Message `json:"message"`
}

// NewSessionEvent builds an event with the current version and time.
// Sequence is assigned by the emitting session.
func NewSessionEvent(typ SessionEventType, workspaceID string) SessionEvent {
	return SessionEvent{
		Version:     1,
		Type:        typ,
		Time:        time.Now(),
		WorkspaceID: workspaceID,
	}
}
