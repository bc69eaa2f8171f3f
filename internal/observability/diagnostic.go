// Package observability provides diagnostic event types and emission.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticSessionState represents the state of a workspace session.
type DiagnosticSessionState string

const (
	SessionStateIdle       DiagnosticSessionState = "idle"
	SessionStatePreparing  DiagnosticSessionState = "preparing"
	SessionStateStreaming  DiagnosticSessionState = "streaming"
	SessionStateCompleting DiagnosticSessionState = "completing"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeModelUsage          DiagnosticEventType = "model.usage"
	EventTypeSendQueued          DiagnosticEventType = "send.queued"
	EventTypeSendProcessed       DiagnosticEventType = "send.processed"
	EventTypeSessionState        DiagnosticEventType = "session.state"
	EventTypeSessionStuck        DiagnosticEventType = "session.stuck"
	EventTypeStreamAttempt       DiagnosticEventType = "stream.attempt"
	EventTypeDiagnosticHeartbeat DiagnosticEventType = "diagnostic.heartbeat"
)

// DiagnosticEvent is the base event structure.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ModelUsageEvent tracks token usage for a model request.
type ModelUsageEvent struct {
	DiagnosticEvent
	WorkspaceID string          `json:"workspace_id,omitempty"`
	StreamID    string          `json:"stream_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Model       string          `json:"model,omitempty"`
	Usage       UsageDetails    `json:"usage"`
	Context     *ContextDetails `json:"context,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// UsageDetails contains token usage breakdown.
type UsageDetails struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
	Total      int64 `json:"total,omitempty"`
}

// ContextDetails contains context window information.
type ContextDetails struct {
	Limit int64 `json:"limit,omitempty"`
	Used  int64 `json:"used,omitempty"`
}

// SendQueuedEvent tracks follow-ups queued behind an active stream.
type SendQueuedEvent struct {
	DiagnosticEvent
	WorkspaceID string `json:"workspace_id,omitempty"`
	Source      string `json:"source"` // "user", "follow_up", "auto_retry"
	QueueDepth  int    `json:"queue_depth,omitempty"`
}

// SendProcessedEvent tracks completed sends.
type SendProcessedEvent struct {
	DiagnosticEvent
	WorkspaceID string `json:"workspace_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	Outcome     string `json:"outcome"` // "completed", "aborted", "error"
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SessionStateEvent tracks session state changes.
type SessionStateEvent struct {
	DiagnosticEvent
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	PrevState   DiagnosticSessionState `json:"prev_state,omitempty"`
	State       DiagnosticSessionState `json:"state"`
	Reason      string                 `json:"reason,omitempty"`
	QueueDepth  int                    `json:"queue_depth,omitempty"`
}

// SessionStuckEvent tracks sessions that have not left a busy state.
type SessionStuckEvent struct {
	DiagnosticEvent
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	State       DiagnosticSessionState `json:"state"`
	AgeMs       int64                  `json:"age_ms"`
	QueueDepth  int                    `json:"queue_depth,omitempty"`
}

// StreamAttemptEvent tracks stream attempts, including compaction retries
// and hard restarts.
type StreamAttemptEvent struct {
	DiagnosticEvent
	WorkspaceID string `json:"workspace_id,omitempty"`
	StreamID    string `json:"stream_id"`
	Attempt     int    `json:"attempt"`
	Reason      string `json:"reason,omitempty"` // "initial", "context_exceeded", "hard_restart"
}

// DiagnosticHeartbeatEvent tracks diagnostic heartbeats.
type DiagnosticHeartbeatEvent struct {
	DiagnosticEvent
	Streaming int `json:"streaming"`
	Idle      int `json:"idle"`
	Queued    int `json:"queued"`
	Processes int `json:"processes"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

// Implement DiagnosticEventPayload for all event types
func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

// DiagnosticEmitter manages diagnostic event emission.
type DiagnosticEmitter struct {
	mu         sync.RWMutex
	seq        int64
	nextID     int
	enabled    bool
	listeners  map[int]DiagnosticListener
	listenerID []int // registration order
}

var globalEmitter = &DiagnosticEmitter{listeners: make(map[int]DiagnosticListener)}

// SetDiagnosticsEnabled enables or disables diagnostic events.
func SetDiagnosticsEnabled(enabled bool) {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.enabled = enabled
}

// IsDiagnosticsEnabled returns whether diagnostics are enabled.
func IsDiagnosticsEnabled() bool {
	globalEmitter.mu.RLock()
	defer globalEmitter.mu.RUnlock()
	return globalEmitter.enabled
}

// OnDiagnosticEvent registers a listener for diagnostic events and returns
// an unsubscribe function.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	id := globalEmitter.nextID
	globalEmitter.nextID++
	globalEmitter.listeners[id] = listener
	globalEmitter.listenerID = append(globalEmitter.listenerID, id)

	return func() {
		globalEmitter.mu.Lock()
		defer globalEmitter.mu.Unlock()
		delete(globalEmitter.listeners, id)
		for i, lid := range globalEmitter.listenerID {
			if lid == id {
				globalEmitter.listenerID = append(globalEmitter.listenerID[:i], globalEmitter.listenerID[i+1:]...)
				break
			}
		}
	}
}

// nextSeq returns the next sequence number.
func nextSeq() int64 {
	return atomic.AddInt64(&globalEmitter.seq, 1)
}

// emit sends an event to all listeners in registration order.
func emit(event DiagnosticEventPayload) {
	globalEmitter.mu.RLock()
	if !globalEmitter.enabled {
		globalEmitter.mu.RUnlock()
		return
	}
	listeners := make([]DiagnosticListener, 0, len(globalEmitter.listenerID))
	for _, id := range globalEmitter.listenerID {
		if l, ok := globalEmitter.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	globalEmitter.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					_ = recovered
				}
			}() // Ignore listener panics
			listener(event)
		}()
	}
}

// EmitModelUsage emits a model usage event.
func EmitModelUsage(e *ModelUsageEvent) {
	e.Type = EventTypeModelUsage
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitSendQueued emits a send queued event.
func EmitSendQueued(e *SendQueuedEvent) {
	e.Type = EventTypeSendQueued
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitSendProcessed emits a send processed event.
func EmitSendProcessed(e *SendProcessedEvent) {
	e.Type = EventTypeSendProcessed
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitSessionState emits a session state event.
func EmitSessionState(e *SessionStateEvent) {
	e.Type = EventTypeSessionState
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitSessionStuck emits a session stuck event.
func EmitSessionStuck(e *SessionStuckEvent) {
	e.Type = EventTypeSessionStuck
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitStreamAttempt emits a stream attempt event.
func EmitStreamAttempt(e *StreamAttemptEvent) {
	e.Type = EventTypeStreamAttempt
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitDiagnosticHeartbeat emits a diagnostic heartbeat event.
func EmitDiagnosticHeartbeat(e *DiagnosticHeartbeatEvent) {
	e.Type = EventTypeDiagnosticHeartbeat
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// ResetDiagnosticsForTest resets diagnostic state for testing.
func ResetDiagnosticsForTest() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	atomic.StoreInt64(&globalEmitter.seq, 0)
	globalEmitter.listeners = make(map[int]DiagnosticListener)
	globalEmitter.listenerID = nil
}
