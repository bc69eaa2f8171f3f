// Package observability provides logging, tracing, and event timeline capabilities.
// This file implements the event timeline for debugging and replaying streams.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Additional context keys for correlation IDs
const (
	// ToolCallIDKey is the context key for tool call IDs.
	ToolCallIDKey ContextKey = "tool_call_id"

	// MessageIDKey is the context key for message IDs.
	MessageIDKey ContextKey = "message_id"

	// ProcessIDKey is the context key for background process IDs.
	ProcessIDKey ContextKey = "process_id"
)

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, toolCallID)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	if id, ok := ctx.Value(ToolCallIDKey).(string); ok {
		return id
	}
	return ""
}

// AddMessageID adds a message ID to the context.
func AddMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

// GetMessageID retrieves the message ID from the context.
func GetMessageID(ctx context.Context) string {
	if id, ok := ctx.Value(MessageIDKey).(string); ok {
		return id
	}
	return ""
}

// AddProcessID adds a background process ID to the context.
func AddProcessID(ctx context.Context, processID string) context.Context {
	return context.WithValue(ctx, ProcessIDKey, processID)
}

// GetProcessID retrieves the background process ID from the context.
func GetProcessID(ctx context.Context) string {
	if id, ok := ctx.Value(ProcessIDKey).(string); ok {
		return id
	}
	return ""
}

// GetStreamID retrieves the stream ID from the context.
func GetStreamID(ctx context.Context) string {
	if id, ok := ctx.Value(StreamIDKey).(string); ok {
		return id
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context.
func GetAgentID(ctx context.Context) string {
	if id, ok := ctx.Value(AgentIDKey).(string); ok {
		return id
	}
	return ""
}

// EventType categorizes timeline events for filtering and display.
type EventType string

const (
	EventTypeStreamStart    EventType = "stream.start"
	EventTypeStreamEnd      EventType = "stream.end"
	EventTypeStreamError    EventType = "stream.error"
	EventTypeStreamAbort    EventType = "stream.abort"
	EventTypeToolStart      EventType = "tool.start"
	EventTypeToolEnd        EventType = "tool.end"
	EventTypeToolError      EventType = "tool.error"
	EventTypeHookStart      EventType = "hook.start"
	EventTypeHookEnd        EventType = "hook.end"
	EventTypeProcessStart   EventType = "process.start"
	EventTypeProcessExit    EventType = "process.exit"
	EventTypeProcessKill    EventType = "process.kill"
	EventTypeInitStart      EventType = "init.start"
	EventTypeInitEnd        EventType = "init.end"
	EventTypeCompaction     EventType = "compaction"
	EventTypeRetryScheduled EventType = "retry.scheduled"
	EventTypeAgentSwitch    EventType = "agent.switch"
	EventTypeMessage        EventType = "message"
	EventTypeCustom         EventType = "custom"
)

// Event represents a single event in the debug timeline.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	StreamID    string                 `json:"stream_id,omitempty"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	ToolCallID  string                 `json:"tool_call_id,omitempty"`
	ProcessID   string                 `json:"process_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Duration    time.Duration          `json:"duration_ns,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ParentID    string                 `json:"parent_id,omitempty"`
	TraceID     string                 `json:"trace_id,omitempty"`
	SpanID      string                 `json:"span_id,omitempty"`
}

// TimelineStore stores and retrieves debug events.
type TimelineStore interface {
	// Record stores an event.
	Record(event *Event) error

	// GetByStreamID returns all events for a stream, sorted by timestamp.
	GetByStreamID(streamID string) ([]*Event, error)

	// GetByWorkspaceID returns all events for a workspace, sorted by timestamp.
	GetByWorkspaceID(workspaceID string) ([]*Event, error)

	// GetByTimeRange returns events within a time range.
	GetByTimeRange(start, end time.Time) ([]*Event, error)

	// GetByType returns events of a specific type.
	GetByType(eventType EventType, limit int) ([]*Event, error)

	// Get returns a single event by ID.
	Get(id string) (*Event, error)

	// Delete removes events older than the given duration.
	Delete(olderThan time.Duration) (int, error)
}

// MemoryTimelineStore is an in-memory implementation of TimelineStore.
type MemoryTimelineStore struct {
	mu          sync.RWMutex
	events      map[string]*Event
	byStream    map[string][]string // streamID -> eventIDs
	byWorkspace map[string][]string // workspaceID -> eventIDs
	maxSize     int
}

// NewMemoryTimelineStore creates a new in-memory timeline store.
func NewMemoryTimelineStore(maxSize int) *MemoryTimelineStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryTimelineStore{
		events:      make(map[string]*Event),
		byStream:    make(map[string][]string),
		byWorkspace: make(map[string][]string),
		maxSize:     maxSize,
	}
}

func (s *MemoryTimelineStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Enforce max size
	if len(s.events) >= s.maxSize {
		s.evictOldest()
	}

	s.events[event.ID] = event

	if event.StreamID != "" {
		s.byStream[event.StreamID] = append(s.byStream[event.StreamID], event.ID)
	}
	if event.WorkspaceID != "" {
		s.byWorkspace[event.WorkspaceID] = append(s.byWorkspace[event.WorkspaceID], event.ID)
	}

	return nil
}

func (s *MemoryTimelineStore) GetByStreamID(streamID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byStream[streamID]), nil
}

func (s *MemoryTimelineStore) GetByWorkspaceID(workspaceID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byWorkspace[workspaceID]), nil
}

// collect resolves ids to events sorted by timestamp. Caller holds the lock.
func (s *MemoryTimelineStore) collect(ids []string) []*Event {
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

func (s *MemoryTimelineStore) GetByTimeRange(start, end time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if (e.Timestamp.Equal(start) || e.Timestamp.After(start)) &&
			(e.Timestamp.Equal(end) || e.Timestamp.Before(end)) {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, nil
}

func (s *MemoryTimelineStore) GetByType(eventType EventType, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp) // Most recent first
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

func (s *MemoryTimelineStore) Get(id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	return e, nil
}

func (s *MemoryTimelineStore) Delete(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	deleted := 0

	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}

	// Clean up indices
	for streamID, ids := range s.byStream {
		var remaining []string
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(s.byStream, streamID)
		} else {
			s.byStream[streamID] = remaining
		}
	}

	for workspaceID, ids := range s.byWorkspace {
		var remaining []string
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(s.byWorkspace, workspaceID)
		} else {
			s.byWorkspace[workspaceID] = remaining
		}
	}

	return deleted, nil
}

func (s *MemoryTimelineStore) evictOldest() {
	// Find and remove oldest 10% of events
	toRemove := s.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}

	var events []*Event
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for i := 0; i < toRemove && i < len(events); i++ {
		delete(s.events, events[i].ID)
	}
}

// EventRecorder provides a convenient API for recording timeline events.
type EventRecorder struct {
	store  TimelineStore
	logger *Logger
}

// NewEventRecorder creates a new event recorder.
func NewEventRecorder(store TimelineStore, logger *Logger) *EventRecorder {
	return &EventRecorder{
		store:  store,
		logger: logger,
	}
}

// Record records an event, extracting correlation IDs from context.
func (r *EventRecorder) Record(ctx context.Context, eventType EventType, name string, data map[string]interface{}) error {
	event := &Event{
		ID:          generateEventID(),
		Type:        eventType,
		Timestamp:   time.Now(),
		StreamID:    GetStreamID(ctx),
		WorkspaceID: GetWorkspaceID(ctx),
		ToolCallID:  GetToolCallID(ctx),
		ProcessID:   GetProcessID(ctx),
		AgentID:     GetAgentID(ctx),
		MessageID:   GetMessageID(ctx),
		Name:        name,
		Data:        data,
		TraceID:     GetTraceID(ctx),
		SpanID:      GetSpanID(ctx),
	}

	if r.logger != nil {
		r.logger.Debug(ctx, "event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
		)
	}

	return r.store.Record(event)
}

// RecordError records an error event.
func (r *EventRecorder) RecordError(ctx context.Context, eventType EventType, name string, err error, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["error"] = err.Error()

	event := &Event{
		ID:          generateEventID(),
		Type:        eventType,
		Timestamp:   time.Now(),
		StreamID:    GetStreamID(ctx),
		WorkspaceID: GetWorkspaceID(ctx),
		ToolCallID:  GetToolCallID(ctx),
		ProcessID:   GetProcessID(ctx),
		AgentID:     GetAgentID(ctx),
		MessageID:   GetMessageID(ctx),
		Name:        name,
		Data:        data,
		Error:       err.Error(),
		TraceID:     GetTraceID(ctx),
		SpanID:      GetSpanID(ctx),
	}

	if r.logger != nil {
		r.logger.Error(ctx, "error event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
			"error", err,
		)
	}

	return r.store.Record(event)
}

// RecordToolStart records a tool execution start event.
func (r *EventRecorder) RecordToolStart(ctx context.Context, toolName string, input interface{}) error {
	data := map[string]interface{}{
		"tool_name": toolName,
	}
	if input != nil {
		if b, err := json.Marshal(input); err == nil {
			data["input"] = string(b)
		}
	}
	return r.Record(ctx, EventTypeToolStart, toolName, data)
}

// RecordToolEnd records a tool execution end event.
func (r *EventRecorder) RecordToolEnd(ctx context.Context, toolName string, duration time.Duration, output interface{}, err error) error {
	data := map[string]interface{}{
		"tool_name":   toolName,
		"duration_ms": duration.Milliseconds(),
	}
	if output != nil {
		if b, err := json.Marshal(output); err == nil {
			data["output"] = string(b)
		}
	}

	if err != nil {
		data["error"] = err.Error()
		return r.RecordError(ctx, EventTypeToolError, toolName, err, data)
	}

	return r.Record(ctx, EventTypeToolEnd, toolName, data)
}

// RecordStreamStart records a stream start event.
func (r *EventRecorder) RecordStreamStart(ctx context.Context, streamID string, data map[string]interface{}) error {
	ctx = AddStreamID(ctx, streamID)
	return r.Record(ctx, EventTypeStreamStart, "stream_start", data)
}

// RecordStreamEnd records a stream end event.
func (r *EventRecorder) RecordStreamEnd(ctx context.Context, duration time.Duration, err error) error {
	data := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		return r.RecordError(ctx, EventTypeStreamError, "stream_error", err, data)
	}
	return r.Record(ctx, EventTypeStreamEnd, "stream_end", data)
}

// RecordProcessEvent records a background process lifecycle event.
func (r *EventRecorder) RecordProcessEvent(ctx context.Context, eventType EventType, processID string, data map[string]interface{}) error {
	ctx = AddProcessID(ctx, processID)
	if data == nil {
		data = make(map[string]interface{})
	}
	data["process_id"] = processID
	return r.Record(ctx, eventType, string(eventType), data)
}

// Timeline represents a sequence of events for display.
type Timeline struct {
	StreamID    string           `json:"stream_id"`
	WorkspaceID string           `json:"workspace_id"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	Duration    time.Duration    `json:"duration"`
	Events      []*Event         `json:"events"`
	Summary     *TimelineSummary `json:"summary"`
}

// TimelineSummary provides aggregate statistics for a timeline.
type TimelineSummary struct {
	TotalEvents   int           `json:"total_events"`
	ErrorCount    int           `json:"error_count"`
	ToolCalls     int           `json:"tool_calls"`
	Streams       int           `json:"streams"`
	ProcessEvents int           `json:"process_events"`
	TotalDuration time.Duration `json:"total_duration"`
}

// BuildTimeline creates a timeline from events.
func BuildTimeline(events []*Event) *Timeline {
	if len(events) == 0 {
		return &Timeline{Summary: &TimelineSummary{}}
	}

	// Sort by timestamp
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	timeline := &Timeline{
		Events:    events,
		StartTime: events[0].Timestamp,
		EndTime:   events[len(events)-1].Timestamp,
		Duration:  events[len(events)-1].Timestamp.Sub(events[0].Timestamp),
		Summary:   &TimelineSummary{TotalEvents: len(events)},
	}

	// Extract stream/workspace ID from first event that has one
	for _, e := range events {
		if e.StreamID != "" && timeline.StreamID == "" {
			timeline.StreamID = e.StreamID
		}
		if e.WorkspaceID != "" && timeline.WorkspaceID == "" {
			timeline.WorkspaceID = e.WorkspaceID
		}
		if timeline.StreamID != "" && timeline.WorkspaceID != "" {
			break
		}
	}

	// Compute summary
	for _, e := range events {
		if e.Error != "" {
			timeline.Summary.ErrorCount++
		}
		switch e.Type {
		case EventTypeToolStart:
			timeline.Summary.ToolCalls++
		case EventTypeStreamStart:
			timeline.Summary.Streams++
		case EventTypeProcessStart, EventTypeProcessExit, EventTypeProcessKill:
			timeline.Summary.ProcessEvents++
		}
		timeline.Summary.TotalDuration += e.Duration
	}

	return timeline
}

// FormatTimeline formats a timeline for display.
func FormatTimeline(timeline *Timeline) string {
	if timeline == nil || len(timeline.Events) == 0 {
		return "No events found"
	}

	var result string
	result += fmt.Sprintf("=== Timeline for Stream: %s ===\n", timeline.StreamID)
	result += fmt.Sprintf("Workspace: %s\n", timeline.WorkspaceID)
	result += fmt.Sprintf("Duration: %v\n", timeline.Duration)
	result += fmt.Sprintf("Events: %d (Errors: %d)\n", timeline.Summary.TotalEvents, timeline.Summary.ErrorCount)
	result += fmt.Sprintf("Tool calls: %d, Streams: %d, Process events: %d\n\n",
		timeline.Summary.ToolCalls, timeline.Summary.Streams, timeline.Summary.ProcessEvents)

	for i, e := range timeline.Events {
		prefix := "├─"
		if i == len(timeline.Events)-1 {
			prefix = "└─"
		}

		timestamp := e.Timestamp.Format("15:04:05.000")
		errorMark := ""
		if e.Error != "" {
			errorMark = " ❌"
		}

		result += fmt.Sprintf("%s [%s] %s: %s%s\n", prefix, timestamp, e.Type, e.Name, errorMark)

		if e.Duration > 0 {
			result += fmt.Sprintf("   Duration: %v\n", e.Duration)
		}
		if e.ProcessID != "" {
			result += fmt.Sprintf("   Process: %s\n", e.ProcessID)
		}
		if e.Error != "" {
			result += fmt.Sprintf("   Error: %s\n", e.Error)
		}
	}

	return result
}

var eventIDCounter int64
var eventIDMu sync.Mutex

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter)
}
