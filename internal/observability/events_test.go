package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("stream_id", func(t *testing.T) {
		ctx = AddStreamID(ctx, "msg-123")
		if got := GetStreamID(ctx); got != "msg-123" {
			t.Errorf("expected 'msg-123', got %s", got)
		}
	})

	t.Run("tool_call_id", func(t *testing.T) {
		ctx = AddToolCallID(ctx, "tool-456")
		if got := GetToolCallID(ctx); got != "tool-456" {
			t.Errorf("expected 'tool-456', got %s", got)
		}
	})

	t.Run("process_id", func(t *testing.T) {
		ctx = AddProcessID(ctx, "bash_1")
		if got := GetProcessID(ctx); got != "bash_1" {
			t.Errorf("expected 'bash_1', got %s", got)
		}
	})

	t.Run("agent_id", func(t *testing.T) {
		ctx = AddAgentID(ctx, "agent-abc")
		if got := GetAgentID(ctx); got != "agent-abc" {
			t.Errorf("expected 'agent-abc', got %s", got)
		}
	})

	t.Run("message_id", func(t *testing.T) {
		ctx = AddMessageID(ctx, "msg-def")
		if got := GetMessageID(ctx); got != "msg-def" {
			t.Errorf("expected 'msg-def', got %s", got)
		}
	})

	t.Run("empty context returns empty string", func(t *testing.T) {
		emptyCtx := context.Background()
		if got := GetStreamID(emptyCtx); got != "" {
			t.Errorf("expected empty string, got %s", got)
		}
	})
}

func TestMemoryTimelineStore(t *testing.T) {
	store := NewMemoryTimelineStore(100)

	t.Run("record and get", func(t *testing.T) {
		event := &Event{
			Type:        EventTypeStreamStart,
			StreamID:    "stream-1",
			WorkspaceID: "ws-1",
			Name:        "test_event",
		}

		err := store.Record(event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if event.ID == "" {
			t.Error("expected ID to be generated")
		}
		if event.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}

		got, err := store.Get(event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Name != "test_event" {
			t.Errorf("expected 'test_event', got %s", got.Name)
		}
	})

	t.Run("get by stream ID", func(t *testing.T) {
		// Record multiple events for same stream
		for i := 0; i < 5; i++ {
			store.Record(&Event{
				Type:     EventTypeToolStart,
				StreamID: "stream-query-test",
				Name:     "event",
			})
		}

		events, err := store.GetByStreamID("stream-query-test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 5 {
			t.Errorf("expected 5 events, got %d", len(events))
		}
	})

	t.Run("get by workspace ID", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			store.Record(&Event{
				Type:        EventTypeMessage,
				WorkspaceID: "ws-query-test",
				Name:        "message",
			})
		}

		events, err := store.GetByWorkspaceID("ws-query-test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("expected 3 events, got %d", len(events))
		}
	})

	t.Run("get by type", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			store.Record(&Event{
				Type: EventTypeCompaction,
				Name: "compaction",
			})
		}

		events, err := store.GetByType(EventTypeCompaction, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("expected 2 events (limited), got %d", len(events))
		}
	})

	t.Run("get by time range", func(t *testing.T) {
		start := time.Now()
		time.Sleep(10 * time.Millisecond)

		store.Record(&Event{
			Type: EventTypeCustom,
			Name: "in_range",
		})

		time.Sleep(10 * time.Millisecond)
		end := time.Now()

		events, err := store.GetByTimeRange(start, end)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		found := false
		for _, e := range events {
			if e.Name == "in_range" {
				found = true
				break
			}
		}
		if !found {
			t.Error("expected to find 'in_range' event")
		}
	})

	t.Run("delete old events", func(t *testing.T) {
		deleteStore := NewMemoryTimelineStore(100)

		// Record old event
		oldEvent := &Event{
			Type:      EventTypeStreamEnd,
			Timestamp: time.Now().Add(-2 * time.Hour),
			Name:      "old_event",
		}
		deleteStore.Record(oldEvent)

		// Record new event
		newEvent := &Event{
			Type: EventTypeStreamStart,
			Name: "new_event",
		}
		deleteStore.Record(newEvent)

		deleted, err := deleteStore.Delete(time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected 1 deleted, got %d", deleted)
		}

		// Old event should be gone
		_, err = deleteStore.Get(oldEvent.ID)
		if err == nil {
			t.Error("expected old event to be deleted")
		}

		// New event should still exist
		_, err = deleteStore.Get(newEvent.ID)
		if err != nil {
			t.Error("expected new event to still exist")
		}
	})

	t.Run("max size eviction", func(t *testing.T) {
		smallStore := NewMemoryTimelineStore(10)

		for i := 0; i < 15; i++ {
			smallStore.Record(&Event{
				Type: EventTypeCustom,
				Name: "overflow",
			})
		}

		// Should have evicted some events
		if len(smallStore.events) > 10 {
			t.Errorf("expected max 10 events, got %d", len(smallStore.events))
		}
	})

	t.Run("nil event error", func(t *testing.T) {
		err := store.Record(nil)
		if err == nil {
			t.Error("expected error for nil event")
		}
	})

	t.Run("not found error", func(t *testing.T) {
		_, err := store.Get("nonexistent")
		if err == nil {
			t.Error("expected error for nonexistent event")
		}
	})
}

func TestEventRecorder(t *testing.T) {
	store := NewMemoryTimelineStore(100)
	recorder := NewEventRecorder(store, nil)

	t.Run("record with context", func(t *testing.T) {
		ctx := context.Background()
		ctx = AddStreamID(ctx, "stream-recorder")
		ctx = AddWorkspaceID(ctx, "ws-recorder")
		ctx = AddProcessID(ctx, "bash_7")

		err := recorder.Record(ctx, EventTypeCustom, "test_event", map[string]interface{}{
			"key": "value",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByStreamID("stream-recorder")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}

		e := events[0]
		if e.StreamID != "stream-recorder" {
			t.Errorf("expected stream ID 'stream-recorder', got %s", e.StreamID)
		}
		if e.WorkspaceID != "ws-recorder" {
			t.Errorf("expected workspace ID 'ws-recorder', got %s", e.WorkspaceID)
		}
		if e.ProcessID != "bash_7" {
			t.Errorf("expected process ID 'bash_7', got %s", e.ProcessID)
		}
	})

	t.Run("record error", func(t *testing.T) {
		ctx := AddStreamID(context.Background(), "stream-error")
		testErr := errors.New("something went wrong")

		err := recorder.RecordError(ctx, EventTypeStreamError, "error_event", testErr, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByStreamID("stream-error")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}

		e := events[0]
		if e.Error != "something went wrong" {
			t.Errorf("expected error message, got %s", e.Error)
		}
	})

	t.Run("record tool start", func(t *testing.T) {
		ctx := AddStreamID(context.Background(), "stream-tool")

		err := recorder.RecordToolStart(ctx, "bash", map[string]string{"script": "ls"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByStreamID("stream-tool")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}

		e := events[0]
		if e.Type != EventTypeToolStart {
			t.Errorf("expected tool.start type, got %s", e.Type)
		}
		if e.Name != "bash" {
			t.Errorf("expected name 'bash', got %s", e.Name)
		}
	})

	t.Run("record tool end success", func(t *testing.T) {
		ctx := AddStreamID(context.Background(), "stream-tool-end")

		err := recorder.RecordToolEnd(ctx, "bash", 100*time.Millisecond, "result", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByStreamID("stream-tool-end")
		e := events[0]
		if e.Type != EventTypeToolEnd {
			t.Errorf("expected tool.end type, got %s", e.Type)
		}
	})

	t.Run("record tool end error", func(t *testing.T) {
		ctx := AddStreamID(context.Background(), "stream-tool-error")
		testErr := errors.New("tool failed")

		err := recorder.RecordToolEnd(ctx, "bash", 50*time.Millisecond, nil, testErr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByStreamID("stream-tool-error")
		e := events[0]
		if e.Type != EventTypeToolError {
			t.Errorf("expected tool.error type, got %s", e.Type)
		}
		if e.Error != "tool failed" {
			t.Errorf("expected error 'tool failed', got %s", e.Error)
		}
	})

	t.Run("record stream start/end", func(t *testing.T) {
		ctx := context.Background()

		err := recorder.RecordStreamStart(ctx, "stream-lifecycle", map[string]interface{}{
			"input": "test message",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx = AddStreamID(ctx, "stream-lifecycle")
		err = recorder.RecordStreamEnd(ctx, 500*time.Millisecond, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByStreamID("stream-lifecycle")
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
	})

	t.Run("record process event", func(t *testing.T) {
		ctx := AddStreamID(context.Background(), "stream-proc")

		err := recorder.RecordProcessEvent(ctx, EventTypeProcessStart, "bash_3", map[string]interface{}{
			"script": "npm run dev",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events, _ := store.GetByStreamID("stream-proc")
		e := events[0]
		if e.ProcessID != "bash_3" {
			t.Errorf("expected process ID 'bash_3', got %s", e.ProcessID)
		}
	})
}

func TestTimeline(t *testing.T) {
	t.Run("build timeline", func(t *testing.T) {
		events := []*Event{
			{
				ID:          "1",
				Type:        EventTypeStreamStart,
				Timestamp:   time.Now().Add(-100 * time.Millisecond),
				StreamID:    "stream-timeline",
				WorkspaceID: "ws-timeline",
			},
			{
				ID:        "2",
				Type:      EventTypeToolStart,
				Timestamp: time.Now().Add(-80 * time.Millisecond),
				StreamID:  "stream-timeline",
			},
			{
				ID:        "3",
				Type:      EventTypeToolEnd,
				Timestamp: time.Now().Add(-60 * time.Millisecond),
				StreamID:  "stream-timeline",
				Duration:  20 * time.Millisecond,
			},
			{
				ID:        "4",
				Type:      EventTypeProcessStart,
				Timestamp: time.Now().Add(-50 * time.Millisecond),
				StreamID:  "stream-timeline",
			},
			{
				ID:        "5",
				Type:      EventTypeStreamError,
				Timestamp: time.Now().Add(-30 * time.Millisecond),
				StreamID:  "stream-timeline",
				Error:     "rate limited",
			},
			{
				ID:        "6",
				Type:      EventTypeStreamEnd,
				Timestamp: time.Now(),
				StreamID:  "stream-timeline",
			},
		}

		timeline := BuildTimeline(events)

		if timeline.StreamID != "stream-timeline" {
			t.Errorf("expected stream ID 'stream-timeline', got %s", timeline.StreamID)
		}
		if timeline.WorkspaceID != "ws-timeline" {
			t.Errorf("expected workspace ID 'ws-timeline', got %s", timeline.WorkspaceID)
		}
		if timeline.Summary.TotalEvents != 6 {
			t.Errorf("expected 6 total events, got %d", timeline.Summary.TotalEvents)
		}
		if timeline.Summary.ErrorCount != 1 {
			t.Errorf("expected 1 error, got %d", timeline.Summary.ErrorCount)
		}
		if timeline.Summary.ToolCalls != 1 {
			t.Errorf("expected 1 tool call, got %d", timeline.Summary.ToolCalls)
		}
		if timeline.Summary.ProcessEvents != 1 {
			t.Errorf("expected 1 process event, got %d", timeline.Summary.ProcessEvents)
		}
	})

	t.Run("empty timeline", func(t *testing.T) {
		timeline := BuildTimeline([]*Event{})
		if timeline.Summary == nil {
			t.Error("expected summary to be non-nil")
		}
		if timeline.Summary.TotalEvents != 0 {
			t.Errorf("expected 0 events, got %d", timeline.Summary.TotalEvents)
		}
	})

	t.Run("format timeline", func(t *testing.T) {
		events := []*Event{
			{
				ID:        "1",
				Type:      EventTypeStreamStart,
				Timestamp: time.Now().Add(-100 * time.Millisecond),
				StreamID:  "stream-format",
				Name:      "stream_start",
			},
			{
				ID:        "2",
				Type:      EventTypeToolStart,
				Timestamp: time.Now().Add(-50 * time.Millisecond),
				StreamID:  "stream-format",
				Name:      "bash",
				ProcessID: "bash_1",
			},
			{
				ID:        "3",
				Type:      EventTypeToolError,
				Timestamp: time.Now(),
				StreamID:  "stream-format",
				Name:      "bash",
				Error:     "timeout",
				Duration:  50 * time.Millisecond,
			},
		}

		timeline := BuildTimeline(events)
		output := FormatTimeline(timeline)

		if !strings.Contains(output, "stream-format") {
			t.Error("expected output to contain stream ID")
		}
		if !strings.Contains(output, "bash") {
			t.Error("expected output to contain tool name")
		}
		if !strings.Contains(output, "bash_1") {
			t.Error("expected output to contain process ID")
		}
		if !strings.Contains(output, "timeout") {
			t.Error("expected output to contain error")
		}
		if !strings.Contains(output, "❌") {
			t.Error("expected output to contain error marker")
		}
	})

	t.Run("format nil timeline", func(t *testing.T) {
		output := FormatTimeline(nil)
		if output != "No events found" {
			t.Errorf("expected 'No events found', got %s", output)
		}
	})
}

func TestEventTypes(t *testing.T) {
	// Verify event type constants
	types := []EventType{
		EventTypeStreamStart,
		EventTypeStreamEnd,
		EventTypeStreamError,
		EventTypeStreamAbort,
		EventTypeToolStart,
		EventTypeToolEnd,
		EventTypeToolError,
		EventTypeHookStart,
		EventTypeHookEnd,
		EventTypeProcessStart,
		EventTypeProcessExit,
		EventTypeProcessKill,
		EventTypeInitStart,
		EventTypeInitEnd,
		EventTypeCompaction,
		EventTypeRetryScheduled,
		EventTypeAgentSwitch,
		EventTypeMessage,
		EventTypeCustom,
	}

	for _, et := range types {
		if string(et) == "" {
			t.Errorf("event type %v has empty string value", et)
		}
	}
}

func TestDiagnosticEmitter(t *testing.T) {
	ResetDiagnosticsForTest()
	defer ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)
	defer SetDiagnosticsEnabled(false)

	var received []DiagnosticEventPayload
	unsubscribe := OnDiagnosticEvent(func(event DiagnosticEventPayload) {
		received = append(received, event)
	})

	EmitSessionState(&SessionStateEvent{
		WorkspaceID: "ws-1",
		PrevState:   SessionStateIdle,
		State:       SessionStatePreparing,
	})
	EmitStreamAttempt(&StreamAttemptEvent{
		WorkspaceID: "ws-1",
		StreamID:    "msg-1",
		Attempt:     1,
		Reason:      "initial",
	})

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[0].EventType() != EventTypeSessionState {
		t.Errorf("expected session.state, got %s", received[0].EventType())
	}
	if received[1].Sequence() <= received[0].Sequence() {
		t.Error("expected sequences to be monotonic")
	}

	unsubscribe()
	EmitSessionState(&SessionStateEvent{State: SessionStateIdle})
	if len(received) != 2 {
		t.Error("expected no events after unsubscribe")
	}
}

func TestDiagnosticsDisabled(t *testing.T) {
	ResetDiagnosticsForTest()
	defer ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(false)

	var received int
	defer OnDiagnosticEvent(func(event DiagnosticEventPayload) {
		received++
	})()

	EmitSessionStuck(&SessionStuckEvent{WorkspaceID: "ws-1", AgeMs: 60000})

	if received != 0 {
		t.Errorf("expected no events when disabled, got %d", received)
	}
}
