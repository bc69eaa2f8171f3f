package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestToolState_Constants(t *testing.T) {
	tests := []struct {
		constant ToolState
		expected string
	}{
		{ToolStateInputAvailable, "input-available"},
		{ToolStateOutputAvailable, "output-available"},
		{ToolStateOutputError, "output-error"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_Text(t *testing.T) {
	msg := Message{
		ID:   "msg-1",
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("Hello, "),
			ToolPart("call-1", "bash", json.RawMessage(`{"script":"ls"}`)),
			TextPart("world"),
		},
	}

	if got := msg.Text(); got != "Hello, world" {
		t.Errorf("Text() = %q, want %q", got, "Hello, world")
	}
	if got := len(msg.ToolParts()); got != 1 {
		t.Errorf("ToolParts() length = %d, want 1", got)
	}
}

func TestMessage_FindToolPart(t *testing.T) {
	msg := Message{
		Parts: []Part{
			TextPart("before"),
			ToolPart("call-a", "file_read", nil),
			ToolPart("call-b", "bash", nil),
		},
	}

	if got := msg.FindToolPart("call-b"); got != 2 {
		t.Errorf("FindToolPart(call-b) = %d, want 2", got)
	}
	if got := msg.FindToolPart("missing"); got != -1 {
		t.Errorf("FindToolPart(missing) = %d, want -1", got)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	original := Message{
		ID:   "msg-123",
		Role: RoleUser,
		Parts: []Part{
			TextPart("run the tests"),
		},
		Metadata: Metadata{
			Timestamp: now,
			Synthetic: true,
			UIVisible: true,
			RetrySendOptions: &SendOptions{
				Model:   "sonnet",
				AgentID: "exec",
				ToolPolicy: []ToolPolicyRule{
					{RegexMatch: "^bash$", Action: "disable"},
				},
			},
			Mux: &MuxMetadata{
				Type: "follow-up",
				PendingFollowUp: &PendingFollowUp{
					Text:    "and then lint",
					AgentID: "exec",
				},
			},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
	}
	if !decoded.Metadata.Synthetic {
		t.Error("Synthetic should be true")
	}
	if decoded.Metadata.RetrySendOptions == nil {
		t.Fatal("RetrySendOptions should survive round trip")
	}
	if got := decoded.Metadata.RetrySendOptions.Model; got != "sonnet" {
		t.Errorf("RetrySendOptions.Model = %q, want %q", got, "sonnet")
	}
	if len(decoded.Metadata.RetrySendOptions.ToolPolicy) != 1 {
		t.Errorf("ToolPolicy length = %d, want 1", len(decoded.Metadata.RetrySendOptions.ToolPolicy))
	}
	if decoded.Metadata.Mux == nil || decoded.Metadata.Mux.PendingFollowUp == nil {
		t.Fatal("PendingFollowUp should survive round trip")
	}
	if got := decoded.Metadata.Mux.PendingFollowUp.Text; got != "and then lint" {
		t.Errorf("PendingFollowUp.Text = %q, want %q", got, "and then lint")
	}
}

func TestMessage_JSONFieldNames(t *testing.T) {
	msg := Message{
		ID:   "m1",
		Role: RoleAssistant,
		Parts: []Part{
			{
				Type:       PartDynamicTool,
				ToolCallID: "c1",
				ToolName:   "bash",
				State:      ToolStateOutputAvailable,
				Input:      json.RawMessage(`{}`),
				Output:     json.RawMessage(`{"ok":true}`),
			},
		},
		Metadata: Metadata{
			Timestamp:          time.Now(),
			CompactionBoundary: true,
			Compacted:          true,
			CompactionEpoch:    3,
			Mux:                &MuxMetadata{Type: MetadataTypeCompactionSummary},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	meta, ok := generic["metadata"].(map[string]any)
	if !ok {
		t.Fatal("metadata should be an object")
	}
	for _, key := range []string{"compactionBoundary", "compactionEpoch", "muxMetadata"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("metadata missing field %q", key)
		}
	}
	part := generic["parts"].([]any)[0].(map[string]any)
	for _, key := range []string{"toolCallId", "toolName", "state"} {
		if _, ok := part[key]; !ok {
			t.Errorf("part missing field %q", key)
		}
	}
}

func TestMessage_CompactionHelpers(t *testing.T) {
	boundary := Message{
		Metadata: Metadata{Compacted: true, CompactionBoundary: true, CompactionEpoch: 1},
	}
	if !boundary.IsCompactionBoundary() {
		t.Error("IsCompactionBoundary should be true")
	}

	compactedOnly := Message{Metadata: Metadata{Compacted: true}}
	if compactedOnly.IsCompactionBoundary() {
		t.Error("compacted without boundary flag is not a boundary")
	}

	summary := Message{
		Metadata: Metadata{Mux: &MuxMetadata{Type: MetadataTypeCompactionSummary}},
	}
	if !summary.IsCompactionSummary() {
		t.Error("IsCompactionSummary should be true")
	}
}

func TestMessage_Clone(t *testing.T) {
	original := &Message{
		ID:   "m1",
		Role: RoleAssistant,
		Parts: []Part{
			ToolPart("c1", "bash", json.RawMessage(`{"script":"pwd"}`)),
		},
		Metadata: Metadata{
			Timestamp:        time.Now(),
			RetrySendOptions: &SendOptions{Model: "sonnet"},
			Mux: &MuxMetadata{
				Type:            "follow-up",
				PendingFollowUp: &PendingFollowUp{Text: "next"},
			},
		},
	}

	clone := original.Clone()
	clone.Parts[0].ToolName = "file_read"
	clone.Parts[0].Input[2] = 'X'
	clone.Metadata.RetrySendOptions.Model = "haiku"
	clone.Metadata.Mux.PendingFollowUp.Text = "changed"

	if original.Parts[0].ToolName != "bash" {
		t.Errorf("original part mutated: ToolName = %q", original.Parts[0].ToolName)
	}
	if string(original.Parts[0].Input) != `{"script":"pwd"}` {
		t.Errorf("original input mutated: %s", original.Parts[0].Input)
	}
	if original.Metadata.RetrySendOptions.Model != "sonnet" {
		t.Errorf("original RetrySendOptions mutated: %q", original.Metadata.RetrySendOptions.Model)
	}
	if original.Metadata.Mux.PendingFollowUp.Text != "next" {
		t.Errorf("original PendingFollowUp mutated: %q", original.Metadata.Mux.PendingFollowUp.Text)
	}
}

func TestSortTodos(t *testing.T) {
	items := []TodoItem{
		{Content: "a", Status: TodoPending},
		{Content: "b", Status: TodoCompleted},
		{Content: "c", Status: TodoInProgress},
		{Content: "d", Status: TodoCompleted},
	}

	sorted := SortTodos(items)
	wantOrder := []string{"b", "d", "c", "a"}
	for i, want := range wantOrder {
		if sorted[i].Content != want {
			t.Errorf("sorted[%d].Content = %q, want %q", i, sorted[i].Content, want)
		}
	}
}

func TestProcessStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   ProcessStatus
		terminal bool
	}{
		{ProcessRunning, false},
		{ProcessExited, true},
		{ProcessKilled, true},
		{ProcessFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestInitState_Done(t *testing.T) {
	running := InitState{Status: InitRunning}
	if running.Done() {
		t.Error("running init should not be done")
	}
	failed := InitState{Status: InitError}
	if !failed.Done() {
		t.Error("errored init should be done")
	}
}
