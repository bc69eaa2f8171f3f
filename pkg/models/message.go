// Package models defines the wire types shared by the mux runtime: messages
// and their parts, send options, stream events, background process state,
// init status, and todo items. These shapes are the on-disk and on-socket
// contract, so field names are stable and JSON tags are normative.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates message part variants.
type PartType string

const (
	// PartText is a plain text segment.
	PartText PartType = "text"

	// PartDynamicTool is a tool invocation and, eventually, its result.
	PartDynamicTool PartType = "dynamic-tool"
)

// ToolState tracks the lifecycle of a dynamic-tool part.
type ToolState string

const (
	// ToolStateInputAvailable means the call has been issued but not resolved.
	ToolStateInputAvailable ToolState = "input-available"

	// ToolStateOutputAvailable means the tool completed successfully.
	ToolStateOutputAvailable ToolState = "output-available"

	// ToolStateOutputError means the tool completed with an error payload.
	ToolStateOutputError ToolState = "output-error"
)

// Part is one ordered segment of a message. Exactly one variant is populated
// according to Type.
type Part struct {
	Type PartType `json:"type"`

	// Text carries the text variant.
	Text string `json:"text,omitempty"`

	// Tool call fields carry the dynamic-tool variant.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolPart builds a dynamic-tool part in the input-available state.
func ToolPart(toolCallID, toolName string, input json.RawMessage) Part {
	return Part{
		Type:       PartDynamicTool,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		State:      ToolStateInputAvailable,
		Input:      input,
	}
}

// ToolPolicyRule matches tool names by regex and applies an action.
type ToolPolicyRule struct {
	RegexMatch string `json:"regex_match"`
	Action     string `json:"action"` // "disable" | "allow"
}

// SendOptions are the options of a send that must survive a restart so an
// interrupted turn can be replayed exactly.
type SendOptions struct {
	Model                        string           `json:"model,omitempty"`
	AgentID                      string           `json:"agentId,omitempty"`
	ToolPolicy                   []ToolPolicyRule `json:"toolPolicy,omitempty"`
	DisableWorkspaceAgents       bool             `json:"disableWorkspaceAgents,omitempty"`
	AdditionalSystemInstructions string           `json:"additionalSystemInstructions,omitempty"`
	ThinkingLevel                string           `json:"thinkingLevel,omitempty"`
}

// PendingFollowUp is a follow-up turn persisted on a durable message so it
// survives a crash between stream end and dispatch. Mode is the legacy field
// superseded by AgentID; readers translate it.
type PendingFollowUp struct {
	Text    string       `json:"text"`
	Mode    string       `json:"mode,omitempty"`
	AgentID string       `json:"agentId,omitempty"`
	Options *SendOptions `json:"options,omitempty"`
}

// MuxMetadata carries runtime-internal metadata variants.
type MuxMetadata struct {
	Type            string           `json:"type"` // e.g. "compaction-summary"
	PendingFollowUp *PendingFollowUp `json:"pendingFollowUp,omitempty"`
}

// MetadataTypeCompactionSummary marks a durable compaction summary message.
const MetadataTypeCompactionSummary = "compaction-summary"

// Metadata is per-message metadata. Synthetic messages are produced by the
// runtime rather than the user; UIVisible forces a synthetic message into the
// transcript view.
type Metadata struct {
	Timestamp              time.Time        `json:"timestamp"`
	Synthetic              bool             `json:"synthetic,omitempty"`
	UIVisible              bool             `json:"uiVisible,omitempty"`
	Compacted              bool             `json:"compacted,omitempty"`
	CompactionBoundary     bool             `json:"compactionBoundary,omitempty"`
	CompactionEpoch        int64            `json:"compactionEpoch,omitempty"`
	RetrySendOptions       *SendOptions     `json:"retrySendOptions,omitempty"`
	FileAtMentionSnapshot  json.RawMessage  `json:"fileAtMentionSnapshot,omitempty"`
	ToolPolicy             []ToolPolicyRule `json:"toolPolicy,omitempty"`
	DisableWorkspaceAgents bool             `json:"disableWorkspaceAgents,omitempty"`
	Model                  string           `json:"model,omitempty"`
	AgentID                string           `json:"agentId,omitempty"`
	Partial                bool             `json:"partial,omitempty"`
	Mux                    *MuxMetadata     `json:"muxMetadata,omitempty"`
}

// Message is a single conversation entry. IDs are unique within a workspace.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolParts returns the dynamic-tool parts in order.
func (m *Message) ToolParts() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == PartDynamicTool {
			out = append(out, p)
		}
	}
	return out
}

// FindToolPart returns the index of the dynamic-tool part with the given
// call id, or -1.
func (m *Message) FindToolPart(toolCallID string) int {
	for i, p := range m.Parts {
		if p.Type == PartDynamicTool && p.ToolCallID == toolCallID {
			return i
		}
	}
	return -1
}

// IsCompactionBoundary reports whether the message is a durable boundary.
// A boundary carries both the compacted flag and a compaction epoch.
func (m *Message) IsCompactionBoundary() bool {
	return m.Metadata.CompactionBoundary && m.Metadata.Compacted
}

// IsCompactionSummary reports whether the message carries the
// compaction-summary mux metadata variant.
func (m *Message) IsCompactionSummary() bool {
	return m.Metadata.Mux != nil && m.Metadata.Mux.Type == MetadataTypeCompactionSummary
}

// Clone returns a deep copy. Raw JSON fields are copied byte-wise.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		clone.Parts[i] = p
		clone.Parts[i].Input = cloneRaw(p.Input)
		clone.Parts[i].Output = cloneRaw(p.Output)
	}
	if m.Metadata.ToolPolicy != nil {
		clone.Metadata.ToolPolicy = append([]ToolPolicyRule(nil), m.Metadata.ToolPolicy...)
	}
	if m.Metadata.RetrySendOptions != nil {
		opts := *m.Metadata.RetrySendOptions
		opts.ToolPolicy = append([]ToolPolicyRule(nil), m.Metadata.RetrySendOptions.ToolPolicy...)
		clone.Metadata.RetrySendOptions = &opts
	}
	if m.Metadata.Mux != nil {
		mux := *m.Metadata.Mux
		if m.Metadata.Mux.PendingFollowUp != nil {
			fu := *m.Metadata.Mux.PendingFollowUp
			if fu.Options != nil {
				o := *fu.Options
				fu.Options = &o
			}
			mux.PendingFollowUp = &fu
		}
		clone.Metadata.Mux = &mux
	}
	clone.Metadata.FileAtMentionSnapshot = cloneRaw(m.Metadata.FileAtMentionSnapshot)
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
