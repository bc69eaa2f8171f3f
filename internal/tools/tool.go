// Package tools defines the tool execution surface: the Tool interface,
// tagged results, schema validation, and per-call policy enforcement.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/muxsh/mux/pkg/models"
)

// Tool is one callable tool.
//
// Implementations return a tagged Result rather than an error for anything
// the model should see and recover from; the error return is reserved for
// infrastructure failures.
type Tool interface {
	// Name returns the tool name for function calling.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Input in call matches Schema().
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Call carries one tool invocation and its session context.
type Call struct {
	WorkspaceID string
	ToolCallID  string
	AgentID     string

	// PlanMode restricts file mutations to the plan file.
	PlanMode bool

	// Policy holds the per-turn tool rules; the registry enforces them
	// before dispatch.
	Policy []models.ToolPolicyRule

	Input json.RawMessage
}

// Result is the tagged outcome of a tool execution.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`

	// Note carries advisory text appended to the model-visible rendering,
	// such as a background-poll hint.
	Note string `json:"note,omitempty"`

	// UIOnly travels on the stream event but is elided from the
	// model-visible transcript.
	UIOnly any `json:"ui_only,omitempty"`
}

// RenderForModel produces the textual form sent back to the model. UIOnly
// never appears here.
func (r *Result) RenderForModel() string {
	if r == nil {
		return `{"success":false,"error":"missing tool result"}`
	}
	if !r.Success {
		payload, err := json.Marshal(map[string]any{"success": false, "error": r.Error})
		if err != nil {
			return r.Error
		}
		return string(payload)
	}
	out := r.Content
	if r.Note != "" {
		if out != "" {
			out += "\n\n"
		}
		out += "Note: " + r.Note
	}
	return out
}

// Text returns a successful text result.
func Text(content string) *Result {
	return &Result{Success: true, Content: content}
}

// JSON returns a successful result with an indented JSON payload.
func JSON(payload any) *Result {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	return &Result{Success: true, Content: string(encoded)}
}

// Errorf returns a failed result.
func Errorf(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
