// Package question implements ask_user_question: a tool call that blocks on
// a pending prompt until the user answers, the caller aborts, or pre-filled
// answers short-circuit the round trip.
package question

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/muxsh/mux/internal/tools"
)

// Spec is one question put to the user.
type Spec struct {
	Question    string   `json:"question" jsonschema:"required,description=Question text."`
	Options     []string `json:"options,omitempty" jsonschema:"description=Suggested answers."`
	MultiSelect bool     `json:"multi_select,omitempty" jsonschema:"description=Allow picking several options."`
}

// Input is the ask_user_question argument schema.
type Input struct {
	Questions []Spec            `json:"questions" jsonschema:"required,description=Questions to ask."`
	Answers   map[string]string `json:"answers,omitempty" jsonschema:"description=Pre-filled answers keyed by question; skips the user round trip."`
}

// Pending is one outstanding prompt, keyed by workspace and tool call.
type Pending struct {
	WorkspaceID string `json:"workspace_id"`
	ToolCallID  string `json:"tool_call_id"`
	Questions   []Spec `json:"questions"`

	answer chan map[string]string
}

type key struct {
	workspaceID string
	toolCallID  string
}

// Manager tracks pending prompts and routes answers to the blocked tool
// calls.
type Manager struct {
	mu      sync.Mutex
	pending map[key]*Pending
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{pending: make(map[key]*Pending)}
}

func (m *Manager) register(workspaceID, toolCallID string, questions []Spec) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{workspaceID, toolCallID}
	if _, dup := m.pending[k]; dup {
		return nil, fmt.Errorf("question already pending for tool call %s", toolCallID)
	}
	p := &Pending{
		WorkspaceID: workspaceID,
		ToolCallID:  toolCallID,
		Questions:   questions,
		answer:      make(chan map[string]string, 1),
	}
	m.pending[k] = p
	return p, nil
}

func (m *Manager) remove(workspaceID, toolCallID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key{workspaceID, toolCallID})
}

// Pending lists the outstanding prompts for a workspace.
func (m *Manager) Pending(workspaceID string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pending
	for _, p := range m.pending {
		if p.WorkspaceID == workspaceID {
			out = append(out, *p)
		}
	}
	return out
}

// Answer resolves a pending prompt with the user's answers.
func (m *Manager) Answer(workspaceID, toolCallID string, answers map[string]string) error {
	m.mu.Lock()
	p, ok := m.pending[key{workspaceID, toolCallID}]
	if ok {
		delete(m.pending, key{workspaceID, toolCallID})
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending question for tool call %s", toolCallID)
	}
	p.answer <- answers
	return nil
}

// Tool implements ask_user_question.
type Tool struct {
	manager *Manager
}

// NewTool creates the ask_user_question tool.
func NewTool(manager *Manager) *Tool { return &Tool{manager: manager} }

func (t *Tool) Name() string { return "ask_user_question" }

func (t *Tool) Description() string {
	return "Ask the user one or more questions and wait for their answers."
}

func (t *Tool) Schema() json.RawMessage { return tools.SchemaFor[Input]() }

func (t *Tool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input Input
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if len(input.Questions) == 0 {
		return tools.Errorf("questions must not be empty"), nil
	}

	// Pre-filled answers skip the user entirely.
	if len(input.Answers) > 0 {
		return tools.JSON(map[string]any{"answers": input.Answers}), nil
	}

	pending, err := t.manager.register(call.WorkspaceID, call.ToolCallID, input.Questions)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	select {
	case answers := <-pending.answer:
		return tools.JSON(map[string]any{"answers": answers}), nil
	case <-ctx.Done():
		t.manager.remove(call.WorkspaceID, call.ToolCallID)
		return tools.Errorf("aborted"), nil
	}
}
