package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// SwitchAgentInput is the switch_agent argument schema.
type SwitchAgentInput struct {
	AgentID string `json:"agent_id" jsonschema:"required,description=Agent to hand the conversation to."`
	Prompt  string `json:"prompt,omitempty" jsonschema:"description=Instruction for the next agent's first turn."`
}

// SwitchAgentTool is a signal tool: it validates the target and returns an
// acknowledgement, and the session performs the actual hand-off when the
// stream ends (including the loop guard and unavailable-target fallback).
type SwitchAgentTool struct {
	validate func(agentID string) error
}

// NewSwitchAgentTool creates the switch_agent tool with the registry's
// target validation.
func NewSwitchAgentTool(validate func(agentID string) error) *SwitchAgentTool {
	return &SwitchAgentTool{validate: validate}
}

func (t *SwitchAgentTool) Name() string { return "switch_agent" }

func (t *SwitchAgentTool) Description() string {
	return "Hand the conversation to another agent after this turn completes."
}

func (t *SwitchAgentTool) Schema() json.RawMessage { return SchemaFor[SwitchAgentInput]() }

func (t *SwitchAgentTool) Execute(ctx context.Context, call Call) (*Result, error) {
	var input SwitchAgentInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	target := strings.TrimSpace(input.AgentID)
	if target == "" {
		return Errorf("agent_id must not be empty"), nil
	}
	if t.validate != nil {
		if err := t.validate(target); err != nil {
			return Errorf("%v", err), nil
		}
	}
	return JSON(map[string]any{"ok": true, "agentId": target}), nil
}
