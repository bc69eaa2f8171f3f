package skills

import (
	"context"
	"encoding/json"
	"os"

	"github.com/muxsh/mux/internal/tools"
)

// HelpChatWorkspaceEnv names the workspace allowed to mutate the skill
// library. Write-capable skill tools refuse every other caller.
const HelpChatWorkspaceEnv = "MUX_HELP_CHAT_WORKSPACE_ID"

func writeAllowed(workspaceID string) bool {
	allowed := os.Getenv(HelpChatWorkspaceEnv)
	return allowed != "" && allowed == workspaceID
}

// ListTool implements agent_skill_list.
type ListTool struct {
	manager *Manager
}

// NewListTool creates the agent_skill_list tool.
func NewListTool(manager *Manager) *ListTool { return &ListTool{manager: manager} }

func (t *ListTool) Name() string { return "agent_skill_list" }

func (t *ListTool) Description() string {
	return "List the available skills with their descriptions."
}

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *ListTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	skills, err := t.manager.List()
	if err != nil {
		return tools.Errorf("listing skills: %v", err), nil
	}
	type entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := make([]entry, 0, len(skills))
	for _, s := range skills {
		out = append(out, entry{Name: s.Name, Description: s.Description})
	}
	return tools.JSON(map[string]any{"skills": out}), nil
}

// ReadInput is the agent_skill_read argument schema.
type ReadInput struct {
	Name string `json:"name" jsonschema:"required,description=Skill name."`
	Path string `json:"path,omitempty" jsonschema:"description=File inside the skill directory; defaults to SKILL.md."`
}

// ReadTool implements agent_skill_read.
type ReadTool struct {
	manager *Manager
}

// NewReadTool creates the agent_skill_read tool.
func NewReadTool(manager *Manager) *ReadTool { return &ReadTool{manager: manager} }

func (t *ReadTool) Name() string { return "agent_skill_read" }

func (t *ReadTool) Description() string {
	return "Read a file from a skill directory (SKILL.md by default)."
}

func (t *ReadTool) Schema() json.RawMessage { return tools.SchemaFor[ReadInput]() }

func (t *ReadTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input ReadInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	data, err := t.manager.ReadFile(input.Name, input.Path)
	if err != nil {
		return tools.Errorf("reading skill file: %v", err), nil
	}
	return tools.Text(string(data)), nil
}

// WriteInput is the agent_skill_write argument schema.
type WriteInput struct {
	Name    string `json:"name" jsonschema:"required,description=Skill name."`
	Path    string `json:"path,omitempty" jsonschema:"description=File inside the skill directory; defaults to SKILL.md."`
	Content string `json:"content" jsonschema:"required,description=Full file content."`
}

// WriteTool implements agent_skill_write.
type WriteTool struct {
	manager *Manager
}

// NewWriteTool creates the agent_skill_write tool.
func NewWriteTool(manager *Manager) *WriteTool { return &WriteTool{manager: manager} }

func (t *WriteTool) Name() string { return "agent_skill_write" }

func (t *WriteTool) Description() string {
	return "Create or update a file inside a skill directory."
}

func (t *WriteTool) Schema() json.RawMessage { return tools.SchemaFor[WriteInput]() }

func (t *WriteTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if !writeAllowed(call.WorkspaceID) {
		return tools.Errorf("skill writes are only available from the help chat workspace"), nil
	}
	var input WriteInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	path, err := t.manager.WriteFile(input.Name, input.Path, []byte(input.Content))
	if err != nil {
		return tools.Errorf("writing skill file: %v", err), nil
	}
	return tools.JSON(map[string]any{"path": path}), nil
}

// DeleteInput is the agent_skill_delete argument schema.
type DeleteInput struct {
	Name string `json:"name" jsonschema:"required,description=Skill name."`
	Path string `json:"path,omitempty" jsonschema:"description=File to delete; empty removes the whole skill."`
}

// DeleteTool implements agent_skill_delete.
type DeleteTool struct {
	manager *Manager
}

// NewDeleteTool creates the agent_skill_delete tool.
func NewDeleteTool(manager *Manager) *DeleteTool { return &DeleteTool{manager: manager} }

func (t *DeleteTool) Name() string { return "agent_skill_delete" }

func (t *DeleteTool) Description() string {
	return "Delete a skill file, or the whole skill when no path is given."
}

func (t *DeleteTool) Schema() json.RawMessage { return tools.SchemaFor[DeleteInput]() }

func (t *DeleteTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if !writeAllowed(call.WorkspaceID) {
		return tools.Errorf("skill deletion is only available from the help chat workspace"), nil
	}
	var input DeleteInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if err := t.manager.DeleteFile(input.Name, input.Path); err != nil {
		return tools.Errorf("deleting skill file: %v", err), nil
	}
	return tools.Text("Deleted."), nil
}
