package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// NotifyInput is the notify tool argument schema.
type NotifyInput struct {
	Message string `json:"message" jsonschema:"required,description=Message to surface to the user."`
	Title   string `json:"title,omitempty" jsonschema:"description=Optional notification title."`
}

// NotifyTool surfaces a message to the user as a UI event; the model only
// sees an acknowledgement.
type NotifyTool struct {
	emit func(workspaceID, title, message string)
}

// NewNotifyTool creates the notify tool. emit publishes the notification on
// the session event bus.
func NewNotifyTool(emit func(workspaceID, title, message string)) *NotifyTool {
	return &NotifyTool{emit: emit}
}

func (t *NotifyTool) Name() string { return "notify" }

func (t *NotifyTool) Description() string {
	return "Show the user a notification."
}

func (t *NotifyTool) Schema() json.RawMessage { return SchemaFor[NotifyInput]() }

func (t *NotifyTool) Execute(ctx context.Context, call Call) (*Result, error) {
	var input NotifyInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Message) == "" {
		return Errorf("message must not be empty"), nil
	}
	if t.emit != nil {
		t.emit(call.WorkspaceID, input.Title, input.Message)
	}
	return &Result{
		Success: true,
		Content: "Notification sent.",
		UIOnly:  map[string]any{"title": input.Title, "message": input.Message},
	}, nil
}
