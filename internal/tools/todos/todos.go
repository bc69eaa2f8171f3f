// Package todos implements todo_write and todo_read over the per-session
// todos.json file.
package todos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/muxsh/mux/internal/tools"
	"github.com/muxsh/mux/internal/workspace"
	"github.com/muxsh/mux/pkg/models"
)

// Store persists todo lists under the session directory, serialized by the
// workspace lock.
type Store struct {
	muxHome string
	locker  *workspace.Locker
}

// NewStore creates a todo store rooted at muxHome.
func NewStore(muxHome string, locker *workspace.Locker) *Store {
	return &Store{muxHome: muxHome, locker: locker}
}

func (s *Store) path(workspaceID string) string {
	return workspace.SessionFile(s.muxHome, workspaceID, workspace.TodosFile)
}

// Read returns the current list; a missing file is an empty list.
func (s *Store) Read(ctx context.Context, workspaceID string) ([]models.TodoItem, error) {
	data, err := os.ReadFile(s.path(workspaceID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading todos: %w", err)
	}
	var items []models.TodoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing todos: %w", err)
	}
	return items, nil
}

// Write replaces the list atomically under the workspace lock.
func (s *Store) Write(ctx context.Context, workspaceID string, items []models.TodoItem) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		path := s.path(workspaceID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating session dir: %w", err)
		}
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("writing todos: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("replacing todos: %w", err)
		}
		return nil
	})
}

// WriteInput is the todo_write argument schema.
type WriteInput struct {
	Todos []models.TodoItem `json:"todos" jsonschema:"required,description=The full todo list (at most 7 items)."`
}

// WriteTool implements todo_write.
type WriteTool struct {
	store *Store
}

// NewWriteTool creates the todo_write tool.
func NewWriteTool(store *Store) *WriteTool { return &WriteTool{store: store} }

func (t *WriteTool) Name() string { return "todo_write" }

func (t *WriteTool) Description() string {
	return "Replace the todo list. Items are ordered completed, then in_progress, then pending."
}

func (t *WriteTool) Schema() json.RawMessage { return tools.SchemaFor[WriteInput]() }

func (t *WriteTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input WriteInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if len(input.Todos) > models.MaxTodos {
		return tools.Errorf("todo list has %d items; at most %d are allowed", len(input.Todos), models.MaxTodos), nil
	}
	for i, item := range input.Todos {
		if strings.TrimSpace(item.Content) == "" {
			return tools.Errorf("todo %d has empty content", i+1), nil
		}
		switch item.Status {
		case models.TodoPending, models.TodoInProgress, models.TodoCompleted:
		default:
			return tools.Errorf("todo %d has invalid status %q", i+1, item.Status), nil
		}
	}

	sorted := models.SortTodos(input.Todos)
	if err := t.store.Write(ctx, call.WorkspaceID, sorted); err != nil {
		return tools.Errorf("persisting todos: %v", err), nil
	}
	return &tools.Result{
		Success: true,
		Content: renderTodos(sorted),
		UIOnly:  map[string]any{"todos": sorted},
	}, nil
}

// ReadTool implements todo_read.
type ReadTool struct {
	store *Store
}

// NewReadTool creates the todo_read tool.
func NewReadTool(store *Store) *ReadTool { return &ReadTool{store: store} }

func (t *ReadTool) Name() string { return "todo_read" }

func (t *ReadTool) Description() string {
	return "Read the current todo list."
}

func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *ReadTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	items, err := t.store.Read(ctx, call.WorkspaceID)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	return tools.Text(renderTodos(items)), nil
}

func renderTodos(items []models.TodoItem) string {
	if len(items) == 0 {
		return "No todos."
	}
	var sb strings.Builder
	for _, item := range items {
		marker := "[ ]"
		switch item.Status {
		case models.TodoCompleted:
			marker = "[x]"
		case models.TodoInProgress:
			marker = "[~]"
		}
		fmt.Fprintf(&sb, "%s %s\n", marker, item.Content)
	}
	return sb.String()
}
