// Package files implements the file tools: file_read and the
// file_edit_*/file_write mutation family. All path handling goes through
// the runtime's path semantics, never the host path package, and every
// mutation flows through a single pipeline that enforces plan-mode rules,
// writes atomically, and produces a diff.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/internal/tools"
)

// file_read output caps.
const (
	maxReadLineBytes = 1 << 10
	maxReadBytes     = 16 << 10
	maxReadLines     = 1000
)

const lineTruncatedMarker = "... [line truncated]"

// Config binds the file tools to one workspace.
type Config struct {
	Runtime runtime.Runtime

	// Cwd anchors relative paths, in runtime path semantics.
	Cwd string

	// PlanFilePath is the configured spelling of the plan file. Plan mode
	// permits writes only to this exact string; outside plan mode the plan
	// file is read-only.
	PlanFilePath string

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// ReadInput is the file_read argument schema.
type ReadInput struct {
	Path   string `json:"path" jsonschema:"required,description=File path (absolute or workspace-relative)."`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line to start from."`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return."`
}

// ReadTool implements file_read.
type ReadTool struct {
	cfg Config
}

// NewReadTool creates the file_read tool.
func NewReadTool(cfg Config) *ReadTool { return &ReadTool{cfg: cfg} }

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read a file, returning numbered lines. Use offset and limit for large files."
}

func (t *ReadTool) Schema() json.RawMessage { return tools.SchemaFor[ReadInput]() }

func (t *ReadTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input ReadInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	rt := t.cfg.Runtime
	path := rt.NormalizePath(input.Path, t.cfg.Cwd)

	info, err := rt.Stat(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return tools.Errorf("file not found (ENOENT): %s", path), nil
	}
	if err != nil {
		return tools.Errorf("stat %s: %v", path, err), nil
	}
	if info.IsDir {
		return tools.Errorf("%s is a directory", path), nil
	}

	data, err := rt.ReadFile(ctx, path)
	if err != nil {
		return tools.Errorf("read %s: %v", path, err), nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	start := 0
	if input.Offset > 0 {
		start = input.Offset - 1
	}
	if start >= len(lines) {
		return tools.Errorf("offset %d is past the end of the file (%d lines)", input.Offset, len(lines)), nil
	}
	end := len(lines)
	if input.Limit > 0 && start+input.Limit < end {
		end = start + input.Limit
	}

	var out strings.Builder
	emitted := 0
	for i := start; i < end; i++ {
		line := lines[i]
		if len(line) > maxReadLineBytes {
			line = line[:maxReadLineBytes] + lineTruncatedMarker
		}
		entry := fmt.Sprintf("%d\t%s\n", i+1, line)
		if out.Len()+len(entry) > maxReadBytes {
			return tools.Errorf("output exceeds %d bytes; re-read with offset/limit", maxReadBytes), nil
		}
		if emitted >= maxReadLines {
			return tools.Errorf("output exceeds %d lines; re-read with offset/limit", maxReadLines), nil
		}
		out.WriteString(entry)
		emitted++
	}
	return tools.Text(out.String()), nil
}

// editOutcome is what a mutation returns to the pipeline.
type editOutcome struct {
	content string
	summary string
}

// executeFileEditOperation is the single pipeline every mutating file tool
// goes through: normalize, plan-gate, read, mutate, atomic write, diff.
func executeFileEditOperation(ctx context.Context, cfg Config, call tools.Call, rawPath string, op func(current string, exists bool) (editOutcome, error)) (*tools.Result, error) {
	rt := cfg.Runtime
	path := rt.NormalizePath(rawPath, cfg.Cwd)

	if cfg.PlanFilePath != "" {
		planPath := rt.NormalizePath(cfg.PlanFilePath, cfg.Cwd)
		if call.PlanMode {
			if rawPath != cfg.PlanFilePath {
				if path == planPath {
					return tools.Errorf("plan file writes must use the exact plan file path %q", cfg.PlanFilePath), nil
				}
				return tools.Errorf("in plan mode only the plan file can be edited; write to %q instead", cfg.PlanFilePath), nil
			}
		} else if path == planPath {
			return tools.Errorf("%s is read-only outside the plan agent", cfg.PlanFilePath), nil
		}
	}

	var current string
	exists := true
	data, err := rt.ReadFile(ctx, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		exists = false
	case err != nil:
		return tools.Errorf("read %s: %v", path, err), nil
	default:
		current = string(data)
	}

	outcome, err := op(current, exists)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	if err := rt.WriteFile(ctx, path, []byte(outcome.content)); err != nil {
		return tools.Errorf("write %s: %v", path, err), nil
	}
	cfg.logger().Debug("file edited", "path", path, "workspace", call.WorkspaceID)

	diff := unifiedDiff(current, outcome.content)
	return &tools.Result{
		Success: true,
		Content: outcome.summary,
		UIOnly:  map[string]any{"path": path, "diff": diff},
	}, nil
}

// unifiedDiff renders an old→new patch.
func unifiedDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.PatchToText(dmp.PatchMake(before, diffs))
}

// EditReplaceInput is the file_edit_replace argument schema.
type EditReplaceInput struct {
	Path       string `json:"path" jsonschema:"required,description=File to edit."`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to replace."`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring uniqueness."`
}

// EditReplaceTool implements file_edit_replace.
type EditReplaceTool struct {
	cfg Config
}

// NewEditReplaceTool creates the file_edit_replace tool.
func NewEditReplaceTool(cfg Config) *EditReplaceTool { return &EditReplaceTool{cfg: cfg} }

func (t *EditReplaceTool) Name() string { return "file_edit_replace" }

func (t *EditReplaceTool) Description() string {
	return "Replace an exact string in a file. The string must be unique unless replace_all is set."
}

func (t *EditReplaceTool) Schema() json.RawMessage { return tools.SchemaFor[EditReplaceInput]() }

func (t *EditReplaceTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input EditReplaceInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if input.OldString == "" {
		return tools.Errorf("old_string must not be empty"), nil
	}
	if input.OldString == input.NewString {
		return tools.Errorf("old_string and new_string are identical"), nil
	}
	return executeFileEditOperation(ctx, t.cfg, call, input.Path, func(current string, exists bool) (editOutcome, error) {
		if !exists {
			return editOutcome{}, fmt.Errorf("file not found (ENOENT): %s", input.Path)
		}
		count := strings.Count(current, input.OldString)
		switch {
		case count == 0:
			return editOutcome{}, fmt.Errorf("old_string not found in %s", input.Path)
		case count > 1 && !input.ReplaceAll:
			return editOutcome{}, fmt.Errorf("old_string occurs %d times in %s; pass replace_all or disambiguate", count, input.Path)
		}
		n := 1
		if input.ReplaceAll {
			n = -1
		}
		replaced := strings.Replace(current, input.OldString, input.NewString, n)
		return editOutcome{
			content: replaced,
			summary: fmt.Sprintf("Replaced %d occurrence(s) in %s", count, input.Path),
		}, nil
	})
}

// EditInsertInput is the file_edit_insert argument schema.
type EditInsertInput struct {
	Path    string `json:"path" jsonschema:"required,description=File to edit."`
	Line    int    `json:"line" jsonschema:"description=Insert after this 1-based line; 0 inserts at the top."`
	Content string `json:"content" jsonschema:"required,description=Text to insert."`
}

// EditInsertTool implements file_edit_insert.
type EditInsertTool struct {
	cfg Config
}

// NewEditInsertTool creates the file_edit_insert tool.
func NewEditInsertTool(cfg Config) *EditInsertTool { return &EditInsertTool{cfg: cfg} }

func (t *EditInsertTool) Name() string { return "file_edit_insert" }

func (t *EditInsertTool) Description() string {
	return "Insert text after a given line number (0 inserts at the top of the file)."
}

func (t *EditInsertTool) Schema() json.RawMessage { return tools.SchemaFor[EditInsertInput]() }

func (t *EditInsertTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input EditInsertInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if input.Line < 0 {
		return tools.Errorf("line must be >= 0"), nil
	}
	return executeFileEditOperation(ctx, t.cfg, call, input.Path, func(current string, exists bool) (editOutcome, error) {
		if !exists {
			return editOutcome{}, fmt.Errorf("file not found (ENOENT): %s", input.Path)
		}
		lines := strings.Split(strings.TrimSuffix(current, "\n"), "\n")
		if current == "" {
			lines = nil
		}
		if input.Line > len(lines) {
			return editOutcome{}, fmt.Errorf("line %d is past the end of the file (%d lines)", input.Line, len(lines))
		}
		inserted := strings.Split(strings.TrimSuffix(input.Content, "\n"), "\n")
		out := make([]string, 0, len(lines)+len(inserted))
		out = append(out, lines[:input.Line]...)
		out = append(out, inserted...)
		out = append(out, lines[input.Line:]...)
		return editOutcome{
			content: strings.Join(out, "\n") + "\n",
			summary: fmt.Sprintf("Inserted %d line(s) after line %d in %s", len(inserted), input.Line, input.Path),
		}, nil
	})
}

// WriteInput is the file_write argument schema.
type WriteInput struct {
	Path    string `json:"path" jsonschema:"required,description=File to create or overwrite."`
	Content string `json:"content" jsonschema:"required,description=Full file content."`
}

// WriteTool implements file_write.
type WriteTool struct {
	cfg Config
}

// NewWriteTool creates the file_write tool.
func NewWriteTool(cfg Config) *WriteTool { return &WriteTool{cfg: cfg} }

func (t *WriteTool) Name() string { return "file_write" }

func (t *WriteTool) Description() string {
	return "Create or overwrite a file with the given content."
}

func (t *WriteTool) Schema() json.RawMessage { return tools.SchemaFor[WriteInput]() }

func (t *WriteTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input WriteInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	return executeFileEditOperation(ctx, t.cfg, call, input.Path, func(current string, exists bool) (editOutcome, error) {
		verb := "Created"
		if exists {
			verb = "Overwrote"
		}
		return editOutcome{
			content: input.Content,
			summary: fmt.Sprintf("%s %s", verb, input.Path),
		}, nil
	})
}
