package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/internal/tools"
)

func newConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Runtime:      runtime.NewLocal(nil, t.TempDir()),
		Cwd:          t.TempDir(),
		PlanFilePath: "PLAN.md",
	}
}

func execute(t *testing.T, tool tools.Tool, call tools.Call, input any) *tools.Result {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	call.Input = raw
	res, err := tool.Execute(context.Background(), call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func writeFixture(t *testing.T, cfg Config, name, content string) string {
	t.Helper()
	path := filepath.Join(cfg.Cwd, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadNumberedLines(t *testing.T) {
	cfg := newConfig(t)
	writeFixture(t, cfg, "notes.txt", "alpha\nbeta\ngamma\n")
	tool := NewReadTool(cfg)

	res := execute(t, tool, tools.Call{}, ReadInput{Path: "notes.txt"})
	if !res.Success {
		t.Fatalf("read failed: %s", res.Error)
	}
	want := "1\talpha\n2\tbeta\n3\tgamma\n"
	if res.Content != want {
		t.Errorf("content = %q, want %q", res.Content, want)
	}
}

func TestReadOffsetAndLimit(t *testing.T) {
	cfg := newConfig(t)
	var sb strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	writeFixture(t, cfg, "big.txt", sb.String())
	tool := NewReadTool(cfg)

	res := execute(t, tool, tools.Call{}, ReadInput{Path: "big.txt", Offset: 4, Limit: 2})
	if !res.Success {
		t.Fatalf("read failed: %s", res.Error)
	}
	if res.Content != "4\tline 4\n5\tline 5\n" {
		t.Errorf("content = %q", res.Content)
	}

	res = execute(t, tool, tools.Call{}, ReadInput{Path: "big.txt", Offset: 99})
	if res.Success || !strings.Contains(res.Error, "past the end") {
		t.Errorf("offset past end = %+v", res)
	}
}

func TestReadFailures(t *testing.T) {
	cfg := newConfig(t)
	tool := NewReadTool(cfg)

	res := execute(t, tool, tools.Call{}, ReadInput{Path: "missing.txt"})
	if res.Success || !strings.Contains(res.Error, "ENOENT") {
		t.Errorf("missing file = %+v", res)
	}

	res = execute(t, tool, tools.Call{}, ReadInput{Path: "."})
	if res.Success || !strings.Contains(res.Error, "directory") {
		t.Errorf("directory read = %+v", res)
	}
}

func TestReadLongLineTruncated(t *testing.T) {
	cfg := newConfig(t)
	writeFixture(t, cfg, "wide.txt", strings.Repeat("x", maxReadLineBytes+100)+"\nshort\n")
	tool := NewReadTool(cfg)

	res := execute(t, tool, tools.Call{}, ReadInput{Path: "wide.txt"})
	if !res.Success {
		t.Fatalf("read failed: %s", res.Error)
	}
	first, _, _ := strings.Cut(res.Content, "\n")
	if !strings.HasSuffix(first, lineTruncatedMarker) {
		t.Errorf("no truncation marker: %q", first[len(first)-40:])
	}
	if len(first) > maxReadLineBytes+len(lineTruncatedMarker)+8 {
		t.Errorf("line not truncated: %d bytes", len(first))
	}
}

func TestReadOutputCaps(t *testing.T) {
	cfg := newConfig(t)
	var sb strings.Builder
	for i := 0; i < maxReadLines+100; i++ {
		sb.WriteString("x\n")
	}
	writeFixture(t, cfg, "many.txt", sb.String())
	tool := NewReadTool(cfg)

	res := execute(t, tool, tools.Call{}, ReadInput{Path: "many.txt"})
	if res.Success || !strings.Contains(res.Error, "offset/limit") {
		t.Errorf("oversized read = %+v", res)
	}
	res = execute(t, tool, tools.Call{}, ReadInput{Path: "many.txt", Limit: 5})
	if !res.Success {
		t.Errorf("limited read failed: %s", res.Error)
	}
}

func TestEditReplace(t *testing.T) {
	cfg := newConfig(t)
	path := writeFixture(t, cfg, "code.go", "a\nreplace me\nb\n")
	tool := NewEditReplaceTool(cfg)

	res := execute(t, tool, tools.Call{}, EditReplaceInput{Path: "code.go", OldString: "replace me", NewString: "done"})
	if !res.Success {
		t.Fatalf("edit failed: %s", res.Error)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a\ndone\nb\n" {
		t.Errorf("file = %q", data)
	}
	ui, ok := res.UIOnly.(map[string]any)
	if !ok || ui["diff"] == "" {
		t.Errorf("no diff in ui payload: %+v", res.UIOnly)
	}
}

func TestEditReplaceUniqueness(t *testing.T) {
	cfg := newConfig(t)
	path := writeFixture(t, cfg, "dup.txt", "x\nx\n")
	tool := NewEditReplaceTool(cfg)

	res := execute(t, tool, tools.Call{}, EditReplaceInput{Path: "dup.txt", OldString: "x", NewString: "y"})
	if res.Success || !strings.Contains(res.Error, "2 times") {
		t.Errorf("ambiguous edit = %+v", res)
	}

	res = execute(t, tool, tools.Call{}, EditReplaceInput{Path: "dup.txt", OldString: "x", NewString: "y", ReplaceAll: true})
	if !res.Success {
		t.Fatalf("replace_all failed: %s", res.Error)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "y\ny\n" {
		t.Errorf("file = %q", data)
	}

	res = execute(t, tool, tools.Call{}, EditReplaceInput{Path: "dup.txt", OldString: "absent", NewString: "z"})
	if res.Success || !strings.Contains(res.Error, "not found") {
		t.Errorf("missing old_string = %+v", res)
	}
}

func TestEditInsert(t *testing.T) {
	cfg := newConfig(t)
	path := writeFixture(t, cfg, "list.txt", "one\nthree\n")
	tool := NewEditInsertTool(cfg)

	res := execute(t, tool, tools.Call{}, EditInsertInput{Path: "list.txt", Line: 1, Content: "two"})
	if !res.Success {
		t.Fatalf("insert failed: %s", res.Error)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "one\ntwo\nthree\n" {
		t.Errorf("file = %q", data)
	}

	res = execute(t, tool, tools.Call{}, EditInsertInput{Path: "list.txt", Line: 0, Content: "zero"})
	if !res.Success {
		t.Fatal(res.Error)
	}
	data, _ = os.ReadFile(path)
	if !strings.HasPrefix(string(data), "zero\none\n") {
		t.Errorf("file = %q", data)
	}

	res = execute(t, tool, tools.Call{}, EditInsertInput{Path: "list.txt", Line: 99, Content: "tail"})
	if res.Success || !strings.Contains(res.Error, "past the end") {
		t.Errorf("insert past end = %+v", res)
	}
}

func TestWriteCreatesAndOverwrites(t *testing.T) {
	cfg := newConfig(t)
	tool := NewWriteTool(cfg)

	res := execute(t, tool, tools.Call{}, WriteInput{Path: "fresh.txt", Content: "v1\n"})
	if !res.Success || !strings.Contains(res.Content, "Created") {
		t.Fatalf("create = %+v", res)
	}
	res = execute(t, tool, tools.Call{}, WriteInput{Path: "fresh.txt", Content: "v2\n"})
	if !res.Success || !strings.Contains(res.Content, "Overwrote") {
		t.Fatalf("overwrite = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(cfg.Cwd, "fresh.txt"))
	if string(data) != "v2\n" {
		t.Errorf("file = %q", data)
	}
}

func TestPlanModeGating(t *testing.T) {
	cfg := newConfig(t)
	writeFixture(t, cfg, "PLAN.md", "plan\n")
	writeFixture(t, cfg, "other.txt", "other\n")
	tool := NewWriteTool(cfg)

	plan := tools.Call{PlanMode: true}

	// Plan mode: only the exactly-spelled plan file path is writable.
	res := execute(t, tool, plan, WriteInput{Path: "PLAN.md", Content: "updated\n"})
	if !res.Success {
		t.Fatalf("plan file write rejected: %s", res.Error)
	}
	res = execute(t, tool, plan, WriteInput{Path: "other.txt", Content: "x"})
	if res.Success || !strings.Contains(res.Error, "only the plan file can be edited") {
		t.Errorf("non-plan write in plan mode = %+v", res)
	}
	res = execute(t, tool, plan, WriteInput{Path: "./PLAN.md", Content: "x"})
	if res.Success || !strings.Contains(res.Error, "exact plan file path") {
		t.Errorf("alternate spelling = %+v", res)
	}

	// Outside plan mode the plan file is read-only.
	res = execute(t, tool, tools.Call{}, WriteInput{Path: "PLAN.md", Content: "x"})
	if res.Success || !strings.Contains(res.Error, "read-only outside the plan agent") {
		t.Errorf("plan write outside plan mode = %+v", res)
	}
	res = execute(t, tool, tools.Call{}, WriteInput{Path: "other.txt", Content: "fine\n"})
	if !res.Success {
		t.Errorf("normal write rejected: %s", res.Error)
	}
}
