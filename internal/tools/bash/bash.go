// Package bash implements the bash tool: foreground command execution with
// policy-dependent output truncation, and background delegation to the
// process manager.
package bash

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/muxsh/mux/internal/bgproc"
	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/internal/tools"
	"github.com/muxsh/mux/pkg/models"
)

// Policy selects the output truncation regime.
type Policy string

const (
	// PolicyTmpfile is the AI-call regime: tight display caps with the full
	// output preserved to a temp file, and overflow reported as a tool error
	// naming that file.
	PolicyTmpfile Policy = "tmpfile"

	// PolicyTruncate is the IPC regime: generous limits with truncation
	// reported in-band on a successful result.
	PolicyTruncate Policy = "truncate"
)

// Tmpfile-policy caps.
const (
	maxDisplayLines = 300
	maxDisplayBytes = 16 << 10
	maxLineBytes    = 1 << 10
	maxFileBytes    = 100 << 10
)

// Truncate-policy cap.
const truncateLimitBytes = 1 << 20

// Options configures the tool for one workspace.
type Options struct {
	// Cwd is the workspace working directory in runtime path semantics.
	Cwd string

	// Env is the base mux environment; Secrets are merged over it for the
	// child but never logged.
	Env     map[string]string
	Secrets map[string]string

	Policy Policy
	Logger *slog.Logger
}

// Tool executes shell scripts in the workspace.
type Tool struct {
	rt     runtime.Runtime
	procs  *bgproc.Manager
	opts   Options
	logger *slog.Logger
}

// Input is the bash tool's argument schema.
type Input struct {
	Script          string `json:"script" jsonschema:"required,description=Shell script to execute."`
	TimeoutSecs     int    `json:"timeout_secs,omitempty" jsonschema:"description=Foreground timeout in seconds; for background runs this is the auto-termination deadline."`
	RunInBackground bool   `json:"run_in_background,omitempty" jsonschema:"description=Start the command as a managed background process and return its id."`
	DisplayName     string `json:"display_name,omitempty" jsonschema:"description=Stable id for a background process."`
}

// New creates a bash tool bound to one workspace.
func New(rt runtime.Runtime, procs *bgproc.Manager, opts Options) *Tool {
	if opts.Policy == "" {
		opts.Policy = PolicyTmpfile
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{rt: rt, procs: procs, opts: opts, logger: logger.With("component", "tools.bash")}
}

func (t *Tool) Name() string { return "bash" }

func (t *Tool) Description() string {
	return "Execute a shell script in the workspace working directory. Use run_in_background for long-running commands."
}

func (t *Tool) Schema() json.RawMessage { return tools.SchemaFor[Input]() }

func (t *Tool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input Input
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if msg := t.validateScript(input.Script, input.RunInBackground); msg != "" {
		return tools.Errorf("%s", msg), nil
	}

	if input.RunInBackground {
		return t.executeBackground(ctx, call.WorkspaceID, input)
	}
	return t.executeForeground(ctx, input)
}

// validateScript rejects scripts that only waste a turn. Background runs
// are allowed to lead with sleep; that is what the rejection message tells
// the model to do.
func (t *Tool) validateScript(script string, background bool) string {
	trimmed := strings.TrimSpace(script)
	if trimmed == "" {
		return "script must not be empty"
	}
	first := strings.Fields(trimmed)[0]
	if first == "sleep" && !background {
		return "script must not start with sleep; use timeout_secs or run_in_background instead"
	}
	if rest, ok := strings.CutPrefix(trimmed, "cd "); ok {
		target, _, _ := strings.Cut(rest, "&&")
		target = strings.Trim(strings.TrimSpace(target), `"'`)
		if target == t.opts.Cwd || target == "." {
			return fmt.Sprintf("redundant cd: the script already runs in %s", t.opts.Cwd)
		}
	}
	return ""
}

func (t *Tool) executeBackground(ctx context.Context, workspaceID string, input Input) (*tools.Result, error) {
	if t.procs == nil {
		return tools.Errorf("background execution is unavailable"), nil
	}
	var autoTerminate time.Duration
	if input.TimeoutSecs > 0 {
		autoTerminate = time.Duration(input.TimeoutSecs) * time.Second
	}
	record, err := t.procs.Spawn(ctx, workspaceID, input.Script, bgproc.SpawnOptions{
		Cwd:                t.opts.Cwd,
		Secrets:            t.opts.Secrets,
		DisplayName:        input.DisplayName,
		AutoTerminateAfter: autoTerminate,
	})
	if err != nil {
		return tools.Errorf("starting background process: %v", err), nil
	}
	logPath := t.rt.ResolvePath(record.OutputDir, models.OutputLogName)
	return tools.JSON(map[string]any{
		"backgroundProcessId": record.ID,
		"stdout_path":         logPath,
		"stderr_path":         logPath,
	}), nil
}

func (t *Tool) executeForeground(ctx context.Context, input Input) (*tools.Result, error) {
	env := make(map[string]string, len(t.opts.Env)+len(t.opts.Secrets))
	for k, v := range t.opts.Env {
		env[k] = v
	}
	for k, v := range t.opts.Secrets {
		env[k] = v
	}

	var timeout time.Duration
	if input.TimeoutSecs > 0 {
		timeout = time.Duration(input.TimeoutSecs) * time.Second
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := t.rt.Exec(execCtx, input.Script, runtime.ExecOptions{
		Cwd:     t.opts.Cwd,
		Env:     env,
		Timeout: timeout,
	})
	if err != nil {
		return tools.Errorf("starting command: %v", err), nil
	}
	stream.Stdin.Close()

	col := newCollector(t.opts.Policy, cancel)
	var g errgroup.Group
	g.Go(func() error { return col.drain(stream.Stdout) })
	g.Go(func() error { return col.drain(stream.Stderr) })
	drainErr := g.Wait()
	exitCode := stream.ExitCode()
	col.finish()

	// A kill the collector itself initiated is an overflow, not an abort;
	// report it with the preserved-output path.
	if col.killedForOverflow() {
		return col.result(exitCode), nil
	}
	// Abort wins over whatever output arrived before the kill.
	if ctx.Err() != nil || exitCode == models.ExitCodeAborted {
		return tools.Errorf("aborted"), nil
	}
	if exitCode == models.ExitCodeTimeout {
		return tools.Errorf("command timed out after %ds", input.TimeoutSecs), nil
	}
	if drainErr != nil {
		return tools.Errorf("reading command output: %v", drainErr), nil
	}
	return col.result(exitCode), nil
}

// collector merges both streams line by line and applies the policy caps.
type collector struct {
	mu     sync.Mutex
	policy Policy
	kill   context.CancelFunc

	display      strings.Builder
	displayLines int
	totalLines   int
	totalBytes   int64

	overflowReason string
	killed         bool

	spill      *os.File
	spillPath  string
	spillBytes int64
}

func newCollector(policy Policy, kill context.CancelFunc) *collector {
	c := &collector{policy: policy, kill: kill}
	if policy == PolicyTmpfile {
		if f, err := os.CreateTemp("", "mux-bash-*.log"); err == nil {
			c.spill = f
			c.spillPath = f.Name()
		}
	}
	return c
}

func (c *collector) drain(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		c.addLine(scanner.Text())
	}
	err := scanner.Err()
	// The pipe closes under the reader when the group is killed.
	if err == nil || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (c *collector) addLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalLines++
	c.totalBytes += int64(len(line)) + 1

	switch c.policy {
	case PolicyTmpfile:
		if len(line) > maxLineBytes {
			if c.overflowReason == "" {
				c.overflowReason = fmt.Sprintf("line %d exceeds %d bytes", c.totalLines, maxLineBytes)
			}
			// Oversized lines mean binary or corrupt output; stop the
			// command instead of letting it fill the temp file.
			c.killed = true
			c.kill()
			return
		}
		if c.spill != nil && c.spillBytes < maxFileBytes {
			n := int64(len(line)) + 1
			if c.spillBytes+n <= maxFileBytes {
				c.spill.WriteString(line + "\n")
				c.spillBytes += n
			}
		}
		if c.overflowReason != "" {
			return // display already overflowed; keep filling the file
		}
		// The cap fires on the line that reaches it, so maxDisplayLines-1
		// lines is the most a successful result ever shows.
		if c.displayLines+1 >= maxDisplayLines {
			c.overflowReason = fmt.Sprintf("Line count exceeded %d lines", maxDisplayLines)
			return
		}
		if c.display.Len()+len(line)+1 > maxDisplayBytes {
			c.overflowReason = fmt.Sprintf("output exceeds %d bytes", maxDisplayBytes)
			return
		}
		c.display.WriteString(line + "\n")
		c.displayLines++
	case PolicyTruncate:
		if c.overflowReason != "" {
			return
		}
		if c.display.Len()+len(line)+1 > truncateLimitBytes {
			c.overflowReason = "max_bytes"
			return
		}
		c.display.WriteString(line + "\n")
	}
}

// killedForOverflow reports whether the collector killed the command itself.
func (c *collector) killedForOverflow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

func (c *collector) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spill != nil {
		c.spill.Close()
		if c.overflowReason == "" {
			// No overflow: the display buffer is complete, drop the spill.
			os.Remove(c.spillPath)
			c.spillPath = ""
		}
	}
}

func (c *collector) result(exitCode int) *tools.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.policy == PolicyTmpfile && c.overflowReason != "" {
		path := c.spillPath
		if path == "" {
			path = "(unavailable)"
		}
		return tools.Errorf("output overflow (%s); full output saved to %s", c.overflowReason, filepath.ToSlash(path))
	}

	payload := map[string]any{
		"output":   c.display.String(),
		"exitCode": exitCode,
	}
	if c.policy == PolicyTruncate && c.overflowReason != "" {
		payload["truncated"] = map[string]any{
			"reason":     c.overflowReason,
			"totalLines": c.totalLines,
		}
	}
	return tools.JSON(payload)
}
