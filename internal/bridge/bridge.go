// Package bridge implements the code_execution tool: it runs a script
// under a configured interpreter and speaks a line-delimited JSON protocol
// with it over stdio, so the script can call back into the workspace's tool
// surface while it runs.
//
// The child writes one JSON object per stdout line. `{"id","tool","input"}`
// requests a nested tool call and receives `{"id","result"}` on stdin;
// `{"event","data"}` is a one-way notification. Any other stdout line, and
// all of stderr, is plain program output.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/internal/tools"
	"github.com/muxsh/mux/pkg/models"
)

// Output caps. Program output beyond maxOutputBytes is truncated in-band,
// the way the truncate bash policy reports it.
const (
	maxOutputBytes = 256 << 10
	maxLineBytes   = 256 << 10
)

// defaultTimeout bounds a script that never exits.
const defaultTimeout = 10 * time.Minute

// DispatchFunc executes a nested tool call on behalf of the running
// script. parentCallID is the code_execution call the request belongs to;
// implementations route through the full tool surface, hooks included, and
// return the model-visible rendering.
type DispatchFunc func(ctx context.Context, workspaceID, parentCallID, tool string, input json.RawMessage) (string, error)

// NotifyFunc receives one-way event notifications from the script.
type NotifyFunc func(workspaceID, event string, data json.RawMessage)

// Options configures the interpreter subprocess.
type Options struct {
	// Interpreter is the command the script file is passed to, e.g.
	// "python3" or "node".
	Interpreter string

	Cwd string
	Env map[string]string

	// Timeout bounds the whole execution; zero means defaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// Input is the code_execution argument schema.
type Input struct {
	Script      string `json:"script" jsonschema:"required,description=Script source passed to the interpreter."`
	TimeoutSecs int    `json:"timeout_secs,omitempty" jsonschema:"description=Maximum runtime in seconds."`
}

// Tool is the code_execution tool.
type Tool struct {
	rt       runtime.Runtime
	dispatch DispatchFunc
	notify   NotifyFunc
	opts     Options
	logger   *slog.Logger
}

// New creates the code_execution tool. dispatch may be nil, in which case
// nested tool requests fail with a protocol error; notify may be nil.
func New(rt runtime.Runtime, dispatch DispatchFunc, notify NotifyFunc, opts Options) *Tool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Tool{
		rt:       rt,
		dispatch: dispatch,
		notify:   notify,
		opts:     opts,
		logger:   logger.With("component", "bridge"),
	}
}

func (t *Tool) Name() string { return "code_execution" }

func (t *Tool) Description() string {
	return "Run a script under the configured interpreter. The script can invoke workspace tools by writing JSON lines to stdout."
}

func (t *Tool) Schema() json.RawMessage { return tools.SchemaFor[Input]() }

// request is one line received from the child.
type request struct {
	ID    string          `json:"id,omitempty"`
	Tool  string          `json:"tool,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// response answers a nested tool request.
type response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (t *Tool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input Input
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Script) == "" {
		return tools.Errorf("script must not be empty"), nil
	}
	timeout := t.opts.Timeout
	if input.TimeoutSecs > 0 {
		timeout = time.Duration(input.TimeoutSecs) * time.Second
	}

	scriptPath := t.rt.ResolvePath(t.rt.TempDir(), "mux-code-"+uuid.NewString())
	if err := t.rt.WriteFile(ctx, scriptPath, []byte(input.Script)); err != nil {
		return nil, fmt.Errorf("staging script: %w", err)
	}
	// The wrapper removes the staged file after the interpreter exits and
	// preserves its status.
	wrapper := fmt.Sprintf("%s %q; __status=$?; rm -f %q; exit $__status", t.opts.Interpreter, scriptPath, scriptPath)

	stream, err := t.rt.Exec(ctx, wrapper, runtime.ExecOptions{
		Cwd:     t.opts.Cwd,
		Env:     t.opts.Env,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("starting interpreter: %w", err)
	}

	col := &outputCollector{}
	var stdinMu sync.Mutex
	respond := func(r response) {
		line, err := json.Marshal(r)
		if err != nil {
			return
		}
		stdinMu.Lock()
		defer stdinMu.Unlock()
		stream.Stdin.Write(append(line, '\n'))
	}

	var group errgroup.Group
	group.Go(func() error {
		scanner := bufio.NewScanner(stream.Stdout)
		scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			req, ok := parseProtocolLine(line)
			if !ok {
				col.add(line)
				continue
			}
			switch {
			case req.Event != "":
				if t.notify != nil {
					t.notify(call.WorkspaceID, req.Event, req.Data)
				}
			case req.Tool != "":
				t.serveToolRequest(ctx, call, req, respond)
			default:
				col.add(line)
			}
		}
		return nil
	})
	group.Go(func() error {
		scanner := bufio.NewScanner(stream.Stderr)
		scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
		for scanner.Scan() {
			col.add(scanner.Text())
		}
		return nil
	})

	group.Wait()
	exitCode := stream.ExitCode()
	stdinMu.Lock()
	stream.Stdin.Close()
	stdinMu.Unlock()

	if ctx.Err() != nil || exitCode == models.ExitCodeAborted {
		return tools.Errorf("aborted"), nil
	}
	if exitCode == models.ExitCodeTimeout {
		return tools.Errorf("script timed out after %s", timeout), nil
	}

	payload := map[string]any{
		"output":   col.String(),
		"exitCode": exitCode,
	}
	if col.truncated {
		payload["truncated"] = map[string]any{
			"reason":     "output exceeded limit",
			"totalLines": col.totalLines,
		}
	}
	return tools.JSON(payload), nil
}

// serveToolRequest dispatches one nested call and answers on stdin. The
// script blocks reading the response, so dispatch is synchronous.
func (t *Tool) serveToolRequest(ctx context.Context, call tools.Call, req request, respond func(response)) {
	if t.dispatch == nil {
		respond(response{ID: req.ID, Error: "nested tool calls are not available"})
		return
	}
	t.logger.Debug("nested tool call",
		"workspace", call.WorkspaceID, "parent", call.ToolCallID, "tool", req.Tool, "request_id", req.ID)
	rendered, err := t.dispatch(ctx, call.WorkspaceID, call.ToolCallID, req.Tool, req.Input)
	if err != nil {
		respond(response{ID: req.ID, Error: err.Error()})
		return
	}
	respond(response{ID: req.ID, Result: rendered})
}

// parseProtocolLine accepts only JSON objects; anything else is program
// output.
func parseProtocolLine(line string) (request, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return request{}, false
	}
	var req request
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
		return request{}, false
	}
	return req, true
}

// outputCollector merges interleaved program output with a byte cap.
type outputCollector struct {
	mu         sync.Mutex
	buf        strings.Builder
	totalLines int
	truncated  bool
}

func (c *outputCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalLines++
	if c.buf.Len() >= maxOutputBytes {
		c.truncated = true
		return
	}
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
}

func (c *outputCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
