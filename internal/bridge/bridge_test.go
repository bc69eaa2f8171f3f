package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/internal/tools"
)

func marshalInput(t *testing.T, script string, timeoutSecs int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(Input{Script: script, TimeoutSecs: timeoutSecs})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// The tests drive the protocol with bash as the interpreter so they do not
// depend on a specific language runtime being installed.
func newBashTool(t *testing.T, dispatch DispatchFunc, notify NotifyFunc) *Tool {
	t.Helper()
	rt := runtime.NewLocal(nil, t.TempDir())
	return New(rt, dispatch, notify, Options{Interpreter: "bash", Cwd: t.TempDir()})
}

func TestPlainOutputAndExitCode(t *testing.T) {
	tool := newBashTool(t, nil, nil)
	res, err := tool.Execute(context.Background(), tools.Call{
		WorkspaceID: "ws-1",
		ToolCallID:  "call-1",
		Input:       marshalInput(t, "echo hello\necho oops >&2\nexit 3", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	var payload struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exitCode"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(payload.Output, "hello") || !strings.Contains(payload.Output, "oops") {
		t.Errorf("output = %q", payload.Output)
	}
	if payload.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", payload.ExitCode)
	}
}

func TestNestedToolCallRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var gotWorkspace, gotParent, gotTool, gotInput string
	dispatch := func(ctx context.Context, workspaceID, parentCallID, toolName string, input json.RawMessage) (string, error) {
		mu.Lock()
		gotWorkspace, gotParent, gotTool, gotInput = workspaceID, parentCallID, toolName, string(input)
		mu.Unlock()
		return "ECHO:hi", nil
	}
	tool := newBashTool(t, dispatch, nil)

	script := `
echo '{"id":"req-1","tool":"echo","input":{"text":"hi"}}'
read -r reply
echo "reply=$reply"
`
	res, err := tool.Execute(context.Background(), tools.Call{
		WorkspaceID: "ws-1",
		ToolCallID:  "parent-call",
		Input:       marshalInput(t, script, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotWorkspace != "ws-1" || gotParent != "parent-call" || gotTool != "echo" {
		t.Errorf("dispatch saw workspace=%q parent=%q tool=%q", gotWorkspace, gotParent, gotTool)
	}
	if !strings.Contains(gotInput, `"hi"`) {
		t.Errorf("dispatch input = %q", gotInput)
	}

	var payload struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(payload.Output, "ECHO:hi") {
		t.Errorf("script never saw the response: %q", payload.Output)
	}
	// The protocol line itself must not leak into program output.
	if strings.Contains(payload.Output, `"tool":"echo"`) {
		t.Errorf("request line leaked into output: %q", payload.Output)
	}
}

func TestNestedToolCallErrorReported(t *testing.T) {
	dispatch := func(ctx context.Context, workspaceID, parentCallID, toolName string, input json.RawMessage) (string, error) {
		return "", context.DeadlineExceeded
	}
	tool := newBashTool(t, dispatch, nil)
	script := `
echo '{"id":"req-1","tool":"broken","input":{}}'
read -r reply
echo "reply=$reply"
`
	res, err := tool.Execute(context.Background(), tools.Call{Input: marshalInput(t, script, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "deadline exceeded") {
		t.Errorf("error not delivered to script: %s", res.Content)
	}
}

func TestEventNotification(t *testing.T) {
	var mu sync.Mutex
	var events []string
	notify := func(workspaceID, event string, data json.RawMessage) {
		mu.Lock()
		events = append(events, workspaceID+"/"+event+"/"+string(data))
		mu.Unlock()
	}
	tool := newBashTool(t, nil, notify)

	script := `
echo '{"event":"progress","data":{"pct":50}}'
echo visible
`
	res, err := tool.Execute(context.Background(), tools.Call{
		WorkspaceID: "ws-1",
		Input:       marshalInput(t, script, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || !strings.Contains(events[0], "ws-1/progress") {
		t.Errorf("events = %v", events)
	}
	if !strings.Contains(res.Content, "visible") {
		t.Errorf("output = %s", res.Content)
	}
	if strings.Contains(res.Content, "progress") {
		t.Errorf("notification leaked into output: %s", res.Content)
	}
}

func TestAbortKillsInterpreter(t *testing.T) {
	tool := newBashTool(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := tool.Execute(ctx, tools.Call{Input: marshalInput(t, "echo started\nsleep 600", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error != "aborted" {
		t.Errorf("result = %+v, want aborted", res)
	}
	if time.Since(start) > 30*time.Second {
		t.Error("abort did not kill the interpreter promptly")
	}
}

func TestTimeout(t *testing.T) {
	tool := newBashTool(t, nil, nil)
	res, err := tool.Execute(context.Background(), tools.Call{Input: marshalInput(t, "sleep 600", 1)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestEmptyScriptRejected(t *testing.T) {
	tool := newBashTool(t, nil, nil)
	res, err := tool.Execute(context.Background(), tools.Call{Input: marshalInput(t, "   ", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("empty script accepted")
	}
}
