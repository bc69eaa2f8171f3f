package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muxsh/mux/internal/bgproc"
	"github.com/muxsh/mux/internal/runtime"
	"github.com/muxsh/mux/internal/tools"
)

func blockingRun(release chan struct{}) Run {
	return func(ctx context.Context, task *Task) (string, error) {
		<-release
		return "report for " + task.Prompt, nil
	}
}

func awaitIDs(t *testing.T, orch *Orchestrator, workspaceID string, ids []string, timeoutSecs int) []Snapshot {
	t.Helper()
	raw, err := json.Marshal(AwaitInput{TaskIDs: ids, TimeoutSecs: timeoutSecs})
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewAwaitTool(orch).Execute(context.Background(), tools.Call{WorkspaceID: workspaceID, Input: raw})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !res.Success {
		t.Fatalf("await failed: %s", res.Error)
	}
	var out struct {
		Tasks []Snapshot `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("content not JSON: %v\n%s", err, res.Content)
	}
	return out.Tasks
}

func TestTaskLifecycle(t *testing.T) {
	release := make(chan struct{})
	orch := NewOrchestrator(blockingRun(release), nil, nil)

	task, err := orch.Spawn(context.Background(), "ws-1", nil, "explore", "find things", "")
	if err != nil {
		t.Fatal(err)
	}

	// Non-blocking await while the task runs.
	snaps := awaitIDs(t, orch, "ws-1", []string{task.ID}, 0)
	if len(snaps) != 1 || (snaps[0].Status != StatusRunning && snaps[0].Status != StatusQueued) {
		t.Fatalf("snapshots = %+v", snaps)
	}

	close(release)
	snaps = awaitIDs(t, orch, "ws-1", []string{task.ID}, 5)
	if snaps[0].Status != StatusCompleted || snaps[0].Result != "report for find things" {
		t.Errorf("completed snapshot = %+v", snaps[0])
	}

	// Repeated awaits stay completed.
	snaps = awaitIDs(t, orch, "ws-1", []string{task.ID}, 0)
	if snaps[0].Status != StatusCompleted {
		t.Errorf("re-await = %+v", snaps[0])
	}
}

func TestTaskError(t *testing.T) {
	orch := NewOrchestrator(func(ctx context.Context, task *Task) (string, error) {
		return "", fmt.Errorf("agent exploded")
	}, nil, nil)
	task, err := orch.Spawn(context.Background(), "ws-1", nil, "exec", "boom", "")
	if err != nil {
		t.Fatal(err)
	}
	snaps := awaitIDs(t, orch, "ws-1", []string{task.ID}, 5)
	if snaps[0].Status != StatusError || !strings.Contains(snaps[0].Error, "agent exploded") {
		t.Errorf("snapshot = %+v", snaps[0])
	}
}

func TestAwaitScopeAndUnknown(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	orch := NewOrchestrator(blockingRun(release), nil, nil)
	task, err := orch.Spawn(context.Background(), "ws-1", nil, "explore", "scoped", "")
	if err != nil {
		t.Fatal(err)
	}

	snaps := awaitIDs(t, orch, "ws-other", []string{task.ID, "ghost", task.ID}, 0)
	if len(snaps) != 2 {
		t.Fatalf("dedup failed: %+v", snaps)
	}
	if snaps[0].Status != StatusInvalidScope {
		t.Errorf("out-of-scope = %+v", snaps[0])
	}
	if snaps[1].Status != StatusNotFound {
		t.Errorf("unknown = %+v", snaps[1])
	}
}

func TestLineageGrantsScope(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	orch := NewOrchestrator(blockingRun(release), nil, nil)

	// A task spawned by a descendant workspace stays awaitable by the root.
	task, err := orch.Spawn(context.Background(), "ws-child", []string{"ws-root"}, "explore", "x", "")
	if err != nil {
		t.Fatal(err)
	}
	snaps := awaitIDs(t, orch, "ws-root", []string{task.ID}, 0)
	if snaps[0].Status == StatusInvalidScope {
		t.Errorf("ancestor denied: %+v", snaps[0])
	}
}

func TestForegroundWaitBackgrounded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	orch := NewOrchestrator(blockingRun(release), nil, nil)
	task, err := orch.Spawn(context.Background(), "ws-1", nil, "explore", "slow", "")
	if err != nil {
		t.Fatal(err)
	}

	var surrendered atomic.Bool
	go func() {
		time.Sleep(200 * time.Millisecond)
		surrendered.Store(true)
		orch.SurrenderForegroundWaits("ws-1")
	}()

	raw, _ := json.Marshal(AwaitInput{TaskIDs: []string{task.ID}, TimeoutSecs: 30})
	start := time.Now()
	res, err := NewAwaitTool(orch).Execute(context.Background(), tools.Call{WorkspaceID: "ws-1", Input: raw})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("surrender did not interrupt the wait")
	}
	if !surrendered.Load() {
		t.Fatal("await returned before the surrender fired")
	}
	if !res.Success || !strings.Contains(res.Content, `"running"`) || res.Note == "" {
		t.Errorf("surrendered result = %+v", res)
	}
}

func TestAwaitBashIDs(t *testing.T) {
	rt := runtime.NewLocal(nil, t.TempDir())
	procs := bgproc.NewManager(rt, nil, nil)
	t.Cleanup(func() { procs.TerminateAll(context.Background()) })
	orch := NewOrchestrator(nil, procs, nil)

	record, err := procs.Spawn(context.Background(), "ws-1", "exit 0", bgproc.SpawnOptions{DisplayName: "quick"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var snaps []Snapshot
	for time.Now().Before(deadline) {
		snaps = awaitIDs(t, orch, "ws-1", []string{BashPrefix + record.ID}, 0)
		if snaps[0].Status == StatusCompleted {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if snaps[0].Status != StatusCompleted {
		t.Fatalf("bash snapshot = %+v", snaps[0])
	}

	snaps = awaitIDs(t, orch, "ws-1", []string{BashPrefix + "ghost"}, 0)
	if snaps[0].Status != StatusNotFound {
		t.Errorf("unknown bash id = %+v", snaps[0])
	}
}

func TestSpawnToolValidation(t *testing.T) {
	orch := NewOrchestrator(blockingRun(make(chan struct{})), nil, nil)
	raw, _ := json.Marshal(SpawnInput{AgentID: "explore", Prompt: "   "})
	res, err := NewSpawnTool(orch).Execute(context.Background(), tools.Call{WorkspaceID: "ws-1", Input: raw})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, "empty") {
		t.Errorf("empty prompt = %+v", res)
	}
}
