// Package tasks implements the task and task_await tools: descendant-scoped
// subagent tasks plus awaiting of bash-prefixed background processes.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxsh/mux/internal/bgproc"
	"github.com/muxsh/mux/internal/tools"
	"github.com/muxsh/mux/pkg/models"
)

// Status is the per-id outcome reported by task_await.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusAwaitingReport Status = "awaiting_report"
	StatusCompleted      Status = "completed"
	StatusNotFound       Status = "not_found"
	StatusInvalidScope   Status = "invalid_scope"
	StatusError          Status = "error"
)

// BashPrefix marks a task id that names a background process instead of an
// agent task.
const BashPrefix = "bash:"

// ErrForegroundWaitBackgrounded is the signal that a queued user message
// won the race against a foreground wait; the wait surrenders and the
// caller reports the tasks as still running.
var ErrForegroundWaitBackgrounded = fmt.Errorf("foreground wait backgrounded")

// Run executes one agent task and returns its report.
type Run func(ctx context.Context, task *Task) (string, error)

// Task is one subagent task.
type Task struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Prompt      string    `json:"prompt"`
	DisplayName string    `json:"display_name,omitempty"`
	Created     time.Time `json:"created"`

	// Lineage is the workspace ids from the root spawner down to this
	// task's creator; a caller may await a task only if its workspace
	// appears here.
	Lineage []string `json:"lineage"`

	status   Status
	result   string
	errMsg   string
	reported bool
	done     chan struct{}
}

// Snapshot is the await view of one task id.
type Snapshot struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Orchestrator runs agent tasks and answers awaits.
type Orchestrator struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	surrender map[string]chan struct{}

	run    Run
	procs  *bgproc.Manager
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator. run executes agent tasks; procs
// resolves bash-prefixed ids.
func NewOrchestrator(run Run, procs *bgproc.Manager, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		tasks:     make(map[string]*Task),
		surrender: make(map[string]chan struct{}),
		run:       run,
		procs:     procs,
		logger:    logger.With("component", "tasks"),
	}
}

// Spawn registers a task under the caller's lineage and starts it.
func (o *Orchestrator) Spawn(ctx context.Context, callerWorkspace string, lineage []string, agentID, prompt, displayName string) (*Task, error) {
	if o.run == nil {
		return nil, fmt.Errorf("task execution is unavailable")
	}
	task := &Task{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Prompt:      prompt,
		DisplayName: displayName,
		Created:     time.Now().UTC(),
		Lineage:     append(append([]string(nil), lineage...), callerWorkspace),
		status:      StatusQueued,
		done:        make(chan struct{}),
	}
	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	go func() {
		o.setStatus(task, StatusRunning)
		result, err := o.run(context.WithoutCancel(ctx), task)
		o.mu.Lock()
		if err != nil {
			task.status = StatusError
			task.errMsg = err.Error()
		} else {
			task.status = StatusAwaitingReport
			task.result = result
		}
		close(task.done)
		o.mu.Unlock()
	}()
	o.logger.Info("task spawned", "task", task.ID, "agent", agentID, "workspace", callerWorkspace)
	return task, nil
}

func (o *Orchestrator) setStatus(task *Task, status Status) {
	o.mu.Lock()
	task.status = status
	o.mu.Unlock()
}

// SurrenderForegroundWaits wakes every foreground await for the workspace;
// the session calls this when a user message is queued.
func (o *Orchestrator) SurrenderForegroundWaits(workspaceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.surrender[workspaceID]; ok {
		close(ch)
		delete(o.surrender, workspaceID)
	}
}

func (o *Orchestrator) surrenderChan(workspaceID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.surrender[workspaceID]
	if !ok {
		ch = make(chan struct{})
		o.surrender[workspaceID] = ch
	}
	return ch
}

// snapshot reads one agent-task id under scope rules. Consuming a task in
// awaiting_report marks it reported and returns completed.
func (o *Orchestrator) snapshot(id, callerWorkspace string) Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[id]
	if !ok {
		return Snapshot{ID: id, Status: StatusNotFound}
	}
	inScope := false
	for _, ws := range task.Lineage {
		if ws == callerWorkspace {
			inScope = true
			break
		}
	}
	if !inScope {
		return Snapshot{ID: id, Status: StatusInvalidScope}
	}
	switch task.status {
	case StatusAwaitingReport:
		task.status = StatusCompleted
		task.reported = true
		return Snapshot{ID: id, Status: StatusCompleted, Result: task.result}
	case StatusCompleted:
		return Snapshot{ID: id, Status: StatusCompleted, Result: task.result}
	case StatusError:
		return Snapshot{ID: id, Status: StatusError, Error: task.errMsg}
	default:
		return Snapshot{ID: id, Status: task.status}
	}
}

func (o *Orchestrator) bashSnapshot(ctx context.Context, id string) Snapshot {
	if o.procs == nil {
		return Snapshot{ID: id, Status: StatusNotFound}
	}
	processID := strings.TrimPrefix(id, BashPrefix)
	record, ok := o.procs.GetProcess(ctx, processID)
	if !ok {
		return Snapshot{ID: id, Status: StatusNotFound}
	}
	if !record.Status.Terminal() {
		return Snapshot{ID: id, Status: StatusRunning}
	}
	snap := Snapshot{ID: id, Status: StatusCompleted}
	if record.ExitCode != nil {
		snap.Result = fmt.Sprintf(`{"exitCode":%d,"status":%q}`, *record.ExitCode, record.Status)
		if *record.ExitCode != 0 && record.Status != models.ProcessExited {
			snap.Status = StatusError
			snap.Error = fmt.Sprintf("process %s: %s", processID, record.Status)
		}
	}
	return snap
}

func (o *Orchestrator) terminal(ctx context.Context, id string) bool {
	if strings.HasPrefix(id, BashPrefix) {
		snap := o.bashSnapshot(ctx, id)
		return snap.Status != StatusRunning && snap.Status != StatusQueued
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[id]
	if !ok {
		return true
	}
	return task.status != StatusQueued && task.status != StatusRunning
}

// Await resolves the given ids. timeout zero is strictly non-blocking. A
// blocking await that loses the race to a queued user message returns
// ErrForegroundWaitBackgrounded.
func (o *Orchestrator) Await(ctx context.Context, callerWorkspace string, ids []string, timeout time.Duration) ([]Snapshot, error) {
	deduped := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		deduped = append(deduped, id)
	}

	if timeout > 0 {
		surrender := o.surrenderChan(callerWorkspace)
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for {
			allDone := true
			for _, id := range deduped {
				if !o.terminal(ctx, id) {
					allDone = false
					break
				}
			}
			if allDone {
				break wait
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-surrender:
				return nil, ErrForegroundWaitBackgrounded
			case <-deadline.C:
				break wait
			case <-ticker.C:
			}
		}
	}

	out := make([]Snapshot, 0, len(deduped))
	for _, id := range deduped {
		if strings.HasPrefix(id, BashPrefix) {
			out = append(out, o.bashSnapshot(ctx, id))
			continue
		}
		out = append(out, o.snapshot(id, callerWorkspace))
	}
	return out, nil
}

// SpawnInput is the task tool argument schema.
type SpawnInput struct {
	AgentID     string `json:"agent_id" jsonschema:"required,description=Agent to run the task as."`
	Prompt      string `json:"prompt" jsonschema:"required,description=Task prompt."`
	DisplayName string `json:"display_name,omitempty" jsonschema:"description=Human-readable task label."`
}

// SpawnTool implements the task tool.
type SpawnTool struct {
	orch *Orchestrator
}

// NewSpawnTool creates the task tool.
func NewSpawnTool(orch *Orchestrator) *SpawnTool { return &SpawnTool{orch: orch} }

func (t *SpawnTool) Name() string { return "task" }

func (t *SpawnTool) Description() string {
	return "Spawn a subagent task. Returns a task id to pass to task_await."
}

func (t *SpawnTool) Schema() json.RawMessage { return tools.SchemaFor[SpawnInput]() }

func (t *SpawnTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input SpawnInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return tools.Errorf("prompt must not be empty"), nil
	}
	task, err := t.orch.Spawn(ctx, call.WorkspaceID, nil, input.AgentID, input.Prompt, input.DisplayName)
	if err != nil {
		return tools.Errorf("spawning task: %v", err), nil
	}
	return tools.JSON(map[string]any{"taskId": task.ID, "status": StatusQueued}), nil
}

// AwaitInput is the task_await argument schema.
type AwaitInput struct {
	TaskIDs     []string `json:"task_ids" jsonschema:"required,description=Task ids; background processes use the bash: prefix."`
	TimeoutSecs int      `json:"timeout_secs,omitempty" jsonschema:"description=Wait budget in seconds; 0 returns immediately."`
}

// AwaitTool implements task_await.
type AwaitTool struct {
	orch *Orchestrator
}

// NewAwaitTool creates the task_await tool.
func NewAwaitTool(orch *Orchestrator) *AwaitTool { return &AwaitTool{orch: orch} }

func (t *AwaitTool) Name() string { return "task_await" }

func (t *AwaitTool) Description() string {
	return "Wait for tasks or background processes and return their per-id status."
}

func (t *AwaitTool) Schema() json.RawMessage { return tools.SchemaFor[AwaitInput]() }

func (t *AwaitTool) Execute(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var input AwaitInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if len(input.TaskIDs) == 0 {
		return tools.Errorf("task_ids must not be empty"), nil
	}
	timeout := time.Duration(input.TimeoutSecs) * time.Second
	snaps, err := t.orch.Await(ctx, call.WorkspaceID, input.TaskIDs, timeout)
	if err == ErrForegroundWaitBackgrounded {
		return &tools.Result{
			Success: true,
			Content: `{"status":"running"}`,
			Note:    "a user message arrived; the wait moved to the background and results will be reported when ready",
		}, nil
	}
	if err != nil {
		return tools.Errorf("await: %v", err), nil
	}
	return tools.JSON(map[string]any{"tasks": snaps}), nil
}
