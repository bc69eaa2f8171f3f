// Package initstate tracks phased workspace initialization: runtime
// provisioning, then the workspace init hook, then a terminal success or
// error. The narrative (start, every output line, end) is durable and
// replayable so a UI attaching after a restart sees the same sequence a
// live observer saw.
package initstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/muxsh/mux/internal/eventstore"
	"github.com/muxsh/mux/internal/observability"
	"github.com/muxsh/mux/internal/workspace"
	"github.com/muxsh/mux/pkg/models"
)

// MaxLines caps the retained init output. Appends beyond the cap drop from
// the head (ring semantics) and count into TruncatedLines; live events are
// still emitted for every line.
const MaxLines = 1000

// HookDeadline bounds how long WaitForInit waits once the hook phase has
// started. The runtime_setup phase has no deadline: provisioning a remote
// runtime may be arbitrarily long.
const HookDeadline = 5 * time.Minute

// Emitter receives live init events.
type Emitter func(models.SessionEvent)

// run pairs the mutable state with its completion futures.
type run struct {
	hookPhase chan struct{} // closed when the hook phase starts
	done      chan struct{} // closed on EndInit or ClearInMemoryState
	cleared   bool          // done was closed by clearing, not completion

	hookOnce sync.Once
	doneOnce sync.Once
}

// Manager owns init lifecycle state for all workspaces.
type Manager struct {
	store   *eventstore.Store[models.InitState, models.SessionEvent]
	logger  *slog.Logger
	metrics *observability.Metrics
	emit    Emitter

	mu   sync.Mutex
	runs map[string]*run
}

// NewManager creates an init state manager persisting under muxHome.
func NewManager(muxHome string, locker *workspace.Locker, emit Emitter, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(models.SessionEvent) {}
	}
	return &Manager{
		store:   eventstore.New(muxHome, workspace.InitStatusFile, locker, serializeInitEvents, logger),
		logger:  logger.With("component", "initstate"),
		metrics: metrics,
		emit:    emit,
		runs:    make(map[string]*run),
	}
}

// serializeInitEvents rebuilds the live event sequence from a snapshot.
// WorkspaceID and Sequence are stamped by the emitting bus.
func serializeInitEvents(state models.InitState) []models.SessionEvent {
	lines := state.Lines
	truncated := state.TruncatedLines
	if len(lines) > MaxLines {
		truncated += len(lines) - MaxLines
		lines = lines[len(lines)-MaxLines:]
	}

	events := make([]models.SessionEvent, 0, len(lines)+2)

	start := models.NewSessionEvent(models.EventInitStart, "")
	start.Time = state.StartTime
	start.Init = &models.InitPayload{HookPath: state.HookPath, Status: models.InitRunning}
	events = append(events, start)

	for i := range lines {
		line := lines[i]
		ev := models.NewSessionEvent(models.EventInitOutput, "")
		ev.Time = line.Timestamp
		ev.Init = &models.InitPayload{Line: &line}
		events = append(events, ev)
	}

	if state.Done() {
		end := models.NewSessionEvent(models.EventInitEnd, "")
		if state.EndTime != nil {
			end.Time = *state.EndTime
		}
		end.Init = &models.InitPayload{
			Status:         state.Status,
			ExitCode:       state.ExitCode,
			TruncatedLines: truncated,
		}
		events = append(events, end)
	}
	return events
}

func (m *Manager) runFor(workspaceID string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[workspaceID]
	if !ok {
		r = &run{hookPhase: make(chan struct{}), done: make(chan struct{})}
		m.runs[workspaceID] = r
	}
	return r
}

// StartInit begins a new init run in the runtime_setup phase and emits
// init-start. A previous run's futures are discarded.
func (m *Manager) StartInit(workspaceID, hookPath string) {
	m.mu.Lock()
	m.runs[workspaceID] = &run{hookPhase: make(chan struct{}), done: make(chan struct{})}
	m.mu.Unlock()

	state := models.InitState{
		Status:    models.InitRunning,
		Phase:     models.InitPhaseRuntimeSetup,
		HookPath:  hookPath,
		StartTime: time.Now().UTC(),
	}
	m.store.SetState(workspaceID, state)

	ev := models.NewSessionEvent(models.EventInitStart, workspaceID)
	ev.Init = &models.InitPayload{HookPath: hookPath, Status: models.InitRunning}
	m.emit(ev)
	m.logger.Info("init started", "workspace_id", workspaceID, "hook_path", hookPath)
}

// EnterHookPhase marks the runtime as provisioned and the hook as started.
func (m *Manager) EnterHookPhase(workspaceID string) {
	state, ok := m.store.GetState(workspaceID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	state.Phase = models.InitPhaseHook
	state.HookStartTime = &now
	m.store.SetState(workspaceID, state)

	r := m.runFor(workspaceID)
	r.hookOnce.Do(func() { close(r.hookPhase) })
	m.logger.Debug("init entered hook phase", "workspace_id", workspaceID)
}

// AppendOutput records one timestamped output line and emits init-output.
// The retained buffer is capped at MaxLines; overflow drops from the head.
func (m *Manager) AppendOutput(workspaceID, line string, isError bool) {
	state, ok := m.store.GetState(workspaceID)
	if !ok {
		return
	}
	timed := models.TimedLine{Line: line, IsError: isError, Timestamp: time.Now().UTC()}
	state.Lines = append(state.Lines, timed)
	if len(state.Lines) > MaxLines {
		drop := len(state.Lines) - MaxLines
		state.Lines = append([]models.TimedLine(nil), state.Lines[drop:]...)
		state.TruncatedLines += drop
	}
	m.store.SetState(workspaceID, state)

	ev := models.NewSessionEvent(models.EventInitOutput, workspaceID)
	ev.Init = &models.InitPayload{Line: &timed}
	m.emit(ev)
}

// EndInit finishes the run. The final state is persisted before the
// in-memory status flips, so a concurrent Replay observes either "not yet
// done" or "done and on disk", never "done but file missing". The persist
// is guarded on HasState so a workspace removed mid-init does not get its
// session directory recreated.
func (m *Manager) EndInit(ctx context.Context, workspaceID string, exitCode int) error {
	state, ok := m.store.GetState(workspaceID)
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	final := state
	final.ExitCode = &exitCode
	final.EndTime = &now
	if exitCode == 0 {
		final.Status = models.InitSuccess
	} else {
		final.Status = models.InitError
	}

	err := m.store.Persist(ctx, workspaceID, final, eventstore.PersistOptions{
		ShouldWrite: func() bool { return m.store.HasState(workspaceID) },
	})
	if err != nil {
		m.logger.Error("persisting init state failed", "workspace_id", workspaceID, "error", err)
	}

	m.store.SetState(workspaceID, final)

	ev := models.NewSessionEvent(models.EventInitEnd, workspaceID)
	ev.Init = &models.InitPayload{
		Status:         final.Status,
		ExitCode:       final.ExitCode,
		TruncatedLines: final.TruncatedLines,
	}
	m.emit(ev)
	if m.metrics != nil {
		m.metrics.RecordInit(string(final.Status))
	}
	m.logger.Info("init finished", "workspace_id", workspaceID, "status", final.Status, "exit_code", exitCode)

	r := m.runFor(workspaceID)
	r.doneOnce.Do(func() { close(r.done) })
	return err
}

// State returns the current in-memory state.
func (m *Manager) State(workspaceID string) (models.InitState, bool) {
	return m.store.GetState(workspaceID)
}

// Replay emits the init narrative for the workspace: init-start, each
// retained init-output with its original timestamp, and init-end when the
// run completed. Resolves in-memory state first, then the persisted
// snapshot. Over-cap persisted logs are truncated to the tail.
func (m *Manager) Replay(ctx context.Context, workspaceID string, emit Emitter) (bool, error) {
	return m.store.Replay(ctx, workspaceID, func(ev models.SessionEvent) {
		ev.WorkspaceID = workspaceID
		emit(ev)
	})
}

// ClearInMemoryState drops the workspace's state and wakes any WaitForInit
// callers. The wake is a rejection; WaitForInit swallows it by design.
func (m *Manager) ClearInMemoryState(workspaceID string) {
	m.store.DeleteState(workspaceID)
	m.mu.Lock()
	r, ok := m.runs[workspaceID]
	delete(m.runs, workspaceID)
	m.mu.Unlock()
	if ok {
		r.cleared = true
		r.doneOnce.Do(func() { close(r.done) })
		r.hookOnce.Do(func() { close(r.hookPhase) })
	}
}

// DeletePersisted removes the on-disk snapshot.
func (m *Manager) DeletePersisted(ctx context.Context, workspaceID string) error {
	return m.store.DeletePersisted(ctx, workspaceID)
}

// WaitForInit blocks until init completes, never returning an error.
//
// No state or a terminal state returns immediately. While the runtime is
// still provisioning, the wait has no deadline. Once the hook phase starts,
// the wait races completion against HookDeadline measured from the hook
// start and against ctx. Deadline and abort are logged and swallowed: the
// caller proceeds and fails with its own error if init really is wedged.
func (m *Manager) WaitForInit(ctx context.Context, workspaceID string) {
	state, ok := m.store.GetState(workspaceID)
	if !ok || state.Done() {
		return
	}
	r := m.runFor(workspaceID)

	if state.Phase == models.InitPhaseRuntimeSetup {
		select {
		case <-r.hookPhase:
		case <-r.done:
			return
		case <-ctx.Done():
			m.logger.Debug("waitForInit aborted during runtime setup", "workspace_id", workspaceID)
			return
		}
	}

	// Re-read: the hook phase may already be over.
	state, ok = m.store.GetState(workspaceID)
	if !ok || state.Done() {
		return
	}
	deadline := time.Now().Add(HookDeadline)
	if state.HookStartTime != nil {
		deadline = state.HookStartTime.Add(HookDeadline)
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-r.done:
	case <-ctx.Done():
		m.logger.Debug("waitForInit aborted during hook", "workspace_id", workspaceID)
	case <-timer.C:
		m.logger.Warn("waitForInit deadline exceeded; proceeding", "workspace_id", workspaceID)
	}
}
