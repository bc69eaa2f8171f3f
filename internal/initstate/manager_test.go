package initstate

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/muxsh/mux/internal/workspace"
	"github.com/muxsh/mux/pkg/models"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (r *eventRecorder) emit(ev models.SessionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []models.SessionEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SessionEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *eventRecorder, string) {
	t.Helper()
	home := t.TempDir()
	rec := &eventRecorder{}
	locker := workspace.NewLocker(5 * time.Second)
	return NewManager(home, locker, rec.emit, nil, nil), rec, home
}

func TestInitLifecycleEvents(t *testing.T) {
	mgr, rec, _ := newTestManager(t)
	ctx := context.Background()

	mgr.StartInit("ws-1", "/proj/.mux/init")
	mgr.EnterHookPhase("ws-1")
	mgr.AppendOutput("ws-1", "installing deps", false)
	mgr.AppendOutput("ws-1", "warning: slow", true)
	if err := mgr.EndInit(ctx, "ws-1", 0); err != nil {
		t.Fatalf("EndInit: %v", err)
	}

	want := []models.SessionEventType{
		models.EventInitStart,
		models.EventInitOutput,
		models.EventInitOutput,
		models.EventInitEnd,
	}
	got := rec.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}

	state, ok := mgr.State("ws-1")
	if !ok {
		t.Fatal("state missing after EndInit")
	}
	if state.Status != models.InitSuccess {
		t.Errorf("status = %s, want success", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", state.ExitCode)
	}
}

func TestInitErrorStatus(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.StartInit("ws-1", "hook")
	if err := mgr.EndInit(context.Background(), "ws-1", 3); err != nil {
		t.Fatal(err)
	}
	state, _ := mgr.State("ws-1")
	if state.Status != models.InitError {
		t.Errorf("status = %s, want error", state.Status)
	}
}

func TestReplayMatchesLiveSequence(t *testing.T) {
	mgr, rec, home := newTestManager(t)
	ctx := context.Background()

	mgr.StartInit("ws-1", "hook")
	mgr.EnterHookPhase("ws-1")
	mgr.AppendOutput("ws-1", "line 1", false)
	mgr.AppendOutput("ws-1", "line 2", false)
	if err := mgr.EndInit(ctx, "ws-1", 0); err != nil {
		t.Fatal(err)
	}
	live := rec.types()

	// Replay from memory.
	var replayed []models.SessionEventType
	ok, err := mgr.Replay(ctx, "ws-1", func(ev models.SessionEvent) {
		if ev.WorkspaceID != "ws-1" {
			t.Errorf("replayed event workspace = %q", ev.WorkspaceID)
		}
		replayed = append(replayed, ev.Type)
	})
	if err != nil || !ok {
		t.Fatalf("Replay = %v, %v", ok, err)
	}
	if fmt.Sprint(replayed) != fmt.Sprint(live) {
		t.Errorf("replay = %v, want live sequence %v", replayed, live)
	}

	// Replay after restart: only the disk snapshot remains.
	locker := workspace.NewLocker(5 * time.Second)
	fresh := NewManager(home, locker, nil, nil, nil)
	replayed = nil
	ok, err = fresh.Replay(ctx, "ws-1", func(ev models.SessionEvent) {
		replayed = append(replayed, ev.Type)
	})
	if err != nil || !ok {
		t.Fatalf("Replay from disk = %v, %v", ok, err)
	}
	if fmt.Sprint(replayed) != fmt.Sprint(live) {
		t.Errorf("disk replay = %v, want %v", replayed, live)
	}
}

func TestAppendOutputRingBuffer(t *testing.T) {
	mgr, rec, _ := newTestManager(t)
	mgr.StartInit("ws-1", "hook")

	total := MaxLines + 25
	for i := 0; i < total; i++ {
		mgr.AppendOutput("ws-1", fmt.Sprintf("line %d", i), false)
	}

	state, _ := mgr.State("ws-1")
	if len(state.Lines) != MaxLines {
		t.Errorf("retained lines = %d, want %d", len(state.Lines), MaxLines)
	}
	if state.TruncatedLines != 25 {
		t.Errorf("truncated = %d, want 25", state.TruncatedLines)
	}
	// Head dropped, tail kept.
	if got, want := state.Lines[0].Line, "line 25"; got != want {
		t.Errorf("first retained line = %q, want %q", got, want)
	}
	// Live events were emitted for every line regardless of truncation.
	if got, want := len(rec.types()), total+1; got != want { // +1 init-start
		t.Errorf("live events = %d, want %d", got, want)
	}

	if err := mgr.EndInit(context.Background(), "ws-1", 0); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	if last.Init == nil || last.Init.TruncatedLines != 25 {
		t.Errorf("init-end truncated_lines = %+v, want 25", last.Init)
	}
}

func TestWaitForInitNoState(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	done := make(chan struct{})
	go func() {
		mgr.WaitForInit(context.Background(), "unknown")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForInit blocked with no state")
	}
}

func TestWaitForInitCompletes(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.StartInit("ws-1", "hook")
	mgr.EnterHookPhase("ws-1")

	done := make(chan struct{})
	go func() {
		mgr.WaitForInit(context.Background(), "ws-1")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitForInit returned before EndInit")
	default:
	}

	if err := mgr.EndInit(context.Background(), "ws-1", 0); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForInit did not return after EndInit")
	}
}

func TestWaitForInitRuntimeSetupBlocksUntilHookPhase(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.StartInit("ws-1", "hook")

	released := make(chan struct{})
	go func() {
		mgr.WaitForInit(context.Background(), "ws-1")
		close(released)
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-released:
		t.Fatal("WaitForInit returned during runtime setup")
	default:
	}

	mgr.EnterHookPhase("ws-1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = mgr.EndInit(context.Background(), "ws-1", 0)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitForInit stuck after hook phase")
	}
}

func TestWaitForInitSwallowsAbort(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.StartInit("ws-1", "hook")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.WaitForInit(ctx, "ws-1") // must not panic or return error
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForInit did not return on abort")
	}
}

func TestClearInMemoryStateWakesWaiters(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.StartInit("ws-1", "hook")
	mgr.EnterHookPhase("ws-1")

	done := make(chan struct{})
	go func() {
		mgr.WaitForInit(context.Background(), "ws-1")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	mgr.ClearInMemoryState("ws-1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForInit not woken by ClearInMemoryState")
	}
	if _, ok := mgr.State("ws-1"); ok {
		t.Error("state still present after clear")
	}
}

func TestEndInitGuardedPersistAfterClear(t *testing.T) {
	mgr, _, home := newTestManager(t)
	mgr.StartInit("ws-1", "hook")
	mgr.ClearInMemoryState("ws-1")

	// EndInit after a concurrent clear must not recreate the session dir.
	if err := mgr.EndInit(context.Background(), "ws-1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(workspace.SessionDir(home, "ws-1")); err == nil {
		t.Error("session directory recreated after clear")
	}
}

func TestReplayTruncatesOverCapPersistedLog(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	// Build an over-cap state directly in memory, as if persisted by an
	// older build without the ring cap.
	lines := make([]models.TimedLine, MaxLines+10)
	for i := range lines {
		lines[i] = models.TimedLine{Line: fmt.Sprintf("l%d", i), Timestamp: time.Now()}
	}
	exit := 0
	now := time.Now()
	mgr.store.SetState("ws-1", models.InitState{
		Status:    models.InitSuccess,
		Phase:     models.InitPhaseHook,
		StartTime: now,
		Lines:     lines,
		ExitCode:  &exit,
		EndTime:   &now,
	})

	var outputs int
	var truncated int
	ok, err := mgr.Replay(ctx, "ws-1", func(ev models.SessionEvent) {
		switch ev.Type {
		case models.EventInitOutput:
			outputs++
		case models.EventInitEnd:
			truncated = ev.Init.TruncatedLines
		}
	})
	if err != nil || !ok {
		t.Fatalf("Replay = %v, %v", ok, err)
	}
	if outputs != MaxLines {
		t.Errorf("replayed outputs = %d, want %d", outputs, MaxLines)
	}
	if truncated != 10 {
		t.Errorf("truncated = %d, want 10", truncated)
	}
}
