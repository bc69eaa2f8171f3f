package eventstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/muxsh/mux/internal/workspace"
)

type testState struct {
	Lines []string `json:"lines"`
}

func newTestStore(t *testing.T) (*Store[testState, string], string) {
	t.Helper()
	home := t.TempDir()
	locker := workspace.NewLocker(5 * time.Second)
	store := New(home, "test-state.json", locker, func(s testState) []string {
		return append([]string(nil), s.Lines...)
	}, nil)
	return store, home
}

func TestStoreStateLifecycle(t *testing.T) {
	store, _ := newTestStore(t)

	if store.HasState("ws-1") {
		t.Error("HasState before SetState = true")
	}
	store.SetState("ws-1", testState{Lines: []string{"a"}})
	state, ok := store.GetState("ws-1")
	if !ok || len(state.Lines) != 1 || state.Lines[0] != "a" {
		t.Errorf("GetState = %+v, %v", state, ok)
	}
	store.DeleteState("ws-1")
	if store.HasState("ws-1") {
		t.Error("HasState after DeleteState = true")
	}
}

func TestStorePersistAndReadBack(t *testing.T) {
	store, home := newTestStore(t)
	ctx := context.Background()

	want := testState{Lines: []string{"one", "two"}}
	if err := store.Persist(ctx, "ws-1", want, PersistOptions{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	path := workspace.SessionFile(home, "ws-1", "test-state.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	got, ok, err := store.ReadPersisted("ws-1")
	if err != nil || !ok {
		t.Fatalf("ReadPersisted = %v, %v", ok, err)
	}
	if len(got.Lines) != 2 || got.Lines[0] != "one" || got.Lines[1] != "two" {
		t.Errorf("ReadPersisted = %+v, want %+v", got, want)
	}

	// No temp files may survive the rename.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("session dir has %d entries, want 1", len(entries))
	}
}

func TestStorePersistGuardSkipsWrite(t *testing.T) {
	store, home := newTestStore(t)
	ctx := context.Background()

	err := store.Persist(ctx, "ws-1", testState{Lines: []string{"x"}}, PersistOptions{
		ShouldWrite: func() bool { return false },
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if _, err := os.Stat(workspace.SessionDir(home, "ws-1")); !os.IsNotExist(err) {
		t.Error("guarded persist created the session directory")
	}
}

func TestStoreReadPersistedMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok, err := store.ReadPersisted("absent")
	if err != nil {
		t.Fatalf("ReadPersisted: %v", err)
	}
	if ok {
		t.Error("ReadPersisted missing file returned ok")
	}
}

func TestStoreDeletePersisted(t *testing.T) {
	store, home := newTestStore(t)
	ctx := context.Background()

	if err := store.Persist(ctx, "ws-1", testState{Lines: []string{"x"}}, PersistOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeletePersisted(ctx, "ws-1"); err != nil {
		t.Fatalf("DeletePersisted: %v", err)
	}
	if _, err := os.Stat(workspace.SessionFile(home, "ws-1", "test-state.json")); !os.IsNotExist(err) {
		t.Error("snapshot still exists after DeletePersisted")
	}
	// Idempotent.
	if err := store.DeletePersisted(ctx, "ws-1"); err != nil {
		t.Errorf("second DeletePersisted: %v", err)
	}
}

func TestStoreReplayPrefersMemory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Persist(ctx, "ws-1", testState{Lines: []string{"disk"}}, PersistOptions{}); err != nil {
		t.Fatal(err)
	}
	store.SetState("ws-1", testState{Lines: []string{"mem1", "mem2"}})

	var got []string
	ok, err := store.Replay(ctx, "ws-1", func(e string) { got = append(got, e) })
	if err != nil || !ok {
		t.Fatalf("Replay = %v, %v", ok, err)
	}
	if len(got) != 2 || got[0] != "mem1" || got[1] != "mem2" {
		t.Errorf("Replay events = %v, want in-memory state", got)
	}
}

func TestStoreReplayFallsBackToDisk(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Persist(ctx, "ws-1", testState{Lines: []string{"a", "b", "c"}}, PersistOptions{}); err != nil {
		t.Fatal(err)
	}
	store.DeleteState("ws-1")

	var got []string
	ok, err := store.Replay(ctx, "ws-1", func(e string) { got = append(got, e) })
	if err != nil || !ok {
		t.Fatalf("Replay = %v, %v", ok, err)
	}
	want := []string{"a", "b", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Replay events = %v, want %v", got, want)
	}
}

func TestStoreReplayNoState(t *testing.T) {
	store, _ := newTestStore(t)
	ok, err := store.Replay(context.Background(), "absent", func(string) {
		t.Error("emit called with no state")
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if ok {
		t.Error("Replay reported state for an unknown workspace")
	}
}
