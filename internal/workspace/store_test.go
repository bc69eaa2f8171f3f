package workspace

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T, muxHome string) *Store {
	t.Helper()
	s, err := NewStore(muxHome, NewLocker(5*time.Second), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreCreateAssignsID(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ws, err := s.Create(context.Background(), Workspace{ProjectPath: "/tmp/proj", AgentID: "exec"})
	if err != nil {
		t.Fatal(err)
	}
	if ws.ID == "" {
		t.Error("no id assigned")
	}
	if got, ok := s.Get(ws.ID); !ok || got.ProjectPath != "/tmp/proj" {
		t.Errorf("Get = %+v, %v", got, ok)
	}
}

func TestStoreRejectsBadRecords(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ctx := context.Background()

	if _, err := s.Create(ctx, Workspace{ID: "a/b", ProjectPath: "/p"}); err == nil {
		t.Error("path separator in id accepted")
	}
	if _, err := s.Create(ctx, Workspace{ID: "ws-1"}); err == nil {
		t.Error("missing project path accepted")
	}
	if _, err := s.Create(ctx, Workspace{ID: "ws-1", ProjectPath: "/p", ParentID: "ghost"}); err == nil {
		t.Error("unknown parent accepted")
	}

	if _, err := s.Create(ctx, Workspace{ID: "ws-1", ProjectPath: "/p"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, Workspace{ID: "ws-1", ProjectPath: "/q"}); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestStoreSurvivesReload(t *testing.T) {
	muxHome := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, muxHome)
	if _, err := s.Create(ctx, Workspace{ID: "ws-root", ProjectPath: "/p", AgentID: "exec"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, Workspace{ID: "ws-sub", ProjectPath: "/p", ParentID: "ws-root", AgentID: "explore"}); err != nil {
		t.Fatal(err)
	}

	reloaded := newTestStore(t, muxHome)
	if got := len(reloaded.List()); got != 2 {
		t.Fatalf("reloaded %d workspaces, want 2", got)
	}
	sub, ok := reloaded.Get("ws-sub")
	if !ok || sub.ParentID != "ws-root" || sub.AgentID != "explore" {
		t.Errorf("reloaded record = %+v, %v", sub, ok)
	}
}

func TestStoreChildren(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ctx := context.Background()
	s.Create(ctx, Workspace{ID: "ws-root", ProjectPath: "/p"})
	s.Create(ctx, Workspace{ID: "ws-b", ProjectPath: "/p", ParentID: "ws-root"})
	s.Create(ctx, Workspace{ID: "ws-a", ProjectPath: "/p", ParentID: "ws-root"})

	kids := s.Children("ws-root")
	if len(kids) != 2 || kids[0].ID != "ws-a" || kids[1].ID != "ws-b" {
		t.Errorf("children = %+v", kids)
	}
}

func TestStoreRemoveGuardsChildren(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ctx := context.Background()
	s.Create(ctx, Workspace{ID: "ws-root", ProjectPath: "/p"})
	s.Create(ctx, Workspace{ID: "ws-sub", ProjectPath: "/p", ParentID: "ws-root"})

	if err := s.Remove(ctx, "ws-root"); err == nil {
		t.Error("removed a workspace that still has children")
	}
	if err := s.Remove(ctx, "ws-sub"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "ws-root"); err != nil {
		t.Fatal(err)
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("workspaces left = %d", got)
	}
}
