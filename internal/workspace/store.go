package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// WorkspacesFile holds the workspace records, at the mux home root.
const WorkspacesFile = "workspaces.json"

// storeLockID serializes writers of the shared workspaces file. It is not a
// valid workspace id, so it can never collide with a session directory lock.
const storeLockID = "workspaces"

// Store is the durable workspace registry: which workspaces exist, their
// project paths, and the parent chain linking subagent workspaces to their
// orchestrator.
type Store struct {
	muxHome string
	locker  *Locker
	logger  *slog.Logger

	mu      sync.Mutex
	records map[string]Workspace
}

type storeFile struct {
	Version    int         `json:"version"`
	Workspaces []Workspace `json:"workspaces"`
}

// NewStore loads the registry from <muxHome>/workspaces.json. A missing
// file is an empty registry.
func NewStore(muxHome string, locker *Locker, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		muxHome: muxHome,
		locker:  locker,
		logger:  logger.With("component", "workspace"),
		records: make(map[string]Workspace),
	}

	data, err := os.ReadFile(filepath.Join(muxHome, WorkspacesFile))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspace registry: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing workspace registry: %w", err)
	}
	for _, ws := range file.Workspaces {
		s.records[ws.ID] = ws
	}
	return s, nil
}

// Create registers a workspace. A blank ID gets a generated one; the record
// is persisted before Create returns.
func (s *Store) Create(ctx context.Context, ws Workspace) (Workspace, error) {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if !ValidID(ws.ID) {
		return Workspace{}, fmt.Errorf("invalid workspace id %q", ws.ID)
	}
	if ws.ProjectPath == "" {
		return Workspace{}, fmt.Errorf("workspace %q has no project path", ws.ID)
	}

	s.mu.Lock()
	if _, exists := s.records[ws.ID]; exists {
		s.mu.Unlock()
		return Workspace{}, fmt.Errorf("workspace %q already exists", ws.ID)
	}
	if ws.ParentID != "" {
		if _, ok := s.records[ws.ParentID]; !ok {
			s.mu.Unlock()
			return Workspace{}, fmt.Errorf("parent workspace %q does not exist", ws.ParentID)
		}
	}
	s.records[ws.ID] = ws
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		delete(s.records, ws.ID)
		s.mu.Unlock()
		return Workspace{}, err
	}
	s.logger.Info("workspace created", "workspace_id", ws.ID, "parent_id", ws.ParentID, "agent", ws.AgentID)
	return ws, nil
}

// Get returns a workspace record by id.
func (s *Store) Get(id string) (Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.records[id]
	return ws, ok
}

// List returns all workspaces ordered by id.
func (s *Store) List() []Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Workspace, 0, len(s.records))
	for _, ws := range s.records {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Children returns the direct subagent workspaces of a parent.
func (s *Store) Children(parentID string) []Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Workspace
	for _, ws := range s.records {
		if ws.ParentID == parentID {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a workspace record. Removing a workspace with live
// children is rejected; the session directory is left in place.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	ws, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("workspace %q does not exist", id)
	}
	for _, other := range s.records {
		if other.ParentID == id {
			s.mu.Unlock()
			return fmt.Errorf("workspace %q still has subagent workspaces", id)
		}
	}
	delete(s.records, id)
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		s.records[id] = ws
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	file := storeFile{Version: 1, Workspaces: make([]Workspace, 0, len(s.records))}
	for _, ws := range s.records {
		file.Workspaces = append(file.Workspaces, ws)
	}
	s.mu.Unlock()
	sort.Slice(file.Workspaces, func(i, j int) bool { return file.Workspaces[i].ID < file.Workspaces[j].ID })

	write := func() error {
		if err := os.MkdirAll(s.muxHome, 0o755); err != nil {
			return err
		}
		data, err := json.MarshalIndent(file, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(s.muxHome, WorkspacesFile)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}
	if s.locker == nil {
		return write()
	}
	return s.locker.WithLock(ctx, storeLockID, write)
}
