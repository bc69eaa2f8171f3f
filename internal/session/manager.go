package session

import (
	"sync"

	"github.com/muxsh/mux/internal/workspace"
)

// Manager creates and caches one Session per workspace.
type Manager struct {
	deps   Deps
	lookup func(id string) (workspace.Workspace, bool)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. lookup resolves workspace ids to
// records and is used to walk parent chains for subagent lineage; nil means
// no lineage resolution.
func NewManager(deps Deps, lookup func(id string) (workspace.Workspace, bool)) *Manager {
	return &Manager{
		deps:     deps,
		lookup:   lookup,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for the workspace, creating it on first use.
func (m *Manager) Get(ws workspace.Workspace) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[ws.ID]; ok {
		return s
	}
	s := New(ws, m.lineageAgentIDs(ws), m.deps)
	m.sessions[ws.ID] = s
	return s
}

// Find returns an existing session without creating one.
func (m *Manager) Find(workspaceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[workspaceID]
	return s, ok
}

// Close aborts and detaches every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
	}
}

// lineageAgentIDs walks the parent chain collecting ancestor agent ids,
// nearest ancestor first. A cycle or missing parent ends the walk.
func (m *Manager) lineageAgentIDs(ws workspace.Workspace) []string {
	if m.lookup == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{ws.ID: true}
	for id := ws.ParentID; id != "" && !seen[id]; {
		seen[id] = true
		parent, ok := m.lookup(id)
		if !ok {
			break
		}
		if parent.AgentID != "" {
			out = append(out, parent.AgentID)
		}
		id = parent.ParentID
	}
	return out
}
