// Package workspace defines the workspace record, the session directory
// layout under the mux home, and the per-workspace file lock that serializes
// every write touching a session directory.
package workspace

import (
	"path/filepath"
	"strings"
)

// Well-known file names inside a session directory.
const (
	HistoryFile        = "history.jsonl"
	PartialFile        = "partial.json"
	InitStatusFile     = "init-status.json"
	AutoRetryFile      = "auto-retry.json"
	PostCompactionFile = "post-compaction.json"
	TodosFile          = "todos.json"
	PlanFile           = "plan.md"
	LockFile           = "session.lock"
)

// Workspace is a per-project isolated conversation and execution
// environment. Subagent workspaces carry a ParentID chain up to their
// orchestrator.
type Workspace struct {
	ID          string `json:"id"`
	ProjectPath string `json:"project_path"`
	ParentID    string `json:"parent_id,omitempty"`

	// AgentID selects the agent definition driving this workspace:
	// "exec", "plan", "explore", or a user-defined id.
	AgentID string `json:"agent_id,omitempty"`
}

// SessionDir returns the session directory for a workspace id.
func SessionDir(muxHome, workspaceID string) string {
	return filepath.Join(muxHome, "sessions", workspaceID)
}

// SessionFile returns the path of a named file in the workspace's session
// directory.
func SessionFile(muxHome, workspaceID, name string) string {
	return filepath.Join(SessionDir(muxHome, workspaceID), name)
}

// ValidID reports whether id is safe to use as a session directory name.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}
