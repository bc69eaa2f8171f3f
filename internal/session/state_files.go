package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/muxsh/mux/internal/workspace"
)

// PostCompactionState is the persisted post-compaction reinjection payload
// (<sessionDir>/post-compaction.json). It exists between a compaction
// boundary and the first successful post-boundary turn.
type PostCompactionState struct {
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"createdAt"`
	Diffs     []Attachment `json:"diffs"`
}

// AutoRetryAbandon records a non-retryable startup auto-retry outcome so
// later startups never fire a second retry for the same tail.
type AutoRetryAbandon struct {
	Reason        string `json:"reason"`
	UserMessageID string `json:"userMessageId,omitempty"`
}

// AutoRetryState is the persisted auto-retry control file
// (<sessionDir>/auto-retry.json). Enabled=false is a durable opt-out.
type AutoRetryState struct {
	Enabled                 *bool             `json:"enabled,omitempty"`
	StartupAutoRetryAbandon *AutoRetryAbandon `json:"startupAutoRetryAbandon,omitempty"`
}

// stateFiles reads and writes the small per-workspace JSON state files under
// the session directory, serialized by the workspace file lock.
type stateFiles struct {
	muxHome string
	locker  *workspace.Locker
}

func (s *stateFiles) path(workspaceID, name string) string {
	return workspace.SessionFile(s.muxHome, workspaceID, name)
}

func readJSONFile[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return &out, nil
}

func (s *stateFiles) writeJSON(ctx context.Context, workspaceID, name string, v any) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		path := s.path(workspaceID, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
}

func (s *stateFiles) remove(ctx context.Context, workspaceID, name string) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		err := os.Remove(s.path(workspaceID, name))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
}

// PostCompaction returns the pending reinjection state, or nil.
func (s *stateFiles) PostCompaction(workspaceID string) (*PostCompactionState, error) {
	return readJSONFile[PostCompactionState](s.path(workspaceID, workspace.PostCompactionFile))
}

// SavePostCompaction persists the reinjection state atomically.
func (s *stateFiles) SavePostCompaction(ctx context.Context, workspaceID string, state PostCompactionState) error {
	if state.Version == 0 {
		state.Version = 1
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	return s.writeJSON(ctx, workspaceID, workspace.PostCompactionFile, state)
}

// DiscardPostCompaction removes the state file once a post-boundary turn
// has succeeded.
func (s *stateFiles) DiscardPostCompaction(ctx context.Context, workspaceID string) error {
	return s.remove(ctx, workspaceID, workspace.PostCompactionFile)
}

// AutoRetry returns the auto-retry control state, or nil when absent.
func (s *stateFiles) AutoRetry(workspaceID string) (*AutoRetryState, error) {
	return readJSONFile[AutoRetryState](s.path(workspaceID, workspace.AutoRetryFile))
}

// RecordAbandon persists a non-retryable abandon, preserving an existing
// opt-out flag.
func (s *stateFiles) RecordAbandon(ctx context.Context, workspaceID string, abandon AutoRetryAbandon) error {
	current, err := s.AutoRetry(workspaceID)
	if err != nil {
		return err
	}
	if current == nil {
		current = &AutoRetryState{}
	}
	current.StartupAutoRetryAbandon = &abandon
	return s.writeJSON(ctx, workspaceID, workspace.AutoRetryFile, current)
}
