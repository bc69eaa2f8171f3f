// Package eventstore provides a generic durable event log: in-memory state
// keyed by workspace id, an atomic JSON snapshot per workspace on disk, and
// replay of the state as an ordered event sequence on demand.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/muxsh/mux/internal/workspace"
)

// Store keeps one S per workspace and persists it as JSON under the
// workspace's session directory. E is the event type Replay emits.
//
// Persist and DeletePersisted serialize per workspace through the shared
// Locker, so a write enqueued before a deletion cannot recreate files after
// the deletion completes.
type Store[S any, E any] struct {
	muxHome  string
	filename string
	locker   *workspace.Locker
	logger   *slog.Logger

	// serialize turns a state snapshot into the ordered events a live
	// observer would have seen.
	serialize func(S) []E

	mu     sync.RWMutex
	states map[string]S
}

// PersistOptions guards a persist call.
type PersistOptions struct {
	// ShouldWrite, when non-nil, is re-checked under the workspace lock;
	// a false result skips the write. Used to avoid recreating a session
	// directory that was deleted concurrently.
	ShouldWrite func() bool
}

// New creates a store writing <sessionDir>/<filename> snapshots.
func New[S any, E any](muxHome, filename string, locker *workspace.Locker, serialize func(S) []E, logger *slog.Logger) *Store[S, E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[S, E]{
		muxHome:   muxHome,
		filename:  filename,
		locker:    locker,
		logger:    logger.With("component", "eventstore", "file", filename),
		serialize: serialize,
		states:    make(map[string]S),
	}
}

// SetState replaces the in-memory state for the workspace.
func (s *Store[S, E]) SetState(workspaceID string, state S) {
	s.mu.Lock()
	s.states[workspaceID] = state
	s.mu.Unlock()
}

// GetState returns the in-memory state if present.
func (s *Store[S, E]) GetState(workspaceID string) (S, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[workspaceID]
	return state, ok
}

// HasState reports whether an in-memory state exists.
func (s *Store[S, E]) HasState(workspaceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.states[workspaceID]
	return ok
}

// DeleteState drops the in-memory state only; the persisted snapshot, if
// any, stays on disk for replay.
func (s *Store[S, E]) DeleteState(workspaceID string) {
	s.mu.Lock()
	delete(s.states, workspaceID)
	s.mu.Unlock()
}

func (s *Store[S, E]) path(workspaceID string) string {
	return workspace.SessionFile(s.muxHome, workspaceID, s.filename)
}

// Persist writes the state snapshot atomically (write-temp + rename) under
// the workspace lock.
func (s *Store[S, E]) Persist(ctx context.Context, workspaceID string, state S, opts PersistOptions) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		if opts.ShouldWrite != nil && !opts.ShouldWrite() {
			s.logger.Debug("persist skipped by guard", "workspace_id", workspaceID)
			return nil
		}
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encoding %s state: %w", s.filename, err)
		}
		target := s.path(workspaceID)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating session dir: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(target), "."+s.filename+"-*")
		if err != nil {
			return fmt.Errorf("creating temp snapshot: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing snapshot: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("closing snapshot: %w", err)
		}
		if err := os.Rename(tmpName, target); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("replacing snapshot: %w", err)
		}
		return nil
	})
}

// ReadPersisted loads the on-disk snapshot. A missing file returns ok=false
// without error.
func (s *Store[S, E]) ReadPersisted(workspaceID string) (S, bool, error) {
	var zero S
	data, err := os.ReadFile(s.path(workspaceID))
	if errors.Is(err, os.ErrNotExist) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("reading %s snapshot: %w", s.filename, err)
	}
	var state S
	if err := json.Unmarshal(data, &state); err != nil {
		return zero, false, fmt.Errorf("parsing %s snapshot: %w", s.filename, err)
	}
	return state, true, nil
}

// DeletePersisted removes the on-disk snapshot under the workspace lock.
func (s *Store[S, E]) DeletePersisted(ctx context.Context, workspaceID string) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		if err := os.Remove(s.path(workspaceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s snapshot: %w", s.filename, err)
		}
		return nil
	})
}

// Replay resolves the current state (memory first, then disk) and emits its
// serialized events in order. Returns false when no state exists anywhere.
func (s *Store[S, E]) Replay(ctx context.Context, workspaceID string, emit func(E)) (bool, error) {
	state, ok := s.GetState(workspaceID)
	if !ok {
		var err error
		state, ok, err = s.ReadPersisted(workspaceID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, event := range s.serialize(state) {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		emit(event)
	}
	return true, nil
}
