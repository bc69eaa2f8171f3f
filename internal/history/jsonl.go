package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/muxsh/mux/internal/workspace"
	"github.com/muxsh/mux/pkg/models"
)

// JSONLStore keeps history.jsonl and partial.json under each workspace's
// session directory. All writes run under the workspace lock.
type JSONLStore struct {
	muxHome string
	locker  *workspace.Locker
}

// NewJSONLStore creates the file-backed history service.
func NewJSONLStore(muxHome string, locker *workspace.Locker) *JSONLStore {
	return &JSONLStore{muxHome: muxHome, locker: locker}
}

func (s *JSONLStore) historyPath(workspaceID string) string {
	return workspace.SessionFile(s.muxHome, workspaceID, workspace.HistoryFile)
}

func (s *JSONLStore) partialPath(workspaceID string) string {
	return workspace.SessionFile(s.muxHome, workspaceID, workspace.PartialFile)
}

// readAll loads the whole log. Lines that fail to parse are skipped rather
// than poisoning the log; an interrupted append can leave one torn tail
// line.
func (s *JSONLStore) readAll(workspaceID string) ([]models.Message, error) {
	f, err := os.Open(s.historyPath(workspaceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()

	var messages []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning history: %w", err)
	}
	return messages, nil
}

func (s *JSONLStore) GetFromLatestBoundary(ctx context.Context, workspaceID string) ([]models.Message, error) {
	messages, err := s.readAll(workspaceID)
	if err != nil {
		return nil, err
	}
	return latestBoundarySlice(messages), nil
}

func (s *JSONLStore) GetLastMessages(ctx context.Context, workspaceID string, n int) ([]models.Message, error) {
	messages, err := s.readAll(workspaceID)
	if err != nil {
		return nil, err
	}
	return lastN(messages, n), nil
}

func (s *JSONLStore) Append(ctx context.Context, workspaceID string, msg models.Message) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		path := s.historyPath(workspaceID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating session dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
		return f.Sync()
	})
}

func (s *JSONLStore) WritePartial(ctx context.Context, workspaceID string, msg models.Message) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		msg.Metadata.Partial = true
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding partial: %w", err)
		}
		path := s.partialPath(workspaceID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating session dir: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("writing partial: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("replacing partial: %w", err)
		}
		return nil
	})
}

func (s *JSONLStore) ReadPartial(ctx context.Context, workspaceID string) (*models.Message, error) {
	data, err := os.ReadFile(s.partialPath(workspaceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading partial: %w", err)
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing partial: %w", err)
	}
	return &msg, nil
}

func (s *JSONLStore) CommitPartial(ctx context.Context, workspaceID string) error {
	partial, err := s.ReadPartial(ctx, workspaceID)
	if err != nil {
		return err
	}
	if partial == nil {
		return nil
	}
	promoted := partial.Clone()
	promoted.Metadata.Partial = false
	if err := s.Append(ctx, workspaceID, *promoted); err != nil {
		return err
	}
	return s.DeletePartial(ctx, workspaceID)
}

func (s *JSONLStore) DeletePartial(ctx context.Context, workspaceID string) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		if err := os.Remove(s.partialPath(workspaceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing partial: %w", err)
		}
		return nil
	})
}

func (s *JSONLStore) DeleteMessage(ctx context.Context, workspaceID, messageID string) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		messages, err := s.readAll(workspaceID)
		if err != nil {
			return err
		}
		kept := messages[:0]
		found := false
		for _, msg := range messages {
			if msg.ID == messageID {
				found = true
				continue
			}
			kept = append(kept, msg)
		}
		if !found {
			return nil
		}
		return s.rewrite(workspaceID, kept)
	})
}

func (s *JSONLStore) Clear(ctx context.Context, workspaceID string) error {
	return s.locker.WithLock(ctx, workspaceID, func() error {
		if err := os.Remove(s.historyPath(workspaceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clearing history: %w", err)
		}
		return nil
	})
}

// rewrite atomically replaces the whole log. Only DeleteMessage needs this;
// the append path never rewrites.
func (s *JSONLStore) rewrite(workspaceID string, messages []models.Message) error {
	path := s.historyPath(workspaceID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating history temp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encoding message: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("writing history temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flushing history temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing history temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing history: %w", err)
	}
	return nil
}

var _ Service = (*JSONLStore)(nil)
