package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/muxsh/mux/pkg/models"
)

// SQLiteStore keeps committed history and partials in one shared database.
// Messages are ordered by an autoincrement sequence per workspace; the JSON
// payload is the same shape the JSONL backend writes, so the two backends
// are migration-compatible.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the history database at path.
// Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite history path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	// The modernc driver serializes internally but a single connection
	// avoids SQLITE_BUSY under concurrent workspace writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			message_id   TEXT NOT NULL,
			payload      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_workspace ON messages(workspace_id, seq);
		CREATE TABLE IF NOT EXISTS partials (
			workspace_id TEXT PRIMARY KEY,
			payload      TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrating history db: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) readAll(ctx context.Context, workspaceID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE workspace_id = ? ORDER BY seq`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) GetFromLatestBoundary(ctx context.Context, workspaceID string) ([]models.Message, error) {
	messages, err := s.readAll(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return latestBoundarySlice(messages), nil
}

func (s *SQLiteStore) GetLastMessages(ctx context.Context, workspaceID string, n int) ([]models.Message, error) {
	messages, err := s.readAll(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return lastN(messages, n), nil
}

func (s *SQLiteStore) Append(ctx context.Context, workspaceID string, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (workspace_id, message_id, payload) VALUES (?, ?, ?)`,
		workspaceID, msg.ID, string(payload))
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WritePartial(ctx context.Context, workspaceID string, msg models.Message) error {
	msg.Metadata.Partial = true
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding partial: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO partials (workspace_id, payload) VALUES (?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET payload = excluded.payload`,
		workspaceID, string(payload))
	if err != nil {
		return fmt.Errorf("writing partial: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadPartial(ctx context.Context, workspaceID string) (*models.Message, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM partials WHERE workspace_id = ?`, workspaceID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading partial: %w", err)
	}
	var msg models.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("parsing partial: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) CommitPartial(ctx context.Context, workspaceID string) error {
	partial, err := s.ReadPartial(ctx, workspaceID)
	if err != nil {
		return err
	}
	if partial == nil {
		return nil
	}
	promoted := partial.Clone()
	promoted.Metadata.Partial = false
	payload, err := json.Marshal(promoted)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning commit: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (workspace_id, message_id, payload) VALUES (?, ?, ?)`,
		workspaceID, promoted.ID, string(payload)); err != nil {
		return fmt.Errorf("promoting partial: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM partials WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("removing partial: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeletePartial(ctx context.Context, workspaceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM partials WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("removing partial: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, workspaceID, messageID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE workspace_id = ? AND message_id = ?`,
		workspaceID, messageID); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, workspaceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

var _ Service = (*SQLiteStore)(nil)
