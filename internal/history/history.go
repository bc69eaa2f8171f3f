// Package history stores the per-workspace message log. The session depends
// only on the Service capability interface; the JSONL backend keeps an
// append-only history.jsonl per session directory, the SQLite backend keeps
// a shared history.db. Both store the streaming partial separately from
// committed history so an interrupted stream never corrupts the log.
package history

import (
	"context"

	"github.com/muxsh/mux/pkg/models"
)

// Service is the capability surface the agent session is handed. The
// session holds no back-reference to a concrete store.
type Service interface {
	// GetFromLatestBoundary returns the latest boundary slice: the suffix
	// of the log starting at the largest-epoch compaction boundary, or the
	// whole log when no boundary exists. All reads used for prompting go
	// through this.
	GetFromLatestBoundary(ctx context.Context, workspaceID string) ([]models.Message, error)

	// GetLastMessages returns up to n trailing messages in log order.
	GetLastMessages(ctx context.Context, workspaceID string, n int) ([]models.Message, error)

	// Append adds a committed message to the end of the log.
	Append(ctx context.Context, workspaceID string, msg models.Message) error

	// WritePartial atomically replaces the uncommitted streaming message.
	WritePartial(ctx context.Context, workspaceID string, msg models.Message) error

	// ReadPartial returns the current partial, or nil when none exists.
	ReadPartial(ctx context.Context, workspaceID string) (*models.Message, error)

	// CommitPartial promotes the partial to committed history atomically
	// and removes it. A missing partial is a no-op.
	CommitPartial(ctx context.Context, workspaceID string) error

	// DeletePartial discards the partial, if any.
	DeletePartial(ctx context.Context, workspaceID string) error

	// DeleteMessage removes one committed message by id.
	DeleteMessage(ctx context.Context, workspaceID, messageID string) error

	// Clear removes all committed history for the workspace.
	Clear(ctx context.Context, workspaceID string) error
}

// latestBoundarySlice returns the suffix starting at the boundary message
// with the largest compaction epoch.
func latestBoundarySlice(messages []models.Message) []models.Message {
	start := 0
	var bestEpoch int64 = -1
	for i := range messages {
		m := &messages[i]
		if m.IsCompactionBoundary() && m.Metadata.CompactionEpoch > bestEpoch {
			bestEpoch = m.Metadata.CompactionEpoch
			start = i
		}
	}
	return messages[start:]
}

// lastN returns up to n trailing elements.
func lastN(messages []models.Message, n int) []models.Message {
	if n <= 0 || len(messages) == 0 {
		return nil
	}
	if n >= len(messages) {
		return messages
	}
	return messages[len(messages)-n:]
}
