package session

import (
	"log/slog"
	"sync"

	"github.com/muxsh/mux/pkg/models"
)

const defaultEventBuffer = 256

// Bus fans session events out to subscribers. Every subscriber has its own
// buffered channel; events are delivered in publish order with a monotonic
// per-bus sequence. A subscriber that stops draining loses events rather
// than stalling the session.
type Bus struct {
	workspaceID string
	buffer      int
	logger      *slog.Logger

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]chan models.SessionEvent
}

// NewBus creates an event bus for one workspace.
func NewBus(workspaceID string, buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		workspaceID: workspaceID,
		buffer:      buffer,
		logger:      logger.With("component", "session", "workspace_id", workspaceID),
		subs:        make(map[uint64]chan models.SessionEvent),
	}
}

// Publish stamps the event and delivers it to every subscriber.
func (b *Bus) Publish(ev models.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(ev)
}

func (b *Bus) deliverLocked(ev models.SessionEvent) {
	b.seq++
	ev.Sequence = b.seq
	if ev.WorkspaceID == "" {
		ev.WorkspaceID = b.workspaceID
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

// Subscribe registers a subscriber. The replay callback, when non-nil, runs
// under the bus lock so replayed events and subsequent live events form one
// ordered sequence; replayed events go only to the new subscriber, followed
// by a caught-up marker.
func (b *Bus) Subscribe(replay func(emit func(models.SessionEvent))) (uint64, <-chan models.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan models.SessionEvent, b.buffer)

	emit := func(ev models.SessionEvent) {
		b.seq++
		ev.Sequence = b.seq
		if ev.WorkspaceID == "" {
			ev.WorkspaceID = b.workspaceID
		}
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping replay event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
	if replay != nil {
		replay(emit)
	}
	emit(models.NewSessionEvent(models.EventCaughtUp, b.workspaceID))

	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
