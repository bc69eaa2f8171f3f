package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muxsh/mux/pkg/models"
)

// fakeSource mimics a session bus: replay, caught-up marker, then live
// events on a shared channel.
type fakeSource struct {
	mu           sync.Mutex
	nextID       uint64
	live         chan models.SessionEvent
	replay       []models.SessionEvent
	unsubscribed []uint64
}

func newFakeSource(replay ...models.SessionEvent) *fakeSource {
	return &fakeSource{
		live:   make(chan models.SessionEvent, 16),
		replay: replay,
	}
}

func (f *fakeSource) Subscribe(ctx context.Context) (uint64, <-chan models.SessionEvent) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	ch := make(chan models.SessionEvent, 64)
	for _, ev := range f.replay {
		ch <- ev
	}
	ch <- models.SessionEvent{Version: 1, Type: models.EventCaughtUp}
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.live:
				if !ok {
					return
				}
				ch <- ev
			}
		}
	}()
	return id, ch
}

func (f *fakeSource) Unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
}

func (f *fakeSource) unsubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribed)
}

func newTestRelay(t *testing.T, sources map[string]*fakeSource) *httptest.Server {
	t.Helper()
	resolve := func(id string) (EventSource, bool) {
		src, ok := sources[id]
		return src, ok
	}
	s := New("", resolve, Options{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, workspace string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?workspace=" + workspace
}

func TestHealthz(t *testing.T) {
	srv := newTestRelay(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsServed(t *testing.T) {
	srv := newTestRelay(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWSRequiresWorkspaceParam(t *testing.T) {
	srv := newTestRelay(t, nil)
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWSUnknownWorkspace(t *testing.T) {
	srv := newTestRelay(t, map[string]*fakeSource{})
	resp, err := http.Get(srv.URL + "/ws?workspace=ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWSForwardsEventsInOrder(t *testing.T) {
	replayed := models.SessionEvent{Version: 1, Type: models.EventStreamDelta, Sequence: 1,
		Stream: &models.StreamPayload{Delta: "earlier"}}
	src := newFakeSource(replayed)
	srv := newTestRelay(t, map[string]*fakeSource{"ws-1": src})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "ws-1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	src.live <- models.SessionEvent{Version: 1, Type: models.EventStreamDelta, Sequence: 2,
		Stream: &models.StreamPayload{Delta: "live"}}

	var got []models.SessionEvent
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < 3 {
		var ev models.SessionEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("after %d events: %v", len(got), err)
		}
		got = append(got, ev)
	}

	if got[0].Type != models.EventStreamDelta || got[0].Stream.Delta != "earlier" {
		t.Errorf("frame 0 = %+v, want replayed delta", got[0])
	}
	if got[1].Type != models.EventCaughtUp {
		t.Errorf("frame 1 = %+v, want caught-up", got[1])
	}
	if got[2].Type != models.EventStreamDelta || got[2].Stream.Delta != "live" {
		t.Errorf("frame 2 = %+v, want live delta", got[2])
	}
}

func TestWSUnsubscribesOnClientClose(t *testing.T) {
	src := newFakeSource()
	srv := newTestRelay(t, map[string]*fakeSource{"ws-1": src})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "ws-1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for src.unsubCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never unsubscribed after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSClosedWhenSessionEnds(t *testing.T) {
	src := newFakeSource()
	srv := newTestRelay(t, map[string]*fakeSource{"ws-1": src})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "ws-1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev models.SessionEvent
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != models.EventCaughtUp {
		t.Fatalf("first frame = %+v, %v", ev, err)
	}

	close(src.live)

	err = conn.ReadJSON(&ev)
	if err == nil {
		t.Fatal("expected a close after the session ended")
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("close error = %v, want going-away", err)
	}
}
