// Package relay exposes the workspace session event stream over a
// websocket. Clients connect to /ws?workspace=<id> and receive the same
// frames a local subscriber would: a replay of buffered events, a
// caught-up marker, then live events in publish order. The relay carries
// no client-to-server protocol beyond the connection itself; sends, aborts
// and tool approvals stay on the session API.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muxsh/mux/internal/observability"
	"github.com/muxsh/mux/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 45 * time.Second
	pingPeriod = 15 * time.Second

	maxClientPayload = 4 << 10
)

// EventSource is the slice of a session the relay needs: attach a
// subscriber, detach it again.
type EventSource interface {
	Subscribe(ctx context.Context) (uint64, <-chan models.SessionEvent)
	Unsubscribe(id uint64)
}

// Resolver maps a workspace id to its live session. The second return is
// false when no session exists for the workspace.
type Resolver func(workspaceID string) (EventSource, bool)

// Options configures the relay server.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Server serves the websocket fan-out plus /healthz and /metrics.
type Server struct {
	resolve  Resolver
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a relay server listening on addr once ListenAndServe is
// called.
func New(addr string, resolve Resolver, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		resolve: resolve,
		logger:  logger.With("component", "relay"),
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed separately so tests can mount
// it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("relay listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace")
	if workspaceID == "" {
		http.Error(w, "workspace query parameter is required", http.StatusBadRequest)
		return
	}
	source, ok := s.resolve(workspaceID)
	if !ok {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subID, events := source.Subscribe(ctx)
	defer source.Unsubscribe(subID)

	if s.metrics != nil {
		s.metrics.RelayClients.Inc()
		defer s.metrics.RelayClients.Dec()
	}
	s.logger.Debug("client attached", "workspace", workspaceID, "subscriber", subID)

	// The read side only keeps the connection honest: pongs refresh the
	// deadline, any error (including a normal close) tears the session down.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxClientPayload)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Session closed underneath us.
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("client write failed", "workspace", workspaceID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
