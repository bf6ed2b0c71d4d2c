// Package ws is the connection multiplexer: it accepts WebSocket
// connections on the monitor, client, and legacy namespaces, tracks
// per-connection subscription state, and implements the registry surface
// the fanout router delivers through.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/observability"
	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
	"github.com/stakeordie/emp-job-queue-sub011/internal/fanout"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// JobAPI is the slice of the admission layer the hub needs for client
// messages.
type JobAPI interface {
	Submit(ctx context.Context, req domain.SubmitRequest, clientID string) (domain.Job, error)
	Get(ctx context.Context, jobID string) (domain.Job, error)
	Cancel(ctx context.Context, jobID, reason string) error
}

// Options tune the hub.
type Options struct {
	// AuthToken, when non-empty, is compared against the token query
	// parameter on handshakes that carry one. Connections without a
	// token are permitted.
	AuthToken       string
	MaxMessageBytes int64
}

// Hub owns the monitor and client connection registries. All access is
// serialized through its mutex; fanout iteration snapshots the registry
// so concurrent removal never trips it.
type Hub struct {
	jobs JobAPI
	snap domain.SnapshotBuilder
	opts Options

	mu       sync.RWMutex
	monitors map[*conn]struct{}
	clients  map[*conn]struct{}
}

// NewHub constructs the multiplexer.
func NewHub(jobs JobAPI, snap domain.SnapshotBuilder, opts Options) *Hub {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	return &Hub{
		jobs:     jobs,
		snap:     snap,
		opts:     opts,
		monitors: make(map[*conn]struct{}),
		clients:  make(map[*conn]struct{}),
	}
}

// ServeMonitor handles /ws/monitor/<monitor_id>.
func (h *Hub) ServeMonitor(w http.ResponseWriter, r *http.Request, monitorID string) {
	c, ok := h.accept(w, r, kindMonitor, monitorID)
	if !ok {
		return
	}
	h.register(c, h.monitors)
	c.enqueue(outbound{Type: "connected", ConnectionID: c.id, MonitorID: monitorID}.encode())
	go c.writePump()
	c.readPump(h, h.handleMonitorMessage)
}

// ServeClient handles /ws/client/<client_id>.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request, clientID string) {
	h.serveClientKind(w, r, kindClient, clientID)
}

// ServeLegacy handles the bare /ws/ namespace: client semantics with a
// server-assigned id.
func (h *Hub) ServeLegacy(w http.ResponseWriter, r *http.Request) {
	h.serveClientKind(w, r, kindLegacy, uuid.NewString())
}

func (h *Hub) serveClientKind(w http.ResponseWriter, r *http.Request, kind connKind, clientID string) {
	c, ok := h.accept(w, r, kind, clientID)
	if !ok {
		return
	}
	h.register(c, h.clients)
	c.enqueue(outbound{Type: "connected", ConnectionID: c.id, ClientID: clientID}.encode())
	go c.writePump()
	c.readPump(h, h.handleClientMessage)
}

// accept upgrades the socket and applies the token policy: a present
// token must match the configured value or the socket closes with 1008.
func (h *Hub) accept(w http.ResponseWriter, r *http.Request, kind connKind, clientID string) (*conn, bool) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil, false
	}
	c := newConn(uuid.NewString(), kind, clientID, sock)
	if token := r.URL.Query().Get("token"); token != "" && h.opts.AuthToken != "" && token != h.opts.AuthToken {
		c.closeWith(websocket.ClosePolicyViolation, "invalid token")
		return nil, false
	}
	return c, true
}

func (h *Hub) register(c *conn, set map[*conn]struct{}) {
	h.mu.Lock()
	set[c] = struct{}{}
	h.mu.Unlock()
	observability.ActiveConnections.WithLabelValues(string(c.kind)).Inc()
	slog.Debug("connection opened",
		slog.String("kind", string(c.kind)),
		slog.String("connection_id", c.id),
		slog.String("client_id", c.clientID))
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	var present bool
	if _, present = h.monitors[c]; present {
		delete(h.monitors, c)
	} else if _, present = h.clients[c]; present {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	// Never close c.send: a fanout goroutine that snapshotted the
	// registry before this removal may still enqueue. done stops the
	// write pump and turns late enqueues into no-ops.
	c.shutdown()
	if present {
		observability.ActiveConnections.WithLabelValues(string(c.kind)).Dec()
		slog.Debug("connection closed",
			slog.String("kind", string(c.kind)),
			slog.String("connection_id", c.id))
	}
}

// drop removes a connection whose send buffer overflowed or whose
// socket errored; siblings keep receiving.
func (h *Hub) drop(c *conn) {
	observability.EventsDroppedTotal.WithLabelValues(string(c.kind)).Inc()
	h.unregister(c)
	_ = c.ws.Close()
}

func (h *Hub) snapshotConns(set map[*conn]struct{}) []*conn {
	h.mu.RLock()
	out := make([]*conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	h.mu.RUnlock()
	return out
}

// BroadcastMonitors implements fanout.Connections: the event goes to
// every monitor whose topic set accepts it.
func (h *Hub) BroadcastMonitors(ev domain.Event) {
	for _, c := range h.snapshotConns(h.monitors) {
		if !fanout.MonitorWants(c.topicSet(), ev.Type) {
			continue
		}
		if !c.enqueueEvent(ev) {
			h.drop(c)
		}
	}
}

// SendToClient implements fanout.Connections: deliver to the submitting
// client's connection(s).
func (h *Hub) SendToClient(clientID string, ev domain.Event) {
	for _, c := range h.snapshotConns(h.clients) {
		if c.clientID != clientID {
			continue
		}
		if !c.enqueueEvent(ev) {
			h.drop(c)
		}
	}
}

// BroadcastSubscribed implements fanout.Connections: deliver to every
// client that subscribed to this job's progress.
func (h *Hub) BroadcastSubscribed(jobID string, ev domain.Event) {
	for _, c := range h.snapshotConns(h.clients) {
		if !c.isSubscribed(jobID) {
			continue
		}
		if !c.enqueueEvent(ev) {
			h.drop(c)
		}
	}
}

// MonitorCount reports registered monitor connections.
func (h *Hub) MonitorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.monitors)
}

// ClientCount reports registered client and legacy connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
