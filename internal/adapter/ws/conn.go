package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

type connKind string

const (
	kindMonitor connKind = "monitor"
	kindClient  connKind = "client"
	kindLegacy  connKind = "legacy"
)

// conn is one WebSocket connection. Outbound traffic goes through a
// buffered channel drained by writePump; a full buffer marks the
// consumer as too slow and the hub drops it without blocking siblings.
// Teardown closes done rather than send: fanout goroutines that
// snapshotted the registry before removal may still enqueue, and a send
// on a closed channel would panic.
type conn struct {
	id       string
	kind     connKind
	clientID string // client/legacy connections

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu         sync.Mutex
	topics     map[string]struct{} // monitor subscriptions
	subscribed map[string]struct{} // client job subscriptions

	closeOnce sync.Once
	doneOnce  sync.Once
}

func newConn(id string, kind connKind, clientID string, ws *websocket.Conn) *conn {
	return &conn{
		id:         id,
		kind:       kind,
		clientID:   clientID,
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		topics:     make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
}

// shutdown stops the write pump and marks the connection dead for late
// enqueuers. Safe to call more than once and concurrently with enqueue.
func (c *conn) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// enqueue hands a frame to the write pump. Returns false when the
// connection is shut down or the buffer is full, which the hub treats
// as a dead consumer.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) enqueueEvent(ev domain.Event) bool {
	b, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	return c.enqueue(b)
}

func (c *conn) setTopics(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = make(map[string]struct{}, len(topics))
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
}

func (c *conn) topicSet() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.topics))
	for t := range c.topics {
		out[t] = struct{}{}
	}
	return out
}

func (c *conn) subscribe(jobID string) {
	c.mu.Lock()
	c.subscribed[jobID] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) unsubscribe(jobID string) {
	c.mu.Lock()
	delete(c.subscribed, jobID)
	c.mu.Unlock()
}

func (c *conn) isSubscribed(jobID string) bool {
	c.mu.Lock()
	_, ok := c.subscribed[jobID]
	c.mu.Unlock()
	return ok
}

// closeWith writes a close frame with the given application code and
// shuts the socket. Safe to call more than once.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames and dispatches them via handle. It owns
// connection teardown: any read error unregisters the connection.
func (c *conn) readPump(h *Hub, handle func(*conn, []byte)) {
	defer func() {
		h.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			// Oversized frames violate the contract: close with 1009.
			if err == websocket.ErrReadLimit {
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(c, data)
	}
}
