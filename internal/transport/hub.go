package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fwdslsh/dispatch/pkg/eventlog"
	"github.com/fwdslsh/dispatch/pkg/observability"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
	// defaultSendBuffer is the per-connection outbound channel depth. A
	// connection that falls this far behind is closed; the client
	// reconnects and replays from its cursor.
	defaultSendBuffer = 256
)

// Hub tracks connected sockets and their per-stream attachments. Sessions
// outlive any connection: dropping a socket only removes its memberships.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "transport"),
		conns:  make(map[string]*connection),
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	observability.SetConnectedSockets(n)
	h.logger.Info("client connected", "connId", c.id, "subject", c.identity.Subject, "total", n)
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	observability.SetConnectedSockets(n)
	h.logger.Info("client disconnected", "connId", c.id, "total", n)
}

// ConnCount returns the number of connected sockets.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// closeAll tears down every connection, used on server shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

// connection is one websocket client. A write pump goroutine owns the
// socket's write side; the read pump feeds the mediator; each attachment
// runs a forwarder goroutine draining its live subscription.
type connection struct {
	id       string
	sock     *websocket.Conn
	identity Identity
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger

	mu          sync.Mutex
	attachments map[string]*attachment
}

// attachment is a connection's membership in one session's fan-out group.
type attachment struct {
	sessionID string
	sub       *eventlog.Subscription
	// lastSeen is the replay/live dedup cursor: live events at or below it
	// were already covered by the replay batch. Only the forwarder
	// goroutine touches it after attach.
	lastSeen int64
}

func newConnection(id string, sock *websocket.Conn, identity Identity, logger *slog.Logger) *connection {
	return &connection{
		id:          id,
		sock:        sock,
		identity:    identity,
		send:        make(chan []byte, defaultSendBuffer),
		done:        make(chan struct{}),
		logger:      logger,
		attachments: make(map[string]*attachment),
	}
}

// enqueue queues one frame for the write pump. A full buffer closes the
// connection rather than blocking the caller.
func (c *connection) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal frame", "connId", c.id, "error", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, dropping connection", "connId", c.id)
		c.shutdown()
		return false
	}
}

// writePump drains the send channel onto the socket. It owns the write
// side of the socket and exits when the connection is shut down.
func (c *connection) writePump() {
	defer func() {
		c.shutdown()
		_ = c.sock.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "connId", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// attach records a stream membership and starts its live forwarder. An
// existing attachment for the same session is replaced.
func (c *connection) attach(a *attachment) {
	c.mu.Lock()
	prev := c.attachments[a.sessionID]
	c.attachments[a.sessionID] = a
	c.mu.Unlock()

	if prev != nil && prev.sub != nil {
		prev.sub.Close()
	}
	if a.sub != nil {
		go c.forward(a)
	}
}

// forward relays live events for one attachment, dropping any event the
// replay batch already covered.
func (c *connection) forward(a *attachment) {
	for ev := range a.sub.Events() {
		if ev.Seq <= a.lastSeen {
			continue
		}
		a.lastSeen = ev.Seq
		if !c.enqueue(newEventMessage(ev)) {
			return
		}
	}
}

// detachAll closes every attachment's subscription. Sessions themselves
// are untouched.
func (c *connection) detachAll() {
	c.mu.Lock()
	attachments := make([]*attachment, 0, len(c.attachments))
	for _, a := range c.attachments {
		attachments = append(attachments, a)
	}
	c.attachments = make(map[string]*attachment)
	c.mu.Unlock()

	for _, a := range attachments {
		if a.sub != nil {
			a.sub.Close()
		}
	}
}

// shutdown signals both pumps to exit. Safe to call more than once.
func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}
