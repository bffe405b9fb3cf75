package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClientBuffer sets how many undelivered events a client may lag
// behind before it is disconnected. Default 32.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

// WithOriginPatterns sets the host patterns allowed to open the socket
// cross-origin, e.g. "chrome-extension://*". Same-origin is always allowed.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// WithClientObserver is called with +1 or -1 whenever a client connects
// or disconnects. It runs under the hub lock and must not call back into
// the hub.
func WithClientObserver(fn func(delta int)) HubOption {
	return func(h *Hub) { h.onClient = fn }
}

// Hub broadcasts events to connected overlay clients over WebSocket. A
// client that falls behind is dropped rather than slowing the pipeline.
// New clients receive the most recent status event first.
type Hub struct {
	buffer   int
	origins  []string
	onClient func(delta int)

	mu         sync.Mutex
	clients    map[*client]struct{}
	lastStatus []byte
	closed     bool
}

type client struct {
	send chan []byte
}

var (
	_ Sink         = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:  32,
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Notify implements [Sink]. It never blocks.
func (h *Hub) Notify(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Error("notify: marshal event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if ev.Type == EventStatus {
		h.lastStatus = msg
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("notify: dropping slow overlay client")
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects, falls behind, or the hub closes. Messages from the client
// are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("notify: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	c, ok := h.add()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	slog.Info("notify: overlay client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow or hub closed")
				return
			}
			if err := write(ctx, conn, msg); err != nil {
				slog.Debug("notify: write to overlay client failed", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (h *Hub) add() (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{send: make(chan []byte, h.buffer+1)}
	if h.lastStatus != nil {
		c.send <- h.lastStatus
	}
	h.clients[c] = struct{}{}
	if h.onClient != nil {
		h.onClient(1)
	}
	return c, true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.onClient != nil {
		h.onClient(-1)
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
