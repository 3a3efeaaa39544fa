// Package wshub broadcasts alert events to WebSocket subscribers.
//
// Dashboards connect to the hub's handler, optionally filtering by device:
//
//	GET /ws/alerts?device=ESP32_001
//
// Every event is sent as one JSON text message. Subscribers that fall
// behind are disconnected rather than slowing down delivery.
package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/airea/internal/alert"
)

const (
	defaultBuffer = 16
	writeTimeout  = 5 * time.Second
)

var _ alert.Sink = (*Hub)(nil)

type client struct {
	device string
	send   chan []byte
	status websocket.StatusCode
	reason string
}

// Hub is both an alert sink and the http.Handler subscribers connect to.
// All methods are safe for concurrent use.
type Hub struct {
	name    string
	buffer  int
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// Option is a functional option for configuring a Hub.
type Option func(*Hub)

// WithName overrides the sink name. Defaults to "websocket".
func WithName(name string) Option {
	return func(h *Hub) { h.name = name }
}

// WithBuffer sets how many events may queue per subscriber before it is
// dropped. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin browser connections from hosts
// matching patterns (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{name: "websocket", buffer: defaultBuffer, clients: make(map[*client]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Name implements alert.Sink.
func (h *Hub) Name() string { return h.name }

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dispatch implements alert.Dispatcher. It never blocks on subscribers.
func (h *Hub) Dispatch(_ context.Context, ev alert.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("wshub: encode event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.device != "" && c.device != ev.DeviceID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slog.Warn("wshub: dropping slow subscriber", "device_filter", c.device)
			h.dropLocked(c, websocket.StatusPolicyViolation, "subscriber too slow")
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the subscriber
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Debug("wshub: accept failed", "err", err)
		return
	}

	c := &client{device: r.URL.Query().Get("device"), send: make(chan []byte, h.buffer)}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	slog.Debug("wshub: subscriber connected", "device_filter", c.device, "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(c.status, c.reason)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("wshub: write failed", "err", err)
				conn.CloseNow()
				return
			}
		case <-ctx.Done():
			conn.CloseNow()
			return
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c, websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// dropLocked removes c and tells its writer to close with status. Must be
// called with h.mu held.
func (h *Hub) dropLocked(c *client, status websocket.StatusCode, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.status, c.reason = status, reason
	close(c.send)
}
