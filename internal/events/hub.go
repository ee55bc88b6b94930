// Package events implements the optional pub-sub seam described by §9's
// "Async callbacks" design note: the Coordinator publishes a notification
// whenever new signals land, and any number of subscribers (a dashboard,
// a CLI watcher) can listen over a websocket without being part of the
// core's correctness. Nothing in the refinery's own pipeline depends on a
// subscriber being present.
package events

import (
	"log/slog"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/gorilla/websocket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// safeConn serializes writes to one websocket connection; gorilla's Conn
// is not safe for concurrent writers and the hub broadcasts from whatever
// goroutine calls Publish.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *safeConn) writeJSON(v any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteJSON(v)
}

// Hub fans out events to every currently-connected subscriber.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*safeConn
	next  int
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{conns: make(map[string]*safeConn)}
}

// Event is the envelope broadcast to subscribers.
type Event struct {
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`
}

// Publish fans an event out to every connected subscriber, dropping
// connections that fail to accept the write.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	targets := make(map[string]*safeConn, len(h.conns))
	for id, c := range h.conns {
		targets[id] = c
	}
	h.mu.RUnlock()

	for id, c := range targets {
		if err := c.writeJSON(evt); err != nil {
			slog.Warn("events: dropping subscriber after write failure", "id", id, "error", err)
			h.remove(id)
		}
	}
}

// SignalsUpdated publishes the standard "new signals landed, re-fetch the
// list" notification the analyzer's write path triggers.
func (h *Hub) SignalsUpdated() {
	h.Publish(Event{Kind: "signals_updated"})
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection as a subscriber until it disconnects. Subscribers are
// read-only: the refinery never expects inbound frames on this socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("events: websocket upgrade failed", "error", err)
		return
	}

	sc := &safeConn{Conn: conn}
	id := h.add(sc)
	defer h.remove(id)

	_ = sc.writeJSON(Event{Kind: "connected"})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) add(c *safeConn) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := idFor(h.next)
	h.conns[id] = c
	return id
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		_ = c.Close()
		delete(h.conns, id)
	}
}

func idFor(n int) string {
	s, _ := json.MarshalToString(n)
	return s
}
