// Package dashboard bridges the in-process event bus to browser
// clients over WebSocket for the browser-facing dashboard
// (coder/websocket, one read-goroutine per connection,
// write-timeout-guarded sends). There is no
// Postgres LISTEN/NOTIFY or catchup-on-reconnect here, since the source of
// truth is the in-process pkg/events.Bus, not a durable notification log.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/llmlb/gateway/pkg/events"
)

// writeTimeout bounds how long a single client send may take before it is
// considered stalled.
const writeTimeout = 5 * time.Second

// Hub fans out every bus event to every connected dashboard client.
type Hub struct {
	bus *events.Bus

	mu    sync.RWMutex
	conns map[string]*connection
}

type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub constructs a Hub over bus. Call Run to start fanning out events;
// it blocks until ctx is cancelled.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{bus: bus, conns: make(map[string]*connection)}
}

// wireMessage is the envelope sent to every dashboard client.
type wireMessage struct {
	Type string    `json:"type"`
	At   time.Time `json:"at,omitempty"`
	Data any       `json:"data,omitempty"`
}

// Run subscribes to every bus topic and forwards each event to all
// connected clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			h.broadcast(wireMessage{Type: string(evt.Topic), At: evt.At, Data: evt.Payload})
		}
	}
}

// HandleConnection registers conn and blocks until it closes, reading (and
// discarding, save for ping/pong keepalive) client frames. Call after
// upgrading an HTTP request to WebSocket.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{id: uuid.NewString(), conn: conn, ctx: ctx, cancel: cancel}

	h.register(c)
	defer h.unregister(c)

	h.send(c, wireMessage{Type: "connection.established", At: time.Now(), Data: map[string]string{"connection_id": c.id}})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if t, _ := msg["type"].(string); t == "ping" {
			h.send(c, wireMessage{Type: "pong", At: time.Now()})
		}
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) broadcast(msg wireMessage) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.send(c, msg)
	}
}

func (h *Hub) send(c *connection, msg wireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("dashboard: marshal message failed", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("dashboard: write failed, dropping connection", "connection_id", c.id, "error", err)
		go func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	}
}

// ConnectionCount reports the number of currently attached dashboard
// clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
