// Package notify streams sync events to host UIs over websockets.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the JSON frame sent to clients.
type Message struct {
	Type  string           `json:"type"`
	Event *queue.SyncEvent `json:"event,omitempty"`
}

type client struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.done) }) }

// Hub fans events out to connected websocket clients.  Slow clients drop
// events rather than blocking publishers.
type Hub struct {
	mu           sync.RWMutex
	clients      map[*client]struct{}
	bufferSize   int
	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[*client]struct{}),
		bufferSize:   64,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
	}
}

func (h *Hub) add() *client {
	c := &client{ch: make(chan Message, h.bufferSize), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Publish broadcasts ev to every client.
func (h *Hub) Publish(_ context.Context, ev queue.SyncEvent) error {
	msg := Message{Type: "event", Event: &ev}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.ch <- msg:
		default:
		}
	}
	return nil
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	cl := h.add()
	defer h.remove(cl)

	// Reads only detect the peer going away.
	go func() {
		defer cl.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, Message{Type: "hello"}); err != nil {
		return nil
	}
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-cl.done:
			return nil
		case msg := <-cl.ch:
			if err := h.write(conn, msg); err != nil {
				slog.Debug("host stream write failed", "err", err)
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
