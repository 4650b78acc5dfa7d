package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/observability"
)

const wsWriteTimeout = 5 * time.Second

// Hub fans bus events out to connected WebSocket clients. A single
// pump reads the subscriber channel and broadcasts; clients joining
// get the recent history first so reconnects converge.
type Hub struct {
	sub        *events.Subscriber
	history    *events.History
	maxClients int

	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(sub *events.Subscriber, history *events.History, maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = 256
	}
	return &Hub{
		sub:        sub,
		history:    history,
		maxClients: maxClients,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]struct{}),
	}
}

// Run pumps events to clients until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ch, stop := h.sub.Subscribe(256)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				log.Printf("WebSocket client rejected: cap %d reached", h.maxClients)
				conn.Close()
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			log.Printf("WebSocket client joined (%d connected)", total)
			h.sendHistory(conn)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			log.Printf("WebSocket client left (%d connected)", total)

		case ev, ok := <-ch:
			if !ok {
				h.shutdown()
				return
			}
			h.broadcast(ev)
		}
	}
}

// sendHistory replays the buffered events so a reconnecting client
// converges without waiting for the next snapshot.
func (h *Hub) sendHistory(conn *websocket.Conn) {
	if h.history == nil {
		return
	}
	for _, ev := range h.history.Recent(64) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			go h.Unregister(conn)
			return
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("WebSocket write failed: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.WSClients.Set(0)
}

func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
