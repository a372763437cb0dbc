package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

const messageTypeAlert = "alert"

var errBroadcastFull = errors.New("broadcast buffer full")

// ServerMessage is the envelope written to websocket clients.
type ServerMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active clients and broadcasts alerts to them
type Hub struct {
	clients   map[*Client]bool
	clientsMu sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. On return every client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			logger.Debug("Websocket client %s connected (total: %d)", c.ID, n)

		case c := <-h.unregister:
			h.removeClient(c)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.Send)
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Name identifies this sink in logs.
func (h *Hub) Name() string { return "websocket" }

// Notify queues an alert for every connected client. It never blocks.
func (h *Hub) Notify(ctx context.Context, event *models.AlertEvent) error {
	data, err := json.Marshal(ServerMessage{
		Type:      messageTypeAlert,
		Payload:   event,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	select {
	case h.broadcast <- data:
		return nil
	default:
		return errBroadcastFull
	}
}

func (h *Hub) removeClient(c *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.Send)
		logger.Debug("Websocket client %s disconnected (total: %d)", c.ID, len(h.clients))
	}
}

func (h *Hub) broadcastMessage(message []byte) {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		if !c.TrySend(message) {
			// Slow consumer
			logger.Warn("Websocket client %s buffer full, disconnecting", c.ID)
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for c := range h.clients {
		close(c.Send)
		delete(h.clients, c)
	}
}
