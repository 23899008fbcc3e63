package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/festipay/festipay/internal/storage"
	"github.com/festipay/festipay/internal/syncq"
	"github.com/festipay/festipay/pkg/logging"
)

// WebSocket configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local control API only
	},
}

// WSEvent is a websocket frame relayed to the UI. Every frame carries the
// current unsynced+failed counts so the banner state is always current.
type WSEvent struct {
	Event         syncq.Event `json:"event"`
	PendingTotal  int         `json:"pending_total"`
	PendingFailed int         `json:"pending_failed"`
	BannerVisible bool        `json:"banner_visible"`
	Timestamp     int64       `json:"timestamp"`
}

// WSClient represents a connected websocket client.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub relays sync queue events to connected UI clients.
type WSHub struct {
	queue *syncq.Queue
	store *storage.Storage
	log   *logging.Logger

	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWSHub creates a websocket hub over the queue's event stream.
func NewWSHub(queue *syncq.Queue, store *storage.Storage) *WSHub {
	return &WSHub{
		queue:      queue,
		store:      store,
		log:        logging.GetDefault().Component("ws"),
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stop:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	events, cancel := h.queue.Events()
	defer cancel()

	for {
		select {
		case <-h.stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("WebSocket client disconnected", "clients", len(h.clients))

		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// Stop terminates the hub loop.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *WSHub) broadcast(ev syncq.Event) {
	frame := WSEvent{
		Event:     ev,
		Timestamp: time.Now().UnixMilli(),
	}
	if stats, err := h.store.Stats(); err == nil {
		unsynced := stats.PendingTotal - stats.PendingSynced
		failed := stats.QueueByStatus[storage.QueueStatusFailed]
		frame.PendingTotal = unsynced
		frame.PendingFailed = failed
		frame.BannerVisible = unsynced+failed > 0
	}

	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("Failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow client: drop the frame rather than stall the hub
		}
	}
}

// HandleWS upgrades an HTTP request to a websocket subscription.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writeLoop()
	go client.readLoop()
}

func (c *WSClient) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readLoop discards inbound frames and detects disconnects.
func (c *WSClient) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
