package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ergometer-live/backend/internal/model"
)

// DefaultSendQueue is the per-client outbound queue length.
const DefaultSendQueue = 256

// Client is one WebSocket peer of the relay.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with a bounded send queue.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.sendQueue),
	}
}

// ID returns the client identifier.
func (c *Client) ID() string {
	return c.id
}

// Send queues data for the client. A client whose queue is full is closed.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// SendEnvelope stamps env and queues it for the client.
func (c *Client) SendEnvelope(env model.Envelope) error {
	data, err := json.Marshal(env.Stamped(time.Now()))
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client's send queue.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub fans envelopes out to every connected client.
type Hub struct {
	sendQueue int
	clients   map[*Client]bool
	mu        sync.RWMutex

	onMessage func(client *Client, payload []byte)
}

// NewHub creates a hub whose clients queue at most sendQueue messages.
func NewHub(sendQueue int) *Hub {
	if sendQueue <= 0 {
		sendQueue = DefaultSendQueue
	}
	return &Hub{
		sendQueue: sendQueue,
		clients:   make(map[*Client]bool),
	}
}

// SetOnMessage sets the callback for incoming frames.
func (h *Hub) SetOnMessage(callback func(client *Client, payload []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = callback
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// Broadcast sends data to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// BroadcastEnvelope stamps env and sends it to all connected clients.
func (h *Hub) BroadcastEnvelope(env model.Envelope) error {
	if env.Timestamp == "" {
		env = env.Stamped(time.Now())
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleMessage passes an incoming frame to the message callback.
func (h *Hub) HandleMessage(client *Client, payload []byte) {
	h.mu.RLock()
	callback := h.onMessage
	h.mu.RUnlock()

	if callback != nil {
		callback(client, payload)
	}
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
