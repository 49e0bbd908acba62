// Package realtime pushes live telemetry, anomaly and automation
// updates to WebSocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message type constants.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTelemetry   = "telemetry"
	TypeAnomaly     = "anomaly"
	TypeAutomation  = "automation"
	TypeError       = "error"
	TypePong        = "pong"
)

// Subscription channel constants.
const (
	ChanTelemetry  = "telemetry"
	ChanAnomalies  = "anomalies"
	ChanAutomation = "automation"
)

// Message is the WebSocket envelope.
type Message struct {
	Type      string          `json:"type"`
	SiteID    string          `json:"site_id,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
}

// Client is one connected WebSocket consumer.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub manages WebSocket connections and channel fan-out.
type Hub struct {
	clients    map[*Client]bool
	channels   map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage
	logger     *zap.Logger
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopped    bool
}

type broadcastMessage struct {
	channel string
	message *Message
}

// NewHub creates a hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.broadcastToChannel(msg)
		}
	}
}

// Stop closes the hub and all client connections. The stopped flag is
// set under the lock before any send channel closes, so a broadcast
// already dequeued by Run cannot write to a closed channel.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
	}
	h.clients = make(map[*Client]bool)
}

// Register queues a client for registration.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
}

// broadcastToChannel sends a message to every subscriber of a channel.
// A client with a full buffer is skipped, never waited on.
func (h *Hub) broadcastToChannel(msg *broadcastMessage) {
	h.mu.RLock()
	clients, ok := h.channels[msg.channel]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(msg.message)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	for client := range clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Subscribe adds a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()
}

// Unsubscribe removes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// Broadcast queues a message for a channel.
func (h *Hub) Broadcast(channel string, msg *Message) {
	msg.Timestamp = time.Now().UTC()
	select {
	case h.broadcast <- &broadcastMessage{channel: channel, message: msg}:
	case <-h.stopCh:
	}
}

// BroadcastTelemetry pushes a reading to site and global telemetry
// subscribers.
func (h *Hub) BroadcastTelemetry(siteID string, reading interface{}) {
	data, _ := json.Marshal(reading)
	h.Broadcast(channelKey(ChanTelemetry, siteID), &Message{
		Type:    TypeTelemetry,
		SiteID:  siteID,
		Channel: ChanTelemetry,
		Data:    data,
	})
	h.Broadcast(ChanTelemetry, &Message{
		Type:    TypeTelemetry,
		SiteID:  siteID,
		Channel: ChanTelemetry,
		Data:    data,
	})
}

// BroadcastAnomaly pushes a detected anomaly to subscribers.
func (h *Hub) BroadcastAnomaly(siteID string, anomaly interface{}) {
	data, _ := json.Marshal(anomaly)
	h.Broadcast(channelKey(ChanAnomalies, siteID), &Message{
		Type:    TypeAnomaly,
		SiteID:  siteID,
		Channel: ChanAnomalies,
		Data:    data,
	})
	h.Broadcast(ChanAnomalies, &Message{
		Type:    TypeAnomaly,
		SiteID:  siteID,
		Channel: ChanAnomalies,
		Data:    data,
	})
}

// BroadcastAutomation pushes a fired automation event to subscribers.
func (h *Hub) BroadcastAutomation(siteID string, event interface{}) {
	data, _ := json.Marshal(event)
	h.Broadcast(channelKey(ChanAutomation, siteID), &Message{
		Type:    TypeAutomation,
		SiteID:  siteID,
		Channel: ChanAutomation,
		Data:    data,
	})
	h.Broadcast(ChanAutomation, &Message{
		Type:    TypeAutomation,
		SiteID:  siteID,
		Channel: ChanAutomation,
		Data:    data,
	})
}

// Stats returns hub statistics for the health endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channelStats := make(map[string]int)
	for channel, clients := range h.channels {
		channelStats[channel] = len(clients)
	}
	return map[string]interface{}{
		"total_clients":   len(h.clients),
		"total_channels":  len(h.channels),
		"channel_clients": channelStats,
	}
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
}

// ReadPump reads subscription commands from the connection.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.hub.logger.Warn("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
				}
				return
			}
			c.handleMessage(message)
		}
	}
}

// WritePump writes queued messages and keepalive pings to the
// connection.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		SiteID  string `json:"site_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		channel := channelKey(msg.Channel, msg.SiteID)
		c.hub.Subscribe(c, channel)
		c.sendAck("subscribed", channel)
	case TypeUnsubscribe:
		channel := channelKey(msg.Channel, msg.SiteID)
		c.hub.Unsubscribe(c, channel)
		c.sendAck("unsubscribed", channel)
	case "ping":
		c.enqueue(&Message{Type: TypePong, Timestamp: time.Now().UTC()})
	default:
		c.sendError("unknown message type")
	}
}

func (c *Client) sendError(errMsg string) {
	c.enqueue(&Message{Type: TypeError, Error: errMsg, Timestamp: time.Now().UTC()})
}

func (c *Client) sendAck(action, channel string) {
	payload, _ := json.Marshal(map[string]string{"action": action, "channel": channel})
	c.enqueue(&Message{Type: "ack", Data: payload, Timestamp: time.Now().UTC()})
}

func (c *Client) enqueue(msg *Message) {
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

// channelKey joins non-empty parts with colons, so "telemetry" is the
// global channel and "telemetry:site-1" the site-scoped one.
func channelKey(parts ...string) string {
	key := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if key != "" {
			key += ":"
		}
		key += part
	}
	return key
}
