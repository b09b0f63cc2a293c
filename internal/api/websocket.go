package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pearlops/pearld/internal/logging"
	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/internal/util"
)

// Snapshot channels clients can subscribe to.
const (
	ChannelBalances = "balances"
	ChannelRewards  = "rewards"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server binds loopback and the Electron renderer connects from a
	// non-http origin, so the origin header carries no signal here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the WebSocket wire envelope, both directions.
type Message struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Client is one connected WebSocket peer.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.RWMutex
	subscribed map[string]bool
}

// Hub fans settled snapshots out to subscribed WebSocket clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	collector *metrics.Collector

	// snapshotProvider returns the current snapshot for a channel so a new
	// subscriber renders immediately instead of waiting out a poll interval.
	snapshotProvider func(channel string) (interface{}, bool)
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetMetrics attaches the metrics collector for the client gauge.
func (h *Hub) SetMetrics(c *metrics.Collector) { h.collector = c }

// SetSnapshotProvider attaches the per-channel current-snapshot lookup.
func (h *Hub) SetSnapshotProvider(fn func(channel string) (interface{}, bool)) {
	h.snapshotProvider = fn
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.collector != nil {
				h.collector.IncrementWSClients()
			}
			logging.Debug("WebSocket client connected",
				"total_clients", total,
				logging.Component("websocket"))

		case client := <-h.unregister:
			h.mu.Lock()
			removed := false
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				removed = true
			}
			total := len(h.clients)
			h.mu.Unlock()
			if removed {
				if h.collector != nil {
					h.collector.DecrementWSClients()
				}
				logging.Debug("WebSocket client disconnected",
					"total_clients", total,
					logging.Component("websocket"))
			}

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if msg.Channel != "" && !client.isSubscribed(msg.Channel) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// The client stopped draining; drop it rather than
					// stall every other subscriber.
					close(client.send)
					delete(h.clients, client)
					if h.collector != nil {
						h.collector.DecrementWSClients()
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastToChannel queues a message for every client subscribed to the
// channel. Messages are dropped, never blocked on, when the hub is backed
// up.
func (h *Hub) BroadcastToChannel(channel, eventType string, data interface{}) {
	msg := &Message{Type: eventType, Channel: channel, Data: data}
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn("WebSocket broadcast buffer full",
			"channel", channel,
			logging.Component("websocket"))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		subscribed: make(map[string]bool),
	}
}

func (c *Client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed[channel]
}

// readPump consumes subscription messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	// Inbound frames are subscription requests only.
	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					logging.Err(err),
					logging.Component("websocket"))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump delivers queued messages and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
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

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "ping":
		c.sendMessage(&Message{Type: "pong"})
	}
}

type channelRequest struct {
	Channels []string `json:"channels"`
}

func decodeChannels(data interface{}) []string {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var req channelRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	return req.Channels
}

// handleSubscribe registers channel subscriptions and answers each known
// channel with its current snapshot.
func (c *Client) handleSubscribe(msg *Message) {
	channels := decodeChannels(msg.Data)
	for _, channel := range channels {
		c.mu.Lock()
		c.subscribed[channel] = true
		c.mu.Unlock()

		logging.Debug("WebSocket client subscribed",
			"channel", channel,
			logging.Component("websocket"))

		if c.hub.snapshotProvider != nil {
			if snap, ok := c.hub.snapshotProvider(channel); ok {
				c.sendMessage(&Message{Type: "snapshot", Channel: channel, Data: snap})
			}
		}
	}

	c.sendMessage(&Message{
		Type: "subscribed",
		Data: map[string]interface{}{"channels": c.subscribedChannels()},
	})
}

func (c *Client) handleUnsubscribe(msg *Message) {
	for _, channel := range decodeChannels(msg.Data) {
		c.mu.Lock()
		delete(c.subscribed, channel)
		c.mu.Unlock()
	}

	c.sendMessage(&Message{
		Type: "unsubscribed",
		Data: map[string]interface{}{"channels": c.subscribedChannels()},
	})
}

// sendMessage queues a message for this client only, dropping it if the
// client is backed up.
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) subscribedChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.subscribed))
	for ch := range c.subscribed {
		channels = append(channels, ch)
	}
	return channels
}

// handleWebSocket handles GET /v1/ws upgrade requests.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			logging.Err(err),
			logging.Component("websocket"))
		return
	}

	client := newClient(s.hub, conn)

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	util.SafeGoWithName("ws-client-write", client.writePump)
	util.SafeGoWithName("ws-client-read", client.readPump)
}
