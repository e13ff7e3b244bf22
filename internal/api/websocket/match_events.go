package websocket

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
)

// MessageType identifies a message on the match stream
type MessageType string

const (
	MessageMatch      MessageType = "correlation.match"
	MessageConnected  MessageType = "connection.established"
	MessagePong       MessageType = "pong"
	MessageSubscribed MessageType = "subscription.updated"
)

const (
	sendBuffer       = 32
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 54 * time.Second
	maxClientMessage = 4096
)

// MatchMessage is one frame sent to subscribers
type MatchMessage struct {
	ID        string                   `json:"id"`
	Type      MessageType              `json:"type"`
	Timestamp time.Time                `json:"timestamp"`
	Match     *correlation.MatchRecord `json:"match,omitempty"`
	Data      map[string]any           `json:"data,omitempty"`
}

// MatchHub fans match records out to connected websocket clients
type MatchHub struct {
	logger      *zap.Logger
	clients     map[uuid.UUID]*MatchClient
	clientsLock sync.RWMutex
	now         func() time.Time
}

// NewMatchHub creates an empty hub
func NewMatchHub(logger *zap.Logger) *MatchHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchHub{
		logger:  logger.Named("match_hub"),
		clients: make(map[uuid.UUID]*MatchClient),
		now:     time.Now,
	}
}

// Run blocks until ctx is done, then disconnects every client
func (h *MatchHub) Run(ctx context.Context) {
	<-ctx.Done()
	h.shutdown()
}

// Broadcast queues rec for every subscribed client and returns how many
// clients it was queued for. Clients whose buffer is full are dropped.
func (h *MatchHub) Broadcast(rec correlation.MatchRecord) int {
	msg := &MatchMessage{
		ID:        rec.ID.String(),
		Type:      MessageMatch,
		Timestamp: h.now().UTC(),
		Match:     &rec,
	}

	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	sent := 0
	for _, client := range h.clients {
		if !client.subscribed(rec.Rule) {
			continue
		}
		select {
		case client.send <- msg:
			sent++
		default:
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", client.ID.String()))
			go h.Unregister(client)
		}
	}
	return sent
}

// Clients returns the number of connected clients
func (h *MatchHub) Clients() int {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return len(h.clients)
}

// Register adds a client and sends it a welcome frame
func (h *MatchHub) Register(client *MatchClient) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	h.clients[client.ID] = client
	h.logger.Info("WebSocket client registered",
		zap.String("client_id", client.ID.String()),
		zap.Strings("rules", client.Rules()))

	welcome := &MatchMessage{
		ID:        uuid.New().String(),
		Type:      MessageConnected,
		Timestamp: h.now().UTC(),
		Data: map[string]any{
			"client_id": client.ID.String(),
			"rules":     client.Rules(),
		},
	}
	select {
	case client.send <- welcome:
	default:
	}
}

// Unregister removes a client; calling it twice is safe
func (h *MatchHub) Unregister(client *MatchClient) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, exists := h.clients[client.ID]; exists {
		delete(h.clients, client.ID)
		close(client.send)
		h.logger.Info("WebSocket client unregistered",
			zap.String("client_id", client.ID.String()))
	}
}

func (h *MatchHub) shutdown() {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
}

// MatchClient is one websocket subscriber. An empty rule set receives every rule.
type MatchClient struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan *MatchMessage
	hub  *MatchHub

	mu    sync.RWMutex
	rules map[string]struct{}
}

// NewMatchClient wraps conn, subscribed to rules
func NewMatchClient(conn *websocket.Conn, hub *MatchHub, rules []string) *MatchClient {
	c := &MatchClient{
		ID:   uuid.New(),
		conn: conn,
		send: make(chan *MatchMessage, sendBuffer),
		hub:  hub,
	}
	c.setRules(rules)
	return c
}

func (c *MatchClient) setRules(rules []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r != "" {
			c.rules[r] = struct{}{}
		}
	}
}

// Rules returns the subscribed rule names, sorted
func (c *MatchClient) Rules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rules))
	for r := range c.rules {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (c *MatchClient) subscribed(rule string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.rules) == 0 {
		return true
	}
	_, ok := c.rules[rule]
	return ok
}

// clientMessage is what subscribers may send
type clientMessage struct {
	Type  string   `json:"type"`
	Rules []string `json:"rules"`
}

// ReadPump handles pings and subscription changes until the connection closes
func (c *MatchClient) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error",
					zap.String("client_id", c.ID.String()),
					zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed client message",
				zap.String("client_id", c.ID.String()),
				zap.Error(err))
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.setRules(msg.Rules)
			c.reply(MessageSubscribed, map[string]any{"rules": c.Rules()})
		case "ping":
			c.reply(MessagePong, nil)
		}
	}
}

func (c *MatchClient) reply(t MessageType, data map[string]any) {
	c.hub.clientsLock.RLock()
	defer c.hub.clientsLock.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- &MatchMessage{ID: uuid.New().String(), Type: t, Timestamp: c.hub.now().UTC(), Data: data}:
	default:
	}
}

// WritePump writes queued frames and keeps the connection alive with pings
func (c *MatchClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
