package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Upgrader configuration for WebSocket connections
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the live match stream
type Handler struct {
	logger *zap.Logger
	hub    *MatchHub
}

// NewHandler creates a handler publishing from hub
func NewHandler(hub *MatchHub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, hub: hub}
}

// Hub returns the hub clients are registered with
func (h *Handler) Hub() *MatchHub {
	return h.hub
}

// ServeMatches upgrades the connection and streams matches. Repeated ?rule=
// parameters limit the stream to those rules.
func (h *Handler) ServeMatches(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := NewMatchClient(conn, h.hub, r.URL.Query()["rule"])
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("New WebSocket connection established",
		zap.String("client_id", client.ID.String()),
		zap.String("remote_addr", r.RemoteAddr))
}
