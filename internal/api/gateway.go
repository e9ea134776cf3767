package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/doggyhole/doggyhole-go/pkg/hub"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the messaging hub.
type GatewayHandler struct {
	hub *hub.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(h *hub.Hub) *GatewayHandler {
	return &GatewayHandler{hub: h}
}

// Upgrade handles GET /. It upgrades the HTTP connection to a WebSocket and hands it to the Hub.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn)
	})(c)
}
