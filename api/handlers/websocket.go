// Package handlers provides HTTP API request handlers.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/ws"
)

// WebSocketHandler serves the relay WebSocket endpoint.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	log       zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
		log:       log,
	}
}

// Attach handles GET /ws - upgrades to the relay protocol.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade failed")
	}
}

// RegisterRoutes registers the WebSocket route on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
}
