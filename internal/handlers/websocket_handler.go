package handlers

import (
	"net/http"

	"careline/internal/services"

	"github.com/gin-gonic/gin"
)

type WebSocketHandler struct {
	hub *services.ChatHub
}

func NewWebSocketHandler(hub *services.ChatHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c)
}

func (h *WebSocketHandler) GetStats(c *gin.Context) {
	stats := h.hub.Stats()
	stats["status"] = "running"
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}
