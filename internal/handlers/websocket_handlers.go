package handlers

import (
	"net/http"

	ws "xr-multiplayer/internal/websocket"
	"xr-multiplayer/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	identifier Identifier
	hubManager *ws.Manager
	perSecond  float64
	upgrader   websocket.Upgrader
}

func NewWebSocketHandlers(identifier Identifier, hubManager *ws.Manager, perSecond float64) *WebSocketHandlers {
	return &WebSocketHandlers{
		identifier: identifier,
		hubManager: hubManager,
		perSecond:  perSecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket upgrades an authenticated participant. Rooms are joined
// over the connection, not here.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r, h.identifier)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(conn, id.UserID, id.DisplayName, h.perSecond)
	h.hubManager.Register(client)

	go client.WritePump()
	go client.ReadPump(h.hubManager)
}
