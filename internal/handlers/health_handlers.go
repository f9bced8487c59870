package handlers

import (
	"net/http"

	ws "xr-multiplayer/internal/websocket"
)

type HealthHandlers struct {
	hubManager *ws.Manager
}

func NewHealthHandlers(hubManager *ws.Manager) *HealthHandlers {
	return &HealthHandlers{hubManager: hubManager}
}

func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"rooms":       h.hubManager.ActiveRooms(),
		"connections": h.hubManager.Connections(),
	})
}
