package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"xr-multiplayer/internal/auth"
	"xr-multiplayer/internal/services"
	"xr-multiplayer/pkg/logger"
)

// Identifier resolves a bearer token to a participant.
type Identifier interface {
	Identify(ctx context.Context, token string) (*auth.Identity, error)
}

type RoomHandlers struct {
	roomService *services.RoomService
	identifier  Identifier
}

func NewRoomHandlers(roomService *services.RoomService, identifier Identifier) *RoomHandlers {
	return &RoomHandlers{
		roomService: roomService,
		identifier:  identifier,
	}
}

// ListPublic serves GET /rooms?limit=N.
func (h *RoomHandlers) ListPublic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := identify(r, h.identifier); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rooms, err := h.roomService.ListPublic(r.Context(), limit)
	if err != nil {
		logger.Error("List rooms error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rooms)
}

// GetRoom serves GET /rooms/{code or id}.
func (h *RoomHandlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := identify(r, h.identifier); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	key, err := roomKeyFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	room, err := h.roomService.Resolve(r.Context(), key)
	if err != nil {
		if errors.Is(err, services.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		logger.Error("Get room error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, room)
}

func roomKeyFromPath(r *http.Request) (string, error) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("invalid path")
	}
	return parts[1], nil
}

// identify reads the token from the Authorization header or, for browser
// websocket clients that cannot set headers, the token query parameter.
func identify(r *http.Request, identifier Identifier) (*auth.Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, fmt.Errorf("missing token")
	}
	return identifier.Identify(r.Context(), token)
}
