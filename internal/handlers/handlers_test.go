package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xr-multiplayer/internal/auth"
	"xr-multiplayer/internal/config"
	"xr-multiplayer/internal/database"
	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/services"
	"xr-multiplayer/internal/telemetry"
	ws "xr-multiplayer/internal/websocket"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	auth   *AuthHandlers
	rooms  *RoomHandlers
	ws     *WebSocketHandlers
	health *HealthHandlers

	authService *auth.Service
	roomService *services.RoomService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewMemoryDB()
	cfg := &config.Config{}
	cfg.JWT.Secret = []byte("handler-secret")
	cfg.JWT.ExpiresIn = time.Hour

	authService := auth.NewService(db, cfg)
	roomService, err := services.NewRoomService(db, 16)
	require.NoError(t, err)
	manager := ws.NewManager(roomService, telemetry.New())

	return &fixture{
		auth:        NewAuthHandlers(authService),
		rooms:       NewRoomHandlers(roomService, authService),
		ws:          NewWebSocketHandlers(authService, manager, 0),
		health:      NewHealthHandlers(manager),
		authService: authService,
		roomService: roomService,
	}
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)

	rec := post(f.auth.Register, `{"displayName":"Ada","email":"ada@example.com","password":"correct-horse"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg models.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reg))
	assert.NotEmpty(t, reg.Token)

	rec = post(f.auth.Register, `{"displayName":"Ada","email":"ada@example.com","password":"correct-horse"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(f.auth.Register, `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(f.auth.Login, `{"email":"ada@example.com","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(f.auth.Login, `{"email":"ada@example.com","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec = httptest.NewRecorder()
	f.auth.Login(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGuest(t *testing.T) {
	f := newFixture(t)

	rec := post(f.auth.Guest, `{"displayName":"Visitor"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp models.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Account.Guest)
	assert.Equal(t, "Visitor", resp.Account.DisplayName)

	req := httptest.NewRequest(http.MethodPost, "/guest", nil)
	rec = httptest.NewRecorder()
	f.auth.Guest(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func guestToken(t *testing.T, f *fixture) string {
	t.Helper()
	resp, err := f.authService.Guest(&models.GuestRequest{DisplayName: "Viewer"})
	require.NoError(t, err)
	return resp.Token
}

func TestRoomLookup(t *testing.T) {
	f := newFixture(t)
	token := guestToken(t, f)

	settings := models.DefaultRoomSettings()
	settings.Visibility = models.VisibilityPublic
	room := &models.Room{
		ID:        uuid.NewString(),
		Name:      "Town hall",
		Code:      "ABCDEF",
		Status:    models.RoomStatusWaiting,
		Settings:  settings,
		CreatedAt: time.Now(),
	}
	_, err := f.roomService.Register(context.Background(), room)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/rooms/abcdef", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.rooms.GetRoom(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.RoomSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, room.ID, got.ID)

	req = httptest.NewRequest(http.MethodGet, "/rooms/ZZZZZZ?token="+token, nil)
	rec = httptest.NewRecorder()
	f.rooms.GetRoom(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/rooms?token="+token, nil)
	rec = httptest.NewRecorder()
	f.rooms.ListPublic(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.RoomSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "Town hall", list[0].Name)

	req = httptest.NewRequest(http.MethodGet, "/rooms?limit=x&token="+token, nil)
	rec = httptest.NewRecorder()
	f.rooms.ListPublic(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnauthorized(t *testing.T) {
	f := newFixture(t)

	for name, h := range map[string]http.HandlerFunc{
		"list": f.rooms.ListPublic,
		"get":  f.rooms.GetRoom,
		"ws":   f.ws.HandleWebSocket,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/rooms/ABCDEF?token=bogus", nil)
			rec := httptest.NewRecorder()
			h(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.health.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["rooms"])
}
