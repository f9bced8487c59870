package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"xr-multiplayer/internal/channel"
	"xr-multiplayer/internal/config"
	"xr-multiplayer/internal/database"
	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/internal/services"
	"xr-multiplayer/internal/session"
	"xr-multiplayer/internal/telemetry"
	"xr-multiplayer/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type relay struct {
	url     string
	manager *Manager
	rooms   *services.RoomService
}

// startRelay serves the relay with identities taken from the "user" query
// parameter. "limit" sets the per-connection message rate.
func startRelay(t *testing.T) *relay {
	t.Helper()
	rooms, err := services.NewRoomService(database.NewMemoryDB(), 64)
	require.NoError(t, err)
	m := NewManager(rooms, telemetry.New(), WithLogger(logger.NewNop()))

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		limit, _ := strconv.ParseFloat(r.URL.Query().Get("limit"), 64)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, user, user, limit)
		m.Register(c)
		go c.WritePump()
		go c.ReadPump(m)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})

	return &relay{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		manager: m,
		rooms:   rooms,
	}
}

func syncConfig() config.SyncConfig {
	return config.SyncConfig{
		PositionUpdateRate: 10 * time.Millisecond,
		HandUpdateRate:     10 * time.Millisecond,
		VoiceUpdateRate:    10 * time.Millisecond,
		InterpolationDelay: 100 * time.Millisecond,
		ReconnectAttempts:  3,
		ReconnectDelay:     10 * time.Millisecond,
		PingInterval:       time.Hour,
		StrictLiveness:     true,
		VoiceCodec:         config.VoiceCodecOpus,
		DefaultMaxUsers:    12,
	}
}

func (r *relay) participant(t *testing.T, user string, opts ...session.Option) *session.Session {
	t.Helper()
	dialer := &channel.WebSocketDialer{URL: r.url + "?user=" + user}
	opts = append(opts, session.WithLogger(logger.NewNop()))
	s, err := session.New(session.Identity{UserID: user, DisplayName: user}, dialer, syncConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func hostOf(s *session.Session) string {
	room, ok := s.Presence().Room()
	if !ok {
		return ""
	}
	return room.HostID
}

func TestCreateJoinAndSync(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice := r.participant(t, "alice")
	bob := r.participant(t, "bob")

	code, err := alice.CreateRoom(ctx, "Standup", session.RoomOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.manager.ActiveRooms())

	require.NoError(t, bob.JoinRoom(ctx, strings.ToLower(code), "Bob"))
	assert.Equal(t, alice.RoomID(), bob.RoomID())
	assert.Equal(t, "alice", hostOf(bob))

	require.Eventually(t, func() bool {
		u, ok := alice.Presence().User("bob")
		return ok && u.DisplayName == "Bob"
	}, waitFor, tick)

	a, _ := bob.Presence().User("alice")
	b, _ := alice.Presence().User("bob")
	assert.Equal(t, models.ColorForIndex(0), a.Color)
	assert.Equal(t, models.ColorForIndex(1), b.Color)
	assert.True(t, a.Permissions.CanKick)
	assert.False(t, b.Permissions.CanKick)

	require.NoError(t, bob.UpdatePosition(models.Vec3{1, 2, 3}, models.IdentityQuat))
	require.Eventually(t, func() bool {
		u, ok := alice.Presence().User("bob")
		return ok && u.Position == models.Vec3{1, 2, 3}
	}, waitFor, tick)

	require.NoError(t, alice.SendChat("hello"))
}

func TestHostPromotionOnLeave(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice := r.participant(t, "alice")
	bob := r.participant(t, "bob")
	carol := r.participant(t, "carol")

	code, err := alice.CreateRoom(ctx, "Review", session.RoomOptions{})
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(ctx, code, ""))
	require.NoError(t, carol.JoinRoom(ctx, code, ""))

	require.NoError(t, alice.LeaveRoom())

	for _, s := range []*session.Session{bob, carol} {
		require.Eventually(t, func() bool { return hostOf(s) == "bob" }, waitFor, tick)
	}
	require.Eventually(t, func() bool {
		summary, err := r.rooms.Resolve(ctx, code)
		return err == nil && summary.HostID == "bob"
	}, waitFor, tick)
}

func TestHostKick(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)

	var kickedBy atomic.Value
	alice := r.participant(t, "alice")
	bob := r.participant(t, "bob", session.WithHandlers(session.Handlers{
		OnKicked: func(by string) { kickedBy.Store(by) },
	}))

	code, err := alice.CreateRoom(ctx, "Review", session.RoomOptions{})
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(ctx, code, ""))
	require.Eventually(t, func() bool {
		_, ok := alice.Presence().User("bob")
		return ok
	}, waitFor, tick)

	require.NoError(t, alice.KickUser("bob"))
	require.Eventually(t, func() bool { return kickedBy.Load() == "alice" }, waitFor, tick)
	assert.Empty(t, bob.RoomID())
	require.Eventually(t, func() bool {
		_, ok := alice.Presence().User("bob")
		return !ok
	}, waitFor, tick)
}

func TestJoinRejections(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice := r.participant(t, "alice")
	bob := r.participant(t, "bob")

	err := bob.JoinRoom(ctx, "ZZZZZZ", "")
	assert.ErrorIs(t, err, session.ErrRoomNotFound)

	code, err := alice.CreateRoom(ctx, "Solo", session.RoomOptions{MaxUsers: 1})
	require.NoError(t, err)
	err = bob.JoinRoom(ctx, code, "")
	assert.ErrorIs(t, err, models.ErrRoomFull)
	assert.Empty(t, bob.RoomID())
}

func TestClosedRoom(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice := r.participant(t, "alice")
	bob := r.participant(t, "bob")

	code, err := alice.CreateRoom(ctx, "Retro", session.RoomOptions{})
	require.NoError(t, err)
	require.NoError(t, alice.SetRoomStatus(models.RoomStatusClosed))

	require.Eventually(t, func() bool { return alice.RoomID() == "" }, waitFor, tick)
	require.Eventually(t, func() bool { return r.manager.ActiveRooms() == 0 }, waitFor, tick)

	err = bob.JoinRoom(ctx, code, "")
	assert.ErrorIs(t, err, session.ErrRoomClosed)
}

type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRaw(t *testing.T, url string) *rawClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn}
}

func (c *rawClient) send(typ protocol.MessageType, roomID string, payload any) {
	c.t.Helper()
	msg, err := protocol.New(typ, roomID, "", payload)
	require.NoError(c.t, err)
	data, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// expect reads until match returns true or the deadline passes.
func (c *rawClient) expect(match func(*protocol.Message) bool) *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		msg, err := protocol.Decode(data)
		require.NoError(c.t, err)
		if match(msg) {
			return msg
		}
	}
}

func rejection(ref protocol.MessageType, code protocol.RejectCode) func(*protocol.Message) bool {
	return func(m *protocol.Message) bool {
		if m.Type != protocol.TypeRejected {
			return false
		}
		var p protocol.RejectedPayload
		return m.Decode(&p) == nil && p.Ref == ref && p.Code == code
	}
}

func TestRelayEnforcesAuthority(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice := r.participant(t, "alice")

	code, err := alice.CreateRoom(ctx, "Design", session.RoomOptions{})
	require.NoError(t, err)

	mallory := dialRaw(t, r.url+"?user=mallory")

	// Joining as someone else is refused.
	mallory.send(protocol.TypeJoin, code, protocol.JoinPayload{User: models.User{ID: "alice", Rotation: models.IdentityQuat}})
	mallory.expect(rejection(protocol.TypeJoin, protocol.RejectForbidden))

	mallory.send(protocol.TypeJoin, code, protocol.JoinPayload{User: models.User{ID: "mallory", Rotation: models.IdentityQuat}})
	mallory.expect(func(m *protocol.Message) bool {
		var p protocol.RoomUpdatePayload
		return m.Type == protocol.TypeRoomUpdate && m.Decode(&p) == nil && p.Room != nil
	})

	mallory.send(protocol.TypePosition, code, protocol.PositionPayload{
		UserID:   "alice",
		Position: models.Vec3{9, 9, 9},
		Rotation: models.IdentityQuat,
	})
	mallory.expect(rejection(protocol.TypePosition, protocol.RejectForbidden))

	mallory.send(protocol.TypeLeave, code, protocol.LeavePayload{UserID: "alice", KickedBy: "mallory"})
	mallory.expect(rejection(protocol.TypeLeave, protocol.RejectNotHost))

	status := models.RoomStatusActive
	mallory.send(protocol.TypeRoomUpdate, code, protocol.RoomUpdatePayload{Patch: models.RoomPatch{Status: &status}})
	mallory.expect(rejection(protocol.TypeRoomUpdate, protocol.RejectNotHost))

	perms := models.HostPermissions()
	mallory.send(protocol.TypeUserUpdate, code, protocol.UserUpdatePayload{
		UserID: "mallory",
		Patch:  models.UserPatch{Permissions: &perms},
	})
	mallory.expect(rejection(protocol.TypeUserUpdate, protocol.RejectForbidden))

	a, ok := alice.Presence().User("alice")
	require.True(t, ok)
	assert.Equal(t, models.Vec3{}, a.Position)
	assert.Equal(t, "alice", hostOf(alice))
}

func TestPingAnsweredWithPong(t *testing.T) {
	r := startRelay(t)
	c := dialRaw(t, r.url+"?user=prober")

	c.send(protocol.TypePing, "", protocol.PingPayload{SentAt: 42})
	pong := c.expect(func(m *protocol.Message) bool { return m.Type == protocol.TypePong })

	var p protocol.PongPayload
	require.NoError(t, pong.Decode(&p))
	assert.EqualValues(t, 42, p.SentAt)
}

func TestRateLimit(t *testing.T) {
	r := startRelay(t)
	c := dialRaw(t, r.url+"?user=chatty&limit=1")

	for i := 0; i < 5; i++ {
		c.send(protocol.TypeChat, "", protocol.ChatPayload{UserID: "chatty", Text: "spam"})
	}
	c.expect(rejection(protocol.TypeChat, protocol.RejectRateLimited))
}

func TestDisconnectRemovesMember(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice := r.participant(t, "alice")

	code, err := alice.CreateRoom(ctx, "Drop", session.RoomOptions{})
	require.NoError(t, err)

	bob := dialRaw(t, r.url+"?user=bob")
	bob.send(protocol.TypeJoin, code, protocol.JoinPayload{User: models.User{ID: "bob", Rotation: models.IdentityQuat}})
	require.Eventually(t, func() bool {
		_, ok := alice.Presence().User("bob")
		return ok
	}, waitFor, tick)

	require.NoError(t, bob.conn.Close())
	require.Eventually(t, func() bool {
		_, ok := alice.Presence().User("bob")
		return !ok
	}, waitFor, tick)
	require.Eventually(t, func() bool { return r.manager.Connections() == 1 }, waitFor, tick)
}
