// Package websocket is the relay: it accepts participant connections,
// keeps one hub per active room and fans accepted messages out to members.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/internal/services"
	"xr-multiplayer/internal/telemetry"
	"xr-multiplayer/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

const (
	storeTimeout = 5 * time.Second
	// submitAttempts bounds retries when a hub stops between lookup and
	// hand-off.
	submitAttempts = 3
)

type Manager struct {
	rooms   *services.RoomService
	metrics *telemetry.Metrics
	log     *logger.Logger
	clock   clock.Clock

	mu      sync.Mutex
	hubs    map[string]*Hub
	clients map[*Client]struct{}

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(rooms *services.RoomService, metrics *telemetry.Metrics, opts ...Option) *Manager {
	m := &Manager{
		rooms:   rooms,
		metrics: metrics,
		clock:   clock.New(),
		hubs:    make(map[string]*Hub),
		clients: make(map[*Client]struct{}),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrGlobal(m.log).Named("relay")
	return m
}

// Register tracks a freshly upgraded connection.
func (m *Manager) Register(c *Client) {
	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()
	m.metrics.ConnectionOpened()
	m.log.Debug("connection %s opened for %s", c.sessionID, c.userID)
}

// Disconnect removes c from its room and closes the connection.
func (m *Manager) Disconnect(c *Client) {
	m.mu.Lock()
	_, known := m.clients[c]
	delete(m.clients, c)
	m.mu.Unlock()
	if !known {
		return
	}

	m.leaveCurrent(c)
	_ = c.Close(websocket.CloseNormalClosure, "")
	m.metrics.ConnectionClosed()
	m.log.Debug("connection %s closed for %s", c.sessionID, c.userID)
}

// Route handles one message from c.
func (m *Manager) Route(c *Client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		c.enqueue(&protocol.Message{
			Type:      protocol.TypePong,
			Timestamp: m.clock.Now().UnixMilli(),
			Payload:   msg.Payload,
		})
		return
	case protocol.TypePong:
		return
	}

	if h := c.hub.Load(); h != nil && h.addressedBy(msg.RoomID) {
		if h.submit(envelope{client: c, msg: msg}) == nil {
			return
		}
	}

	switch {
	case msg.Type == protocol.TypeJoin:
		m.join(c, msg)
	case msg.Type == protocol.TypeRoomUpdate:
		m.createRoom(c, msg)
	case msg.Type.Continuous():
		// Stragglers after leaving a room.
	default:
		m.reject(c, msg, msg.Type, protocol.RejectForbidden, "not a member of this room")
	}
}

func (m *Manager) join(c *Client, msg *protocol.Message) {
	m.leaveCurrent(c)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	summary, err := m.rooms.Resolve(ctx, msg.RoomID)
	switch {
	case errors.Is(err, services.ErrRoomNotFound):
		m.reject(c, msg, protocol.TypeJoin, protocol.RejectRoomNotFound, "")
		return
	case err != nil:
		m.log.Error("resolve room %q: %v", msg.RoomID, err)
		m.reject(c, msg, protocol.TypeJoin, protocol.RejectInvalid, "room lookup failed")
		return
	}
	if summary.Status == models.RoomStatusClosed {
		m.reject(c, msg, protocol.TypeJoin, protocol.RejectRoomClosed, "")
		return
	}

	join := msg.Clone()
	join.RoomID = summary.ID
	m.handOff(c, summary, envelope{client: c, msg: join, ref: protocol.TypeJoin})
}

// createRoom registers a room from the creator's snapshot and admits the
// creator as its first member and host.
func (m *Manager) createRoom(c *Client, msg *protocol.Message) {
	var p protocol.RoomUpdatePayload
	if err := msg.Decode(&p); err != nil {
		m.reject(c, msg, protocol.TypeRoomUpdate, protocol.RejectInvalid, err.Error())
		return
	}
	if p.Room == nil {
		m.reject(c, msg, protocol.TypeRoomUpdate, protocol.RejectForbidden, "not a member of this room")
		return
	}
	m.leaveCurrent(c)

	room := p.Room
	room.HostID = c.userID
	host := models.User{
		ID:          c.userID,
		DisplayName: c.displayName,
		Status:      models.UserStatusActive,
		Rotation:    models.IdentityQuat,
	}
	if u, ok := room.Users[c.userID]; ok && u != nil {
		host = *u
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	summary, err := m.rooms.Register(ctx, room)
	if err != nil {
		m.reject(c, msg, protocol.TypeRoomUpdate, protocol.RejectInvalid, err.Error())
		return
	}
	m.log.Info("%s created room %s (%s)", c.userID, summary.Code, summary.ID)

	join, err := protocol.New(protocol.TypeJoin, summary.ID, c.userID, protocol.JoinPayload{User: host})
	if err != nil {
		m.reject(c, msg, protocol.TypeRoomUpdate, protocol.RejectInvalid, err.Error())
		return
	}
	m.handOff(c, summary, envelope{client: c, msg: join, ref: protocol.TypeRoomUpdate})
}

func (m *Manager) handOff(c *Client, summary *models.RoomSummary, env envelope) {
	for i := 0; i < submitAttempts; i++ {
		h, err := m.hubFor(summary)
		if err != nil {
			m.log.Error("start hub for %s: %v", summary.ID, err)
			break
		}
		if h.submit(env) == nil {
			return
		}
	}
	m.reject(c, env.msg, env.ref, protocol.RejectInvalid, "room unavailable")
}

// leaveCurrent detaches c from the hub it is in, if any.
func (m *Manager) leaveCurrent(c *Client) {
	if h := c.hub.Load(); h != nil {
		_ = h.submit(envelope{client: c})
	}
}

func (m *Manager) hubFor(summary *models.RoomSummary) (*Hub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.quit:
		return nil, errHubClosed
	default:
	}
	if h, ok := m.hubs[summary.ID]; ok {
		return h, nil
	}
	h, err := newHub(m, summary)
	if err != nil {
		return nil, err
	}
	m.hubs[summary.ID] = h
	m.metrics.SetRooms(len(m.hubs))
	m.wg.Add(1)
	go h.run()
	return h, nil
}

// release unregisters a stopping hub. Called from the hub's own goroutine.
func (m *Manager) release(h *Hub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hubs[h.id] == h {
		delete(m.hubs, h.id)
	}
	close(h.done)
	m.metrics.SetRooms(len(m.hubs))
}

func (m *Manager) reject(c *Client, msg *protocol.Message, ref protocol.MessageType, code protocol.RejectCode, reason string) {
	roomID := ""
	if msg != nil {
		roomID = msg.RoomID
	}
	out, err := protocol.New(protocol.TypeRejected, roomID, "", protocol.RejectedPayload{
		Ref:    ref,
		Code:   code,
		Reason: reason,
	})
	if err != nil {
		return
	}
	out.Timestamp = m.clock.Now().UnixMilli()
	m.metrics.Rejected(code)
	m.log.Debug("rejected %s from %s: %s %s", ref, c.userID, code, reason)
	c.enqueue(out)
}

// ActiveRooms returns the number of rooms with a running hub.
func (m *Manager) ActiveRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

// Connections returns the number of open participant connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Shutdown stops every hub and closes every connection. It waits for the
// hubs to finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.quitOnce.Do(func() { close(m.quit) })

	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.Close(websocket.CloseGoingAway, "server shutting down"))
	}

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	return err
}
