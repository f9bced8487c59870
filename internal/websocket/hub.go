package websocket

import (
	"context"
	"errors"
	"fmt"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/presence"
	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/internal/services"
	"xr-multiplayer/pkg/logger"

	"github.com/gorilla/websocket"
)

var errHubClosed = errors.New("hub closed")

// envelope is one unit of hub work. A nil msg detaches the client.
type envelope struct {
	client *Client
	msg    *protocol.Message
	// ref names the request a rejection answers; it differs from the
	// message type for joins synthesized on room creation.
	ref protocol.MessageType
}

// Hub owns the authoritative state of one room. All of it is confined to
// the run goroutine.
type Hub struct {
	id   string
	code string

	m       *Manager
	log     *logger.Logger
	inbound chan envelope
	done    chan struct{}

	store   *presence.Store
	disp    *presence.Dispatcher
	members map[string]*Client
	joinSeq int
}

func newHub(m *Manager, summary *models.RoomSummary) (*Hub, error) {
	h := &Hub{
		id:      summary.ID,
		code:    summary.Code,
		m:       m,
		log:     m.log.Named("hub." + summary.Code),
		inbound: make(chan envelope),
		done:    make(chan struct{}),
		store:   presence.NewStore(""),
		members: make(map[string]*Client),
	}
	h.disp = presence.NewDispatcher(h.store,
		presence.WithClock(m.clock),
		presence.WithObserver(m.metrics.Observer("relay")),
	)

	// Membership is not persisted, so a hub always starts empty and
	// hostless. The first joiner becomes host.
	room := &models.Room{
		ID:        summary.ID,
		Name:      summary.Name,
		Code:      summary.Code,
		Status:    summary.Status,
		Users:     map[string]*models.User{},
		MaxUsers:  summary.MaxUsers,
		Settings:  summary.Settings,
		CreatedAt: summary.CreatedAt,
	}
	msg, err := protocol.New(protocol.TypeRoomUpdate, room.ID, "", protocol.RoomUpdatePayload{Room: room})
	if err != nil {
		return nil, err
	}
	if res := h.disp.Dispatch(msg); res.Outcome != presence.Applied {
		if res.Err != nil {
			return nil, fmt.Errorf("install room %s: %w", room.ID, res.Err)
		}
		return nil, fmt.Errorf("install room %s: %s", room.ID, res.Reason)
	}
	return h, nil
}

// addressedBy reports whether roomID names this hub's room.
func (h *Hub) addressedBy(roomID string) bool {
	return roomID == "" || roomID == h.id || models.NormalizeCode(roomID) == h.code
}

func (h *Hub) submit(env envelope) error {
	select {
	case h.inbound <- env:
		return nil
	case <-h.done:
		return errHubClosed
	}
}

func (h *Hub) run() {
	defer h.m.wg.Done()
	for {
		select {
		case env := <-h.inbound:
			h.handle(env)
			if len(h.members) == 0 {
				h.m.release(h)
				h.log.Debug("room %s is empty, hub stopped", h.id)
				return
			}
		case <-h.m.quit:
			h.m.release(h)
			return
		}
	}
}

func (h *Hub) handle(env envelope) {
	if env.msg == nil {
		h.detach(env.client)
		return
	}
	if env.ref == "" {
		env.ref = env.msg.Type
	}

	if env.msg.Type == protocol.TypeJoin {
		h.join(env)
		return
	}
	if h.members[env.client.userID] != env.client {
		h.reject(env, protocol.RejectForbidden, "not a member of this room")
		return
	}

	switch env.msg.Type {
	case protocol.TypeLeave:
		h.leave(env)
	case protocol.TypeRoomUpdate:
		h.roomUpdate(env)
	case protocol.TypeRejected:
		h.reject(env, protocol.RejectInvalid, "rejected is relay-only")
	default:
		h.relay(env)
	}
}

func (h *Hub) room() *models.Room {
	room, _ := h.store.Confirmed()
	return room
}

func (h *Hub) reject(env envelope, code protocol.RejectCode, reason string) {
	h.m.reject(env.client, env.msg, env.ref, code, reason)
}

func (h *Hub) join(env envelope) {
	c := env.client
	var p protocol.JoinPayload
	if err := env.msg.Decode(&p); err != nil {
		h.reject(env, protocol.RejectInvalid, err.Error())
		return
	}
	if p.User.ID != c.userID {
		h.reject(env, protocol.RejectForbidden, "user does not match connection")
		return
	}

	room := h.room()
	if room.Status == models.RoomStatusClosed {
		h.reject(env, protocol.RejectRoomClosed, "")
		return
	}

	u := p.User
	existing, rejoin := room.Users[u.ID]
	if rejoin {
		u.JoinedAt = existing.JoinedAt
		u.Color = existing.Color
		u.Permissions = existing.Permissions
	} else {
		if room.IsFull() {
			h.reject(env, protocol.RejectRoomFull, "")
			return
		}
		u.JoinedAt = h.m.clock.Now()
		u.Color = models.ColorForIndex(h.joinSeq)
		u.Permissions = models.DefaultPermissions()
	}
	if u.DisplayName == "" {
		u.DisplayName = c.displayName
	}
	u.IsHost = false

	msg, err := protocol.New(protocol.TypeJoin, h.id, c.userID, protocol.JoinPayload{User: u})
	if err != nil {
		h.reject(env, protocol.RejectInvalid, err.Error())
		return
	}
	if res := h.disp.Dispatch(msg); res.Outcome != presence.Applied {
		h.reject(env, rejectCode(res), res.Reason)
		return
	}
	if !rejoin {
		h.joinSeq++
	}

	var promote *protocol.Message
	if room.HostID == "" {
		promote, err = protocol.New(protocol.TypeRoomUpdate, h.id, "", protocol.RoomUpdatePayload{
			Patch: models.RoomPatch{HostID: &u.ID},
		})
		if err == nil {
			h.disp.Dispatch(promote)
		}
	}

	if old := h.members[u.ID]; old != nil && old != c {
		old.hub.CompareAndSwap(h, nil)
		go old.Close(websocket.CloseNormalClosure, "replaced by a newer connection")
	}
	h.members[u.ID] = c
	c.hub.Store(h)

	snapshot, err := h.snapshot()
	if err != nil {
		h.log.Error("snapshot: %v", err)
		return
	}
	c.enqueue(snapshot)

	if stored, ok := h.store.User(u.ID); ok {
		if announce, err := protocol.New(protocol.TypeJoin, h.id, c.userID, protocol.JoinPayload{User: stored}); err == nil {
			h.broadcast(announce)
		}
	}
	if promote != nil {
		h.broadcast(promote)
		h.persist(services.StateUpdate{HostID: &u.ID})
	}
	h.log.Info("%s joined room %s (%d present)", u.ID, h.code, len(h.members))
}

func (h *Hub) snapshot() (*protocol.Message, error) {
	room := h.room()
	room.JoinSeq = h.joinSeq
	return protocol.New(protocol.TypeRoomUpdate, h.id, "", protocol.RoomUpdatePayload{Room: room})
}

func (h *Hub) leave(env envelope) {
	c := env.client
	var p protocol.LeavePayload
	if err := env.msg.Decode(&p); err != nil {
		h.reject(env, protocol.RejectInvalid, err.Error())
		return
	}
	if p.UserID == "" || p.UserID == c.userID {
		p.UserID = c.userID
		p.KickedBy = ""
		h.remove(p)
		return
	}

	room := h.room()
	if room.HostID != c.userID {
		h.reject(env, protocol.RejectNotHost, "")
		return
	}
	if _, ok := room.Users[p.UserID]; !ok {
		h.reject(env, protocol.RejectInvalid, "user is not in the room")
		return
	}
	p.KickedBy = c.userID
	if p.Reason == "" {
		p.Reason = "kicked"
	}
	h.remove(p)
	h.log.Info("%s kicked %s from room %s", c.userID, p.UserID, h.code)
}

// detach handles a dropped connection.
func (h *Hub) detach(c *Client) {
	if h.members[c.userID] != c {
		return
	}
	h.remove(protocol.LeavePayload{UserID: c.userID, Reason: "disconnected"})
}

// remove drops a member, tells everyone (the subject included) and
// persists any host promotion.
func (h *Hub) remove(p protocol.LeavePayload) {
	prevHost := h.room().HostID

	msg, err := protocol.New(protocol.TypeLeave, h.id, p.UserID, p)
	if err != nil {
		h.log.Error("build leave: %v", err)
		return
	}
	if res := h.disp.Dispatch(msg); res.Outcome == presence.Applied {
		h.broadcast(msg)
	}

	if c := h.members[p.UserID]; c != nil {
		delete(h.members, p.UserID)
		c.hub.CompareAndSwap(h, nil)
	}

	if host := h.room().HostID; host != prevHost {
		h.persist(services.StateUpdate{HostID: &host})
		if host != "" {
			h.log.Info("host of room %s passed to %s", h.code, host)
		}
	}
}

func (h *Hub) roomUpdate(env envelope) {
	c := env.client
	var p protocol.RoomUpdatePayload
	if err := env.msg.Decode(&p); err != nil {
		h.reject(env, protocol.RejectInvalid, err.Error())
		return
	}
	if p.Room != nil {
		h.reject(env, protocol.RejectInvalid, "room already exists")
		return
	}
	if h.room().HostID != c.userID {
		h.reject(env, protocol.RejectNotHost, "")
		return
	}
	if p.Patch.Empty() {
		h.reject(env, protocol.RejectInvalid, "empty patch")
		return
	}

	msg := h.stamp(env.msg, c)
	if res := h.disp.Dispatch(msg); res.Outcome != presence.Applied {
		h.reject(env, rejectCode(res), res.Reason)
		return
	}
	h.broadcast(msg)
	h.persist(services.StateUpdate{
		Name:     p.Patch.Name,
		Status:   p.Patch.Status,
		HostID:   p.Patch.HostID,
		MaxUsers: p.Patch.MaxUsers,
		Settings: p.Patch.Settings,
	})

	if p.Patch.Status != nil && *p.Patch.Status == models.RoomStatusClosed {
		h.closeRoom()
	}
}

// closeRoom sends every member its own leave and empties the hub.
func (h *Hub) closeRoom() {
	for id, c := range h.members {
		if msg, err := protocol.New(protocol.TypeLeave, h.id, id, protocol.LeavePayload{
			UserID: id,
			Reason: "room closed",
		}); err == nil {
			c.enqueue(msg)
		}
		delete(h.members, id)
		c.hub.CompareAndSwap(h, nil)
	}
	h.log.Info("room %s closed", h.code)
}

// relay applies a participant's own state or event and fans it out.
func (h *Hub) relay(env envelope) {
	c := env.client
	subject, err := protocol.SubjectID(env.msg)
	if err != nil {
		h.reject(env, protocol.RejectInvalid, err.Error())
		return
	}
	if subject != c.userID {
		h.reject(env, protocol.RejectForbidden, "cannot act for another user")
		return
	}
	if env.msg.Type == protocol.TypeUserUpdate {
		var p protocol.UserUpdatePayload
		if err := env.msg.Decode(&p); err != nil {
			h.reject(env, protocol.RejectInvalid, err.Error())
			return
		}
		if p.Patch.Permissions != nil {
			h.reject(env, protocol.RejectForbidden, "permissions are assigned by the room")
			return
		}
	}

	msg := h.stamp(env.msg, c)
	res := h.disp.Dispatch(msg)
	switch res.Outcome {
	case presence.Applied:
		h.broadcast(msg)
	case presence.Rejected, presence.Dropped:
		h.reject(env, rejectCode(res), res.Reason)
	}
}

func (h *Hub) stamp(msg *protocol.Message, c *Client) *protocol.Message {
	out := msg.Clone()
	out.RoomID = h.id
	out.SenderID = c.userID
	return out
}

func (h *Hub) broadcast(msg *protocol.Message) {
	for _, c := range h.members {
		c.enqueue(msg)
	}
}

func (h *Hub) persist(u services.StateUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := h.m.rooms.UpdateState(ctx, h.id, u); err != nil {
		h.log.Error("persist room %s: %v", h.id, err)
	}
}

func rejectCode(res presence.Result) protocol.RejectCode {
	if errors.Is(res.Err, models.ErrRoomFull) {
		return protocol.RejectRoomFull
	}
	return protocol.RejectInvalid
}
