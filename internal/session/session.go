// Package session is the participant-side room registry. It wires the
// connection channel, the presence dispatcher and the update scheduler
// together and exposes the room lifecycle and local input API.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xr-multiplayer/internal/channel"
	"xr-multiplayer/internal/config"
	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/presence"
	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/internal/scheduler"
	"xr-multiplayer/pkg/logger"

	"github.com/benbjohnson/clock"
)

var (
	ErrNotHost        = errors.New("only the host can do that")
	ErrNotInRoom      = errors.New("not in a room")
	ErrAlreadyInRoom  = errors.New("already in a room")
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomClosed     = errors.New("room is closed")
	ErrRejected       = errors.New("rejected by relay")
	ErrSyncDisabled   = errors.New("sync for this event is disabled in the room")
	ErrNotPermitted   = errors.New("not permitted")
	ErrInvalidRequest = errors.New("invalid request")
)

// Identity is who this participant is. UserID must match the identity the
// relay derives from the connection's token.
type Identity struct {
	UserID      string
	DisplayName string
	Avatar      string
}

// Handlers receive room activity. They run on the channel's read goroutine
// and must not block.
type Handlers struct {
	// OnEvent fires for every accepted discrete event (chat, reaction,
	// cursor, navigate, meeting action, vote).
	OnEvent func(msg *protocol.Message)
	// OnChange fires after every dispatched message with its outcome.
	OnChange   func(msg *protocol.Message, res presence.Result)
	OnRejected func(p protocol.RejectedPayload)
	OnKicked   func(by string)
	OnState    func(channel.State)
	OnLatency  func(sample time.Duration)
}

type pendingOp struct {
	ref    protocol.MessageType
	target string
	done   chan error
}

type Session struct {
	ident    Identity
	cfg      config.SyncConfig
	clock    clock.Clock
	log      *logger.Logger
	handlers Handlers
	observer presence.Observer
	newCode  func() string

	ch    *channel.Channel
	store *presence.Store
	disp  *presence.Dispatcher
	sched *scheduler.Scheduler

	seq atomic.Uint64

	mu      sync.Mutex
	roomID  string
	code    string
	pending *pendingOp
}

type Option func(*Session)

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

func WithHandlers(h Handlers) Option {
	return func(s *Session) { s.handlers = h }
}

// WithObserver reports every dispatch outcome, e.g. to telemetry.
func WithObserver(o presence.Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithCodeGenerator overrides join code generation.
func WithCodeGenerator(gen func() string) Option {
	return func(s *Session) { s.newCode = gen }
}

func New(ident Identity, dialer channel.Dialer, cfg config.SyncConfig, opts ...Option) (*Session, error) {
	if ident.UserID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidRequest)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sync config: %w", err)
	}

	s := &Session{
		ident: ident,
		cfg:   cfg,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrGlobal(s.log).Named("session")

	if s.newCode == nil {
		gen, err := models.NewJoinCodeGenerator()
		if err != nil {
			return nil, err
		}
		s.newCode = gen
	}

	s.store = presence.NewStore(ident.UserID)
	dispOpts := []presence.DispatcherOption{presence.WithClock(s.clock)}
	if s.observer != nil {
		dispOpts = append(dispOpts, presence.WithObserver(s.observer))
	}
	s.disp = presence.NewDispatcher(s.store, dispOpts...)

	s.ch = channel.New(dialer, channel.Config{
		PingInterval:      cfg.PingInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		StrictLiveness:    cfg.StrictLiveness,
	},
		channel.WithClock(s.clock),
		channel.WithLogger(s.log),
		channel.WithHandlers(channel.Handlers{
			OnMessage:    s.handleMessage,
			OnError:      s.handleChannelError,
			OnDisconnect: s.handleDisconnect,
			OnReconnect:  s.handleReconnect,
			OnState:      s.handlers.OnState,
			OnLatency:    s.handlers.OnLatency,
		}),
	)

	sched, err := scheduler.New(scheduler.Config{
		PositionUpdateRate: cfg.PositionUpdateRate,
		HandUpdateRate:     cfg.HandUpdateRate,
		VoiceUpdateRate:    cfg.VoiceUpdateRate,
	}, s.ch, s.envelope, scheduler.WithClock(s.clock), scheduler.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.sched = sched

	return s, nil
}

func (s *Session) Identity() Identity {
	return s.ident
}

// Presence is the read-only view of the current room.
func (s *Session) Presence() presence.Reader {
	return s.store
}

func (s *Session) Channel() *channel.Channel {
	return s.ch
}

// RoomID returns the id of the joined room, or "" when not in one.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Code returns the join code of the joined room.
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *Session) Connect(ctx context.Context) error {
	return s.ch.Connect(ctx)
}

// Disconnect leaves the current room, if any, and closes the connection.
func (s *Session) Disconnect() error {
	var err error
	if s.RoomID() != "" {
		err = s.LeaveRoom()
	}
	s.ch.Disconnect()
	return err
}

func (s *Session) ensureConnected(ctx context.Context) error {
	if s.ch.Connected() {
		return nil
	}
	if err := s.ch.Connect(ctx); err != nil {
		return err
	}
	if !s.ch.Connected() {
		return channel.ErrNotConnected
	}
	return nil
}

func (s *Session) nextSeq() uint64 {
	return s.seq.Add(1)
}

// envelope addresses scheduler payloads to the current room. Outside a room
// it returns nil so the scheduler skips the send.
func (s *Session) envelope(t protocol.MessageType, seq uint64, payload any) (*protocol.Message, error) {
	roomID := s.RoomID()
	if roomID == "" {
		return nil, nil
	}
	return s.message(t, roomID, seq, payload)
}

func (s *Session) message(t protocol.MessageType, roomID string, seq uint64, payload any) (*protocol.Message, error) {
	msg, err := protocol.New(t, roomID, s.ident.UserID, payload)
	if err != nil {
		return nil, err
	}
	msg.Seq = seq
	msg.Timestamp = s.clock.Now().UnixMilli()
	return msg, nil
}

// send builds and sends a message to the current room.
func (s *Session) send(t protocol.MessageType, seq uint64, payload any) error {
	roomID := s.RoomID()
	if roomID == "" {
		return ErrNotInRoom
	}
	msg, err := s.message(t, roomID, seq, payload)
	if err != nil {
		return err
	}
	return s.ch.Send(msg)
}

func (s *Session) handleMessage(msg *protocol.Message) {
	if msg.Type == protocol.TypeRejected {
		s.handleRejected(msg)
		return
	}
	if msg.Type == protocol.TypeRoomUpdate && !s.acceptsRoomUpdate(msg) {
		s.log.Debug("ignoring room-update for room %q", msg.RoomID)
		return
	}

	res := s.disp.Dispatch(msg)
	if res.Outcome != presence.Applied && res.Outcome != presence.Ignored {
		s.log.Debug("%s from %s: %s %s", msg.Type, msg.SenderID, res.Outcome, res.Reason)
	}
	if h := s.handlers.OnChange; h != nil {
		h(msg, res)
	}
	if res.Outcome != presence.Applied {
		return
	}

	switch {
	case msg.Type == protocol.TypeRoomUpdate:
		s.confirmMembership()
	case msg.Type == protocol.TypeLeave:
		s.handleLeave(msg)
	case msg.Type.Event():
		if h := s.handlers.OnEvent; h != nil {
			h(msg)
		}
	}
}

// acceptsRoomUpdate keeps late snapshots of a room we already left from
// being installed.
func (s *Session) acceptsRoomUpdate(msg *protocol.Message) bool {
	var p protocol.RoomUpdatePayload
	if err := msg.Decode(&p); err != nil {
		// Let the dispatcher report it.
		return true
	}
	if p.Room == nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID != "" {
		return p.Room.ID == s.roomID
	}
	if s.pending == nil {
		return false
	}
	target := s.pending.target
	return p.Room.ID == target || p.Room.Code == models.NormalizeCode(target)
}

func (s *Session) confirmMembership() {
	room, ok := s.store.Confirmed()
	if !ok {
		return
	}
	if _, member := room.Users[s.ident.UserID]; !member {
		return
	}

	s.mu.Lock()
	op := s.pending
	if op == nil {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.roomID = room.ID
	s.code = room.Code
	s.mu.Unlock()

	op.done <- nil
}

func (s *Session) handleRejected(msg *protocol.Message) {
	var p protocol.RejectedPayload
	if err := msg.Decode(&p); err != nil {
		s.log.Debug("malformed rejection: %v", err)
		return
	}
	s.log.Warn("relay rejected %s: %s %s", p.Ref, p.Code, p.Reason)

	s.mu.Lock()
	op := s.pending
	if op != nil && op.ref == p.Ref {
		s.pending = nil
	} else {
		op = nil
	}
	s.mu.Unlock()

	if op != nil {
		op.done <- rejectionError(p)
	}
	if h := s.handlers.OnRejected; h != nil {
		h(p)
	}
}

func rejectionError(p protocol.RejectedPayload) error {
	var base error
	switch p.Code {
	case protocol.RejectRoomNotFound:
		base = ErrRoomNotFound
	case protocol.RejectRoomFull:
		base = models.ErrRoomFull
	case protocol.RejectRoomClosed:
		base = ErrRoomClosed
	case protocol.RejectNotHost:
		base = ErrNotHost
	default:
		base = ErrRejected
	}
	if p.Reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, p.Reason)
}

func (s *Session) handleLeave(msg *protocol.Message) {
	var p protocol.LeavePayload
	if err := msg.Decode(&p); err != nil || p.UserID != s.ident.UserID {
		return
	}
	s.teardown()
	if p.KickedBy != "" {
		s.log.Info("kicked from room by %s", p.KickedBy)
		if h := s.handlers.OnKicked; h != nil {
			h(p.KickedBy)
		}
	}
}

// handleReconnect re-announces the local participant; the relay dropped
// our membership when the old connection died.
func (s *Session) handleReconnect() {
	// The relay forgets requests made on the old connection.
	s.failPending(fmt.Errorf("%w: connection replaced while waiting for the relay", channel.ErrNotConnected))
	roomID := s.RoomID()
	if roomID == "" {
		return
	}
	user, ok := s.store.User(s.ident.UserID)
	if !ok {
		user = s.localUser(s.ident.DisplayName)
	}
	user.IsHost = false
	msg, err := s.message(protocol.TypeJoin, roomID, 0, protocol.JoinPayload{User: user})
	if err != nil {
		return
	}
	if err := s.ch.Send(msg); err != nil {
		s.log.Warn("rejoin after reconnect: %v", err)
		return
	}
	s.log.Info("rejoined room %s after reconnect", roomID)
}

func (s *Session) handleDisconnect(reason string) {
	s.failPending(fmt.Errorf("%w: %s", channel.ErrNotConnected, reason))
	if s.RoomID() != "" {
		s.log.Info("connection closed (%s), leaving room", reason)
		s.teardown()
	}
}

func (s *Session) handleChannelError(err error) {
	if !errors.Is(err, channel.ErrReconnectExhausted) {
		return
	}
	s.failPending(err)
	if s.RoomID() != "" {
		s.teardown()
	}
}

// failPending completes the outstanding create/join, if any, with err.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	op := s.pending
	s.pending = nil
	s.mu.Unlock()
	if op != nil {
		op.done <- err
	}
}

func (s *Session) await(ctx context.Context, op *pendingOp) error {
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending == op {
			s.pending = nil
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// begin registers op as the single outstanding create/join.
func (s *Session) begin(ref protocol.MessageType, target string) (*pendingOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID != "" || s.pending != nil {
		return nil, ErrAlreadyInRoom
	}
	op := &pendingOp{ref: ref, target: target, done: make(chan error, 1)}
	s.pending = op
	return op, nil
}

func (s *Session) abandon(op *pendingOp) {
	s.mu.Lock()
	if s.pending == op {
		s.pending = nil
	}
	s.mu.Unlock()
}

// teardown ends local membership: timers stop, the store resets and the
// channel forgets the room.
func (s *Session) teardown() {
	s.mu.Lock()
	s.roomID = ""
	s.code = ""
	s.mu.Unlock()

	s.sched.Stop()
	s.disp.Reset()
	s.ch.SetMembership("", s.ident.UserID)
}

func (s *Session) localUser(displayName string) models.User {
	if displayName == "" {
		displayName = s.ident.DisplayName
	}
	now := s.clock.Now()
	return models.User{
		ID:          s.ident.UserID,
		DisplayName: displayName,
		Avatar:      s.ident.Avatar,
		Status:      models.UserStatusActive,
		JoinedAt:    now,
		LastSeen:    now,
		Rotation:    models.IdentityQuat,
		// Placeholder; the relay assigns the color from its join counter.
		Color:       models.ColorForIndex(0),
		Permissions: models.DefaultPermissions(),
	}
}
