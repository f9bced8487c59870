package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"xr-multiplayer/internal/channel"
	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// RoomOptions configure a new room. Zero values fall back to the default
// settings and the configured DEFAULT_MAX_USERS.
type RoomOptions struct {
	Settings *models.RoomSettings
	MaxUsers int
}

// CreateRoom registers a new room hosted by this participant and returns
// its join code. It connects first when needed and returns once the relay
// has accepted the room.
func (s *Session) CreateRoom(ctx context.Context, name string, opts RoomOptions) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: room name is required", ErrInvalidRequest)
	}
	if opts.MaxUsers < 0 {
		return "", fmt.Errorf("%w: negative max users", ErrInvalidRequest)
	}
	if err := s.ensureConnected(ctx); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	room := s.newRoom(name, opts)
	op, err := s.begin(protocol.TypeRoomUpdate, room.ID)
	if err != nil {
		return "", err
	}

	msg, err := s.message(protocol.TypeRoomUpdate, room.ID, 0, protocol.RoomUpdatePayload{Room: room})
	if err != nil {
		s.abandon(op)
		return "", err
	}
	// Install our own snapshot right away so the host sees the room before
	// the relay answers.
	if res := s.disp.Dispatch(msg); res.Err != nil {
		s.abandon(op)
		s.disp.Reset()
		return "", fmt.Errorf("create room: %w", res.Err)
	}
	if err := s.ch.Send(msg); err != nil {
		s.abandon(op)
		s.disp.Reset()
		return "", fmt.Errorf("create room: %w", err)
	}

	if err := s.await(ctx, op); err != nil {
		s.disp.Reset()
		return "", fmt.Errorf("create room: %w", err)
	}
	s.enter()
	s.log.Info("created room %s (%s)", room.Code, room.ID)
	return room.Code, nil
}

func (s *Session) newRoom(name string, opts RoomOptions) *models.Room {
	settings := models.DefaultRoomSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}
	maxUsers := opts.MaxUsers
	if maxUsers == 0 {
		maxUsers = s.cfg.DefaultMaxUsers
	}

	host := s.localUser(s.ident.DisplayName)
	host.IsHost = true
	host.Permissions = models.HostPermissions()

	return &models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		Code:      s.newCode(),
		Status:    models.RoomStatusWaiting,
		HostID:    host.ID,
		Users:     map[string]*models.User{host.ID: &host},
		MaxUsers:  maxUsers,
		Settings:  settings,
		CreatedAt: s.clock.Now(),
		JoinSeq:   1,
	}
}

// JoinRoom joins an existing room by join code (any case) or room id and
// returns once the relay has sent the room snapshot. Rejections map to
// ErrRoomNotFound, models.ErrRoomFull or ErrRoomClosed.
func (s *Session) JoinRoom(ctx context.Context, codeOrID, displayName string) error {
	target := strings.TrimSpace(codeOrID)
	if code := models.NormalizeCode(target); models.IsJoinCode(code) {
		target = code
	}
	if target == "" {
		return fmt.Errorf("%w: empty room code", ErrInvalidRequest)
	}
	if err := s.ensureConnected(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	op, err := s.begin(protocol.TypeJoin, target)
	if err != nil {
		return err
	}

	user := s.localUser(displayName)
	msg, err := s.message(protocol.TypeJoin, target, 0, protocol.JoinPayload{User: user})
	if err != nil {
		s.abandon(op)
		return err
	}
	if err := s.ch.Send(msg); err != nil {
		s.abandon(op)
		return fmt.Errorf("join room: %w", err)
	}

	if err := s.await(ctx, op); err != nil {
		s.disp.Reset()
		return fmt.Errorf("join room %s: %w", target, err)
	}
	s.enter()
	s.log.Info("joined room %s", target)
	return nil
}

func (s *Session) enter() {
	s.ch.SetMembership(s.RoomID(), s.ident.UserID)
	s.sched.Start()
}

// LeaveRoom announces departure on a best-effort basis. Local membership
// always ends: timers stop and the presence store resets.
func (s *Session) LeaveRoom() error {
	roomID := s.RoomID()
	if roomID == "" {
		return ErrNotInRoom
	}

	var err error
	msg, buildErr := s.message(protocol.TypeLeave, roomID, 0, protocol.LeavePayload{UserID: s.ident.UserID, Reason: "left"})
	err = multierr.Append(err, buildErr)
	if buildErr == nil {
		if sendErr := s.ch.Send(msg); sendErr != nil && !errors.Is(sendErr, channel.ErrNotConnected) {
			err = multierr.Append(err, fmt.Errorf("send leave: %w", sendErr))
		}
	}

	s.teardown()
	return err
}

func (s *Session) requireHost() (*models.Room, error) {
	room, ok := s.store.Confirmed()
	if !ok || s.RoomID() == "" {
		return nil, ErrNotInRoom
	}
	if room.HostID != s.ident.UserID {
		return nil, ErrNotHost
	}
	return room, nil
}

// KickUser removes another participant. Host only.
func (s *Session) KickUser(userID string) error {
	room, err := s.requireHost()
	if err != nil {
		return err
	}
	if userID == s.ident.UserID {
		return fmt.Errorf("%w: host cannot kick itself", ErrInvalidRequest)
	}
	if _, ok := room.Users[userID]; !ok {
		return models.ErrUnknownUser
	}
	return s.send(protocol.TypeLeave, 0, protocol.LeavePayload{
		UserID:   userID,
		Reason:   "kicked",
		KickedBy: s.ident.UserID,
	})
}

// UpdateSettings replaces the room settings. Host only.
func (s *Session) UpdateSettings(settings models.RoomSettings) error {
	if _, err := s.requireHost(); err != nil {
		return err
	}
	return s.send(protocol.TypeRoomUpdate, 0, protocol.RoomUpdatePayload{
		Patch: models.RoomPatch{Settings: &settings},
	})
}

// SetRoomStatus moves the room through its lifecycle. Host only.
func (s *Session) SetRoomStatus(status models.RoomStatus) error {
	room, err := s.requireHost()
	if err != nil {
		return err
	}
	if !room.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, room.Status, status)
	}
	return s.send(protocol.TypeRoomUpdate, 0, protocol.RoomUpdatePayload{
		Patch: models.RoomPatch{Status: &status},
	})
}

// TransferHost hands the host role to another member. Host only.
func (s *Session) TransferHost(userID string) error {
	room, err := s.requireHost()
	if err != nil {
		return err
	}
	if _, ok := room.Users[userID]; !ok {
		return models.ErrUnknownUser
	}
	return s.send(protocol.TypeRoomUpdate, 0, protocol.RoomUpdatePayload{
		Patch: models.RoomPatch{HostID: &userID},
	})
}
