package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"xr-multiplayer/internal/database"
	"xr-multiplayer/internal/models"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrCodeInUse    = errors.New("room id or join code already registered")
	ErrInvalidRoom  = errors.New("invalid room")
)

const defaultListLimit = 50

// RoomService is the relay's room registry. Lookups by id or join code go
// through an LRU cache in front of the repository.
type RoomService struct {
	db    database.RoomRepository
	cache *lru.Cache[string, models.RoomSummary]
}

func NewRoomService(db database.RoomRepository, cacheSize int) (*RoomService, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, models.RoomSummary](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("room cache: %w", err)
	}
	return &RoomService{db: db, cache: cache}, nil
}

func idKey(id string) string     { return "id:" + id }
func codeKey(code string) string { return "code:" + code }

func (s *RoomService) remember(r models.RoomSummary) {
	s.cache.Add(idKey(r.ID), r)
	s.cache.Add(codeKey(r.Code), r)
}

// Register stores a new room. The room's users are not persisted.
func (s *RoomService) Register(ctx context.Context, room *models.Room) (*models.RoomSummary, error) {
	if err := validateNew(room); err != nil {
		return nil, err
	}

	summary := room.Summary()
	summary.Code = models.NormalizeCode(summary.Code)
	if err := s.db.CreateRoom(ctx, &summary); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, ErrCodeInUse
		}
		return nil, fmt.Errorf("register room: %w", err)
	}
	s.remember(summary)
	return &summary, nil
}

func validateNew(room *models.Room) error {
	if room == nil {
		return fmt.Errorf("%w: missing room", ErrInvalidRoom)
	}
	if _, err := uuid.Parse(room.ID); err != nil {
		return fmt.Errorf("%w: id must be a UUID", ErrInvalidRoom)
	}
	if strings.TrimSpace(room.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	if !models.IsJoinCode(models.NormalizeCode(room.Code)) {
		return fmt.Errorf("%w: malformed join code %q", ErrInvalidRoom, room.Code)
	}
	if !room.Status.Valid() || room.Status == models.RoomStatusClosed {
		return fmt.Errorf("%w: status %q", ErrInvalidRoom, room.Status)
	}
	if room.MaxUsers < 0 {
		return fmt.Errorf("%w: negative max users", ErrInvalidRoom)
	}
	return nil
}

// Resolve finds a room by join code (any case) or id.
func (s *RoomService) Resolve(ctx context.Context, codeOrID string) (*models.RoomSummary, error) {
	key := strings.TrimSpace(codeOrID)
	if key == "" {
		return nil, ErrRoomNotFound
	}

	var (
		cacheKey string
		lookup   func(context.Context, string) (*models.RoomSummary, error)
	)
	if code := models.NormalizeCode(key); models.IsJoinCode(code) {
		key, cacheKey, lookup = code, codeKey(code), s.db.GetRoomByCode
	} else {
		cacheKey, lookup = idKey(key), s.db.GetRoomByID
	}

	if r, ok := s.cache.Get(cacheKey); ok {
		return &r, nil
	}
	r, err := lookup(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("resolve room: %w", err)
	}
	s.remember(*r)
	return r, nil
}

// StateUpdate carries the durable fields a hub may change.
type StateUpdate struct {
	Name     *string
	Status   *models.RoomStatus
	HostID   *string
	MaxUsers *int
	Settings *models.RoomSettings
}

func (s *RoomService) UpdateState(ctx context.Context, id string, u StateUpdate) (*models.RoomSummary, error) {
	r, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != nil && *u.Status != r.Status && !r.Status.CanTransitionTo(*u.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, r.Status, *u.Status)
	}

	if u.Name != nil {
		r.Name = *u.Name
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.HostID != nil {
		r.HostID = *u.HostID
	}
	if u.MaxUsers != nil {
		r.MaxUsers = *u.MaxUsers
	}
	if u.Settings != nil {
		r.Settings = *u.Settings
	}

	if err := s.db.UpdateRoom(ctx, r); err != nil {
		s.cache.Remove(idKey(r.ID))
		s.cache.Remove(codeKey(r.Code))
		return nil, fmt.Errorf("update room: %w", err)
	}
	s.remember(*r)
	return r, nil
}

// Close marks a room closed. Closed rooms refuse new joins.
func (s *RoomService) Close(ctx context.Context, id string) error {
	closed := models.RoomStatusClosed
	_, err := s.UpdateState(ctx, id, StateUpdate{Status: &closed})
	return err
}

func (s *RoomService) ListPublic(ctx context.Context, limit int) ([]*models.RoomSummary, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.db.ListPublicRooms(ctx, limit)
}
