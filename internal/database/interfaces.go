package database

import (
	"context"
	"errors"

	"xr-multiplayer/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type AccountRepository interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
}

// RoomRepository persists the room registry. Only the durable part of a
// room is stored; membership and poses live in the relay's memory.
type RoomRepository interface {
	CreateRoom(ctx context.Context, room *models.RoomSummary) error
	GetRoomByID(ctx context.Context, id string) (*models.RoomSummary, error)
	GetRoomByCode(ctx context.Context, code string) (*models.RoomSummary, error)
	UpdateRoom(ctx context.Context, room *models.RoomSummary) error
	ListPublicRooms(ctx context.Context, limit int) ([]*models.RoomSummary, error)
}

type Database interface {
	AccountRepository
	RoomRepository
	Close() error
}
