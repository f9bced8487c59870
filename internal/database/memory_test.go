package database

import (
	"context"
	"testing"
	"time"

	"xr-multiplayer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary(id, code string, visibility models.Visibility) *models.RoomSummary {
	settings := models.DefaultRoomSettings()
	settings.Visibility = visibility
	return &models.RoomSummary{
		ID:       id,
		Name:     "room " + id,
		Code:     code,
		Status:   models.RoomStatusWaiting,
		MaxUsers: 4,
		Settings: settings,
	}
}

func TestMemoryAccounts(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()

	a := &models.Account{ID: "a1", DisplayName: "Ada", Email: "Ada@Example.com", PasswordHash: "hash"}
	require.NoError(t, db.CreateAccount(ctx, a))
	assert.False(t, a.CreatedAt.IsZero())

	dup := &models.Account{ID: "a2", Email: "ada@example.com"}
	assert.ErrorIs(t, db.CreateAccount(ctx, dup), ErrConflict)

	got, err := db.GetAccountByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.PasswordHash)

	byID, err := db.GetAccountByID(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, byID.PasswordHash)

	_, err = db.GetAccountByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRooms(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()

	require.NoError(t, db.CreateRoom(ctx, summary("r1", "ABCDEF", models.VisibilityPrivate)))
	assert.ErrorIs(t, db.CreateRoom(ctx, summary("r2", "ABCDEF", models.VisibilityPrivate)), ErrConflict)
	assert.ErrorIs(t, db.CreateRoom(ctx, summary("r1", "GHJKLM", models.VisibilityPrivate)), ErrConflict)

	byCode, err := db.GetRoomByCode(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "r1", byCode.ID)

	// Returned values are copies.
	byCode.Name = "changed"
	again, err := db.GetRoomByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "room r1", again.Name)

	again.Status = models.RoomStatusActive
	again.HostID = "u1"
	require.NoError(t, db.UpdateRoom(ctx, again))
	updated, err := db.GetRoomByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusActive, updated.Status)
	assert.Equal(t, "u1", updated.HostID)

	assert.ErrorIs(t, db.UpdateRoom(ctx, summary("nope", "ZZZZZZ", models.VisibilityPublic)), ErrNotFound)
	_, err = db.GetRoomByCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListPublicRooms(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()

	old := summary("old", "AAAAAA", models.VisibilityPublic)
	old.CreatedAt = time.Now().Add(-time.Hour)
	closed := summary("closed", "BBBBBB", models.VisibilityPublic)
	closed.Status = models.RoomStatusClosed

	require.NoError(t, db.CreateRoom(ctx, old))
	require.NoError(t, db.CreateRoom(ctx, summary("new", "CCCCCC", models.VisibilityPublic)))
	require.NoError(t, db.CreateRoom(ctx, summary("private", "DDDDDD", models.VisibilityPrivate)))
	require.NoError(t, db.CreateRoom(ctx, closed))

	rooms, err := db.ListPublicRooms(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "new", rooms[0].ID)
	assert.Equal(t, "old", rooms[1].ID)

	rooms, err = db.ListPublicRooms(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}
