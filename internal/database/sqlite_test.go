package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"xr-multiplayer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	ctx := context.Background()
	db, err := NewSQLiteDB(ctx, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteRequiresPath(t *testing.T) {
	_, err := NewSQLiteDB(context.Background(), "  ")
	assert.Error(t, err)
}

func TestSQLiteAccounts(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	a := &models.Account{ID: "a1", DisplayName: "Ada", Email: "ada@example.com", PasswordHash: "hash"}
	require.NoError(t, db.CreateAccount(ctx, a))
	assert.ErrorIs(t, db.CreateAccount(ctx, &models.Account{ID: "a2", Email: "ADA@example.com", PasswordHash: "x"}), ErrConflict)

	got, err := db.GetAccountByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.WithinDuration(t, a.CreatedAt, got.CreatedAt, time.Millisecond)

	byID, err := db.GetAccountByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", byID.DisplayName)
	assert.Empty(t, byID.PasswordHash)

	_, err = db.GetAccountByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRooms(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	private := summary("r1", "ABCDEF", models.VisibilityPrivate)
	require.NoError(t, db.CreateRoom(ctx, private))
	assert.ErrorIs(t, db.CreateRoom(ctx, summary("r2", "ABCDEF", models.VisibilityPrivate)), ErrConflict)
	assert.ErrorIs(t, db.CreateRoom(ctx, summary("r1", "GHJKLM", models.VisibilityPrivate)), ErrConflict)

	byCode, err := db.GetRoomByCode(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "r1", byCode.ID)
	assert.Equal(t, private.Settings, byCode.Settings)
	assert.Equal(t, models.RoomStatusWaiting, byCode.Status)

	byCode.HostID = "u1"
	byCode.Status = models.RoomStatusActive
	require.NoError(t, db.UpdateRoom(ctx, byCode))

	byID, err := db.GetRoomByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byID.HostID)
	assert.Equal(t, models.RoomStatusActive, byID.Status)

	assert.ErrorIs(t, db.UpdateRoom(ctx, summary("nope", "NPNPNP", models.VisibilityPrivate)), ErrNotFound)
	_, err = db.GetRoomByCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteListPublicRooms(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	older := summary("p1", "PPPPPA", models.VisibilityPublic)
	older.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, db.CreateRoom(ctx, older))
	require.NoError(t, db.CreateRoom(ctx, summary("p2", "PPPPPB", models.VisibilityPublic)))
	require.NoError(t, db.CreateRoom(ctx, summary("h1", "HHHHHA", models.VisibilityPrivate)))

	closed := summary("c1", "CCCCCA", models.VisibilityPublic)
	closed.Status = models.RoomStatusClosed
	require.NoError(t, db.CreateRoom(ctx, closed))

	rooms, err := db.ListPublicRooms(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "p2", rooms[0].ID)
	assert.Equal(t, "p1", rooms[1].ID)

	rooms, err = db.ListPublicRooms(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}
