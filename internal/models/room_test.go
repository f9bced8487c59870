package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(maxUsers int) *Room {
	return &Room{
		ID:       "room-1",
		Name:     "Standup",
		Code:     "ABC234",
		Status:   RoomStatusWaiting,
		Users:    map[string]*User{},
		MaxUsers: maxUsers,
		Settings: DefaultRoomSettings(),
	}
}

func TestRoomStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RoomStatus
		want     bool
	}{
		{RoomStatusWaiting, RoomStatusActive, true},
		{RoomStatusActive, RoomStatusPaused, true},
		{RoomStatusPaused, RoomStatusActive, true},
		{RoomStatusWaiting, RoomStatusClosed, true},
		{RoomStatusActive, RoomStatusClosed, true},
		{RoomStatusPaused, RoomStatusClosed, true},
		{RoomStatusWaiting, RoomStatusPaused, false},
		{RoomStatusActive, RoomStatusWaiting, false},
		{RoomStatusClosed, RoomStatusActive, false},
		{RoomStatusClosed, RoomStatusWaiting, false},
		{RoomStatusActive, "exploded", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRoomAdmitRespectsCapacity(t *testing.T) {
	room := newTestRoom(2)

	require.NoError(t, room.Admit(&User{ID: "a"}))
	require.NoError(t, room.Admit(&User{ID: "b"}))
	err := room.Admit(&User{ID: "c"})
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Len(t, room.Users, 2)

	// Overwriting an existing member is not a new admission.
	require.NoError(t, room.Admit(&User{ID: "b", DisplayName: "B2"}))
	assert.Equal(t, "B2", room.Users["b"].DisplayName)
}

func TestRoomRemovePromotesEarliestMember(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	room := newTestRoom(0)
	require.NoError(t, room.Admit(&User{ID: "host", JoinedAt: base}))
	require.NoError(t, room.SetHost("host"))
	require.NoError(t, room.Admit(&User{ID: "late", JoinedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, room.Admit(&User{ID: "early", JoinedAt: base.Add(time.Minute)}))

	assert.True(t, room.Remove("host"))
	assert.Equal(t, "early", room.HostID)
	assert.True(t, room.Users["early"].IsHost)
	assert.Equal(t, HostPermissions(), room.Users["early"].Permissions)
	assert.False(t, room.Users["late"].IsHost)
	require.NoError(t, room.Validate())

	assert.False(t, room.Remove("ghost"))

	room.Remove("early")
	room.Remove("late")
	assert.Empty(t, room.HostID)
}

func TestRoomPatchApplyIsAtomic(t *testing.T) {
	room := newTestRoom(4)
	require.NoError(t, room.Admit(&User{ID: "a"}))

	paused := RoomStatusPaused
	name := "renamed"
	settings := RoomSettings{Visibility: VisibilityPublic}

	// waiting -> paused is not allowed; nothing else in the patch applies.
	err := RoomPatch{Name: &name, Status: &paused, Settings: &settings}.Apply(room)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, "Standup", room.Name)
	assert.Equal(t, DefaultRoomSettings(), room.Settings)

	active := RoomStatusActive
	require.NoError(t, RoomPatch{Name: &name, Status: &active, Settings: &settings}.Apply(room))
	assert.Equal(t, "renamed", room.Name)
	assert.Equal(t, RoomStatusActive, room.Status)
	assert.Equal(t, settings, room.Settings)

	ghost := "ghost"
	assert.ErrorIs(t, RoomPatch{HostID: &ghost}.Apply(room), ErrUnknownUser)
}

func TestRoomValidate(t *testing.T) {
	room := newTestRoom(2)
	room.HostID = "missing"
	assert.ErrorIs(t, room.Validate(), ErrInvalidRoom)

	room.HostID = ""
	room.Users["x"] = &User{ID: "y"}
	assert.ErrorIs(t, room.Validate(), ErrInvalidRoom)
}

func TestColorForIndexWraps(t *testing.T) {
	n := len(Palette)
	assert.Equal(t, Palette[0], ColorForIndex(0))
	assert.Equal(t, Palette[0], ColorForIndex(n))
	assert.Equal(t, Palette[1], ColorForIndex(n+1))
	assert.Equal(t, Palette[n-1], ColorForIndex(-1))
}

func TestUserPatchApply(t *testing.T) {
	u := &User{ID: "a", DisplayName: "Ada", Status: UserStatusActive}
	name := "Ada L."
	bogus := UserStatus("sleeping")
	muted := true

	UserPatch{DisplayName: &name, Status: &bogus, IsMuted: &muted}.Apply(u)

	assert.Equal(t, "Ada L.", u.DisplayName)
	assert.Equal(t, UserStatusActive, u.Status)
	assert.True(t, u.Voice.IsMuted)
}

func TestClampLevel(t *testing.T) {
	assert.Equal(t, 0.0, ClampLevel(-0.5))
	assert.Equal(t, 1.0, ClampLevel(3))
	assert.Equal(t, 0.25, ClampLevel(0.25))
}
