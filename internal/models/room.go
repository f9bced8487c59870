package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrRoomFull          = errors.New("room is full")
	ErrInvalidTransition = errors.New("invalid room status transition")
	ErrUnknownUser       = errors.New("user is not in the room")
	ErrInvalidRoom       = errors.New("invalid room")
)

type RoomStatus string

const (
	RoomStatusWaiting RoomStatus = "waiting"
	RoomStatusActive  RoomStatus = "active"
	RoomStatusPaused  RoomStatus = "paused"
	RoomStatusClosed  RoomStatus = "closed"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomStatusWaiting, RoomStatusActive, RoomStatusPaused, RoomStatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a room may move from s to next.
// closed is terminal.
func (s RoomStatus) CanTransitionTo(next RoomStatus) bool {
	switch {
	case s == RoomStatusClosed:
		return false
	case next == RoomStatusClosed:
		return true
	case s == RoomStatusWaiting && next == RoomStatusActive:
		return true
	case s == RoomStatusActive && next == RoomStatusPaused:
		return true
	case s == RoomStatusPaused && next == RoomStatusActive:
		return true
	}
	return false
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type RoomSettings struct {
	Visibility          Visibility `json:"visibility"`
	RequireApproval     bool       `json:"requireApproval"`
	VoiceEnabled        bool       `json:"voiceEnabled"`
	VideoEnabled        bool       `json:"videoEnabled"`
	HandTrackingEnabled bool       `json:"handTrackingEnabled"`
	SyncCursors         bool       `json:"syncCursors"`
	SyncNavigation      bool       `json:"syncNavigation"`
	SyncDecisions       bool       `json:"syncDecisions"`
}

func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		Visibility:          VisibilityPrivate,
		VoiceEnabled:        true,
		HandTrackingEnabled: true,
		SyncCursors:         true,
		SyncNavigation:      true,
		SyncDecisions:       true,
	}
}

type Room struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Code      string           `json:"code"`
	Status    RoomStatus       `json:"status"`
	HostID    string           `json:"hostId"`
	Users     map[string]*User `json:"users"`
	MaxUsers  int              `json:"maxUsers"`
	Settings  RoomSettings     `json:"settings"`
	CreatedAt time.Time        `json:"createdAt"`
	// JoinSeq counts joins over the room's lifetime; it drives color
	// assignment so that concurrent joins never share an index.
	JoinSeq int `json:"joinSeq"`
}

func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Users = make(map[string]*User, len(r.Users))
	for id, u := range r.Users {
		c.Users[id] = u.Clone()
	}
	return &c
}

func (r *Room) IsFull() bool {
	return r.MaxUsers > 0 && len(r.Users) >= r.MaxUsers
}

// Validate checks the invariants a room snapshot must hold.
func (r *Room) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRoom)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidRoom, r.Status)
	}
	if r.MaxUsers < 0 {
		return fmt.Errorf("%w: negative maxUsers", ErrInvalidRoom)
	}
	for id, u := range r.Users {
		if u == nil || u.ID != id {
			return fmt.Errorf("%w: user key %q does not match entry", ErrInvalidRoom, id)
		}
	}
	if r.HostID != "" {
		if _, ok := r.Users[r.HostID]; !ok {
			return fmt.Errorf("%w: host %q is not a member", ErrInvalidRoom, r.HostID)
		}
	}
	return nil
}

// Admit inserts u, overwriting any entry with the same id. A new id is
// refused when the room is at capacity.
func (r *Room) Admit(u *User) error {
	if r.Users == nil {
		r.Users = make(map[string]*User)
	}
	if _, exists := r.Users[u.ID]; !exists && r.IsFull() {
		return ErrRoomFull
	}
	u.IsHost = u.ID == r.HostID
	r.Users[u.ID] = u
	return nil
}

// Remove deletes a user. When the host leaves, the earliest-joined remaining
// user is promoted. It reports whether the user was present.
func (r *Room) Remove(id string) bool {
	if _, ok := r.Users[id]; !ok {
		return false
	}
	delete(r.Users, id)
	if r.HostID == id {
		r.HostID = ""
		if next := r.earliestMember(); next != nil {
			_ = r.SetHost(next.ID)
		}
	}
	return true
}

// SetHost designates id as the single host.
func (r *Room) SetHost(id string) error {
	next, ok := r.Users[id]
	if !ok {
		return ErrUnknownUser
	}
	if prev, ok := r.Users[r.HostID]; ok && prev.ID != id {
		prev.IsHost = false
		prev.Permissions = DefaultPermissions()
	}
	r.HostID = id
	next.IsHost = true
	next.Permissions = HostPermissions()
	return nil
}

func (r *Room) earliestMember() *User {
	var members []*User
	for _, u := range r.Users {
		members = append(members, u)
	}
	if len(members) == 0 {
		return nil
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].ID < members[j].ID
	})
	return members[0]
}

// SortedUsers returns copies of the members ordered by join time.
func (r *Room) SortedUsers() []User {
	users := make([]User, 0, len(r.Users))
	for _, u := range r.Users {
		users = append(users, *u.Clone())
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].JoinedAt.Before(users[j].JoinedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users
}

// RoomPatch carries the fields of a room-update. Settings are replaced
// wholesale when present.
type RoomPatch struct {
	Name     *string       `json:"name,omitempty"`
	Status   *RoomStatus   `json:"status,omitempty"`
	HostID   *string       `json:"hostId,omitempty"`
	MaxUsers *int          `json:"maxUsers,omitempty"`
	Settings *RoomSettings `json:"settings,omitempty"`
}

func (p RoomPatch) Empty() bool {
	return p.Name == nil && p.Status == nil && p.HostID == nil && p.MaxUsers == nil && p.Settings == nil
}

// Apply validates the whole patch first and then merges it, so a rejected
// patch leaves the room untouched.
func (p RoomPatch) Apply(r *Room) error {
	if p.Status != nil && *p.Status != r.Status && !r.Status.CanTransitionTo(*p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, *p.Status)
	}
	if p.HostID != nil {
		if _, ok := r.Users[*p.HostID]; !ok {
			return ErrUnknownUser
		}
	}
	if p.MaxUsers != nil && *p.MaxUsers < 0 {
		return fmt.Errorf("%w: negative maxUsers", ErrInvalidRoom)
	}

	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.MaxUsers != nil {
		r.MaxUsers = *p.MaxUsers
	}
	if p.Settings != nil {
		r.Settings = *p.Settings
	}
	if p.HostID != nil {
		return r.SetHost(*p.HostID)
	}
	return nil
}

// RoomSummary is the public listing shape of a registered room.
type RoomSummary struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Code      string       `json:"code"`
	Status    RoomStatus   `json:"status"`
	HostID    string       `json:"hostId"`
	MaxUsers  int          `json:"maxUsers"`
	Settings  RoomSettings `json:"settings"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (r *Room) Summary() RoomSummary {
	return RoomSummary{
		ID:        r.ID,
		Name:      r.Name,
		Code:      r.Code,
		Status:    r.Status,
		HostID:    r.HostID,
		MaxUsers:  r.MaxUsers,
		Settings:  r.Settings,
		CreatedAt: r.CreatedAt,
	}
}
