package models

import "time"

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusIdle    UserStatus = "idle"
	UserStatusAway    UserStatus = "away"
	UserStatusBusy    UserStatus = "busy"
	UserStatusOffline UserStatus = "offline"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusActive, UserStatusIdle, UserStatusAway, UserStatusBusy, UserStatusOffline:
		return true
	}
	return false
}

type Hand string

const (
	HandLeft  Hand = "left"
	HandRight Hand = "right"
)

type Gesture string

const (
	GestureNone      Gesture = "none"
	GesturePoint     Gesture = "point"
	GesturePinch     Gesture = "pinch"
	GestureGrab      Gesture = "grab"
	GestureOpen      Gesture = "open"
	GestureThumbsUp  Gesture = "thumbs_up"
	GestureVictory   Gesture = "victory"
	GestureRaiseHand Gesture = "raise_hand"
)

type HandPose struct {
	Position    Vec3    `json:"position"`
	Rotation    Quat    `json:"rotation"`
	Gesture     Gesture `json:"gesture,omitempty"`
	IsPointing  bool    `json:"isPointing,omitempty"`
	PointTarget *Vec3   `json:"pointTarget,omitempty"`
}

func (p *HandPose) Clone() *HandPose {
	if p == nil {
		return nil
	}
	c := *p
	if p.PointTarget != nil {
		t := *p.PointTarget
		c.PointTarget = &t
	}
	return &c
}

type VoiceState struct {
	IsSpeaking bool    `json:"isSpeaking"`
	IsMuted    bool    `json:"isMuted"`
	AudioLevel float64 `json:"audioLevel"`
}

// ClampLevel bounds an audio level to [0, 1].
func ClampLevel(level float64) float64 {
	switch {
	case level != level, level < 0:
		return 0
	case level > 1:
		return 1
	}
	return level
}

type Permissions struct {
	CanSpeak        bool `json:"canSpeak"`
	CanVote         bool `json:"canVote"`
	CanEdit         bool `json:"canEdit"`
	CanInvite       bool `json:"canInvite"`
	CanKick         bool `json:"canKick"`
	CanManageAgents bool `json:"canManageAgents"`
}

func DefaultPermissions() Permissions {
	return Permissions{CanSpeak: true, CanVote: true}
}

func HostPermissions() Permissions {
	return Permissions{
		CanSpeak:        true,
		CanVote:         true,
		CanEdit:         true,
		CanInvite:       true,
		CanKick:         true,
		CanManageAgents: true,
	}
}

// Palette holds participant colors, handed out by join order.
var Palette = []string{
	"#3B82F6",
	"#EF4444",
	"#10B981",
	"#F59E0B",
	"#8B5CF6",
	"#EC4899",
	"#14B8A6",
	"#F97316",
}

// ColorForIndex maps a join index onto the palette, wrapping around.
func ColorForIndex(i int) string {
	n := len(Palette)
	return Palette[((i%n)+n)%n]
}

type User struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	Avatar      string      `json:"avatar,omitempty"`
	Status      UserStatus  `json:"status"`
	IsHost      bool        `json:"isHost"`
	JoinedAt    time.Time   `json:"joinedAt"`
	LastSeen    time.Time   `json:"lastSeen"`
	Position    Vec3        `json:"position"`
	Rotation    Quat        `json:"rotation"`
	LeftHand    *HandPose   `json:"leftHand,omitempty"`
	RightHand   *HandPose   `json:"rightHand,omitempty"`
	Voice       VoiceState  `json:"voice"`
	Color       string      `json:"color"`
	Permissions Permissions `json:"permissions"`
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.LeftHand = u.LeftHand.Clone()
	c.RightHand = u.RightHand.Clone()
	return &c
}

// Hand returns a pointer to the slot holding the named hand.
func (u *User) Hand(h Hand) **HandPose {
	switch h {
	case HandLeft:
		return &u.LeftHand
	case HandRight:
		return &u.RightHand
	}
	return nil
}

// UserPatch carries the fields of a user-update. Nil fields are left alone.
type UserPatch struct {
	DisplayName *string      `json:"displayName,omitempty"`
	Avatar      *string      `json:"avatar,omitempty"`
	Status      *UserStatus  `json:"status,omitempty"`
	Color       *string      `json:"color,omitempty"`
	IsMuted     *bool        `json:"isMuted,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`
}

func (p UserPatch) Empty() bool {
	return p.DisplayName == nil && p.Avatar == nil && p.Status == nil &&
		p.Color == nil && p.IsMuted == nil && p.Permissions == nil
}

// Apply shallow-merges the patch into u.
func (p UserPatch) Apply(u *User) {
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.Avatar != nil {
		u.Avatar = *p.Avatar
	}
	if p.Status != nil && p.Status.Valid() {
		u.Status = *p.Status
	}
	if p.Color != nil {
		u.Color = *p.Color
	}
	if p.IsMuted != nil {
		u.Voice.IsMuted = *p.IsMuted
	}
	if p.Permissions != nil {
		u.Permissions = *p.Permissions
	}
}
