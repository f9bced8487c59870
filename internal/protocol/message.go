// Package protocol defines the closed set of synchronization messages that
// travel between participants and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"xr-multiplayer/internal/models"
)

type MessageType string

const (
	TypeJoin          MessageType = "join"
	TypeLeave         MessageType = "leave"
	TypeUserUpdate    MessageType = "user-update"
	TypePosition      MessageType = "position-update"
	TypeHand          MessageType = "hand-update"
	TypeVoice         MessageType = "voice-state"
	TypeCursor        MessageType = "cursor-move"
	TypeNavigate      MessageType = "navigate"
	TypeMeetingAction MessageType = "meeting-action"
	TypeDecisionVote  MessageType = "decision-vote"
	TypeReaction      MessageType = "reaction"
	TypeChat          MessageType = "chat"
	TypeRoomUpdate    MessageType = "room-update"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
	// TypeRejected is only ever sent by the relay.
	TypeRejected MessageType = "rejected"
)

var (
	ErrUnknownType      = errors.New("unknown message type")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Types lists every member of the union.
var Types = []MessageType{
	TypeJoin, TypeLeave, TypeUserUpdate, TypePosition, TypeHand, TypeVoice,
	TypeCursor, TypeNavigate, TypeMeetingAction, TypeDecisionVote, TypeReaction,
	TypeChat, TypeRoomUpdate, TypePing, TypePong, TypeRejected,
}

func (t MessageType) Known() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeUserUpdate, TypePosition, TypeHand, TypeVoice,
		TypeCursor, TypeNavigate, TypeMeetingAction, TypeDecisionVote, TypeReaction,
		TypeChat, TypeRoomUpdate, TypePing, TypePong, TypeRejected:
		return true
	}
	return false
}

// Continuous reports whether t carries high-frequency state that goes
// through the update scheduler.
func (t MessageType) Continuous() bool {
	return t == TypePosition || t == TypeHand || t == TypeVoice
}

// Sequenced reports whether t carries a per-sender sequence number.
func (t MessageType) Sequenced() bool {
	return t.Continuous() || t == TypeUserUpdate
}

// Event reports whether t is a discrete room event that is surfaced to
// listeners rather than stored.
func (t MessageType) Event() bool {
	switch t {
	case TypeCursor, TypeNavigate, TypeMeetingAction, TypeDecisionVote, TypeReaction, TypeChat:
		return true
	}
	return false
}

// Message is the envelope every sync message travels in.
type Message struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with payload encoded as JSON.
func New(t MessageType, roomID, senderID string, payload any) (*Message, error) {
	msg := &Message{
		Type:      t,
		RoomID:    roomID,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Clone copies the envelope. The payload bytes are shared since they are
// never mutated after construction.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// Time returns the sender timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedPayload, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, m.Type, err)
	}
	return nil
}

type JoinPayload struct {
	User models.User `json:"user"`
}

type LeavePayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
	// KickedBy is set when the leave was forced by the host.
	KickedBy string `json:"kickedBy,omitempty"`
}

type UserUpdatePayload struct {
	UserID string           `json:"userId"`
	Patch  models.UserPatch `json:"patch"`
}

type PositionPayload struct {
	UserID   string      `json:"userId"`
	Position models.Vec3 `json:"position"`
	Rotation models.Quat `json:"rotation"`
}

type HandPayload struct {
	UserID  string           `json:"userId"`
	Left    *models.HandPose `json:"left,omitempty"`
	Right   *models.HandPose `json:"right,omitempty"`
	Cleared []models.Hand    `json:"cleared,omitempty"`
}

type VoicePayload struct {
	UserID     string  `json:"userId"`
	IsSpeaking bool    `json:"isSpeaking"`
	AudioLevel float64 `json:"audioLevel"`
}

type CursorPayload struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Target string  `json:"target,omitempty"`
}

type NavigatePayload struct {
	UserID string `json:"userId"`
	Path   string `json:"path"`
}

type MeetingActionPayload struct {
	UserID string         `json:"userId"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

type DecisionVotePayload struct {
	UserID     string `json:"userId"`
	DecisionID string `json:"decisionId"`
	Vote       string `json:"vote"`
}

type ReactionPayload struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

type ChatPayload struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// RoomUpdatePayload carries either a full snapshot or a patch.
type RoomUpdatePayload struct {
	Room  *models.Room     `json:"room,omitempty"`
	Patch models.RoomPatch `json:"patch"`
}

type PingPayload struct {
	SentAt int64 `json:"sentAt"`
}

// PongPayload echoes the ping's SentAt so the prober can compute a round trip.
type PongPayload struct {
	SentAt int64 `json:"sentAt"`
}

type RejectCode string

const (
	RejectRoomNotFound RejectCode = "room_not_found"
	RejectRoomFull     RejectCode = "room_full"
	RejectRoomClosed   RejectCode = "room_closed"
	RejectNotHost      RejectCode = "not_host"
	RejectForbidden    RejectCode = "forbidden"
	RejectInvalid      RejectCode = "invalid"
	RejectRateLimited  RejectCode = "rate_limited"
)

type RejectedPayload struct {
	Ref    MessageType `json:"ref"`
	Code   RejectCode  `json:"code"`
	Reason string      `json:"reason,omitempty"`
}

// SubjectID returns the user a payload is about, for the message kinds that
// carry one.
func SubjectID(m *Message) (string, error) {
	var subject struct {
		UserID string       `json:"userId"`
		User   *models.User `json:"user"`
	}
	if err := m.Decode(&subject); err != nil {
		return "", err
	}
	if subject.User != nil {
		return subject.User.ID, nil
	}
	return subject.UserID, nil
}
