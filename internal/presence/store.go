// Package presence holds the live state of everyone in the current room.
//
// The confirmed state is written only by a Dispatcher applying sync
// messages. The local participant's own unconfirmed input lives in a
// separate pending overlay that is merged over the confirmed entry on read
// and dropped once the matching message comes back from the relay.
package presence

import (
	"sync"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/protocol"
)

// Reader is the read-only view handed to consumers such as renderers.
type Reader interface {
	LocalID() string
	Room() (*models.Room, bool)
	User(id string) (models.User, bool)
	Users() []models.User
	Target(id string) (Transform, bool)
}

// Transform is the latest dispatched pose of a participant.
type Transform struct {
	Position models.Vec3
	Rotation models.Quat
}

type seqKey struct {
	userID string
	typ    protocol.MessageType
}

type pendingPosition struct {
	position models.Vec3
	rotation models.Quat
	seq      uint64
}

type pendingHand struct {
	pose *models.HandPose
	seq  uint64
}

type pendingVoice struct {
	speaking bool
	level    float64
	seq      uint64
}

type overlay struct {
	position *pendingPosition
	hands    map[models.Hand]*pendingHand
	voice    *pendingVoice
}

type Store struct {
	mu      sync.RWMutex
	localID string
	room    *models.Room
	lastSeq map[seqKey]uint64
	pending overlay
}

// NewStore creates an empty store. localID names the participant whose
// writes are staged optimistically; it may be empty on the relay.
func NewStore(localID string) *Store {
	return &Store{
		localID: localID,
		lastSeq: make(map[seqKey]uint64),
		pending: overlay{hands: make(map[models.Hand]*pendingHand)},
	}
}

func (s *Store) LocalID() string {
	return s.localID
}

// Room returns a copy of the room with the local overlay applied.
func (s *Store) Room() (*models.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.room == nil {
		return nil, false
	}
	room := s.room.Clone()
	if u, ok := room.Users[s.localID]; ok {
		s.applyOverlay(u)
	}
	return room, true
}

// Confirmed returns a copy of the room as last dispatched, without any
// pending local writes.
func (s *Store) Confirmed() (*models.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.room == nil {
		return nil, false
	}
	return s.room.Clone(), true
}

func (s *Store) User(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.room == nil {
		return models.User{}, false
	}
	u, ok := s.room.Users[id]
	if !ok {
		return models.User{}, false
	}
	c := u.Clone()
	if id == s.localID {
		s.applyOverlay(c)
	}
	return *c, true
}

// Users returns every member ordered by join time.
func (s *Store) Users() []models.User {
	room, ok := s.Room()
	if !ok {
		return nil
	}
	return room.SortedUsers()
}

// Target returns the most recently dispatched transform for id.
func (s *Store) Target(id string) (Transform, bool) {
	u, ok := s.User(id)
	if !ok {
		return Transform{}, false
	}
	return Transform{Position: u.Position, Rotation: u.Rotation}, true
}

// StagePosition records an unconfirmed local pose.
func (s *Store) StagePosition(position models.Vec3, rotation models.Quat, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.position = &pendingPosition{position: position, rotation: rotation.Normalize(), seq: seq}
}

// StageHand records an unconfirmed local hand pose; a nil pose means the
// hand is no longer tracked.
func (s *Store) StageHand(hand models.Hand, pose *models.HandPose, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.hands[hand] = &pendingHand{pose: pose.Clone(), seq: seq}
}

func (s *Store) StageVoice(speaking bool, level float64, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.voice = &pendingVoice{speaking: speaking, level: models.ClampLevel(level), seq: seq}
}

// HasPending reports whether any local write is still unconfirmed.
func (s *Store) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.position != nil || s.pending.voice != nil || len(s.pending.hands) > 0
}

func (s *Store) applyOverlay(u *models.User) {
	if p := s.pending.position; p != nil {
		u.Position = p.position
		u.Rotation = p.rotation
	}
	for hand, p := range s.pending.hands {
		if slot := u.Hand(hand); slot != nil {
			*slot = p.pose.Clone()
		}
	}
	if v := s.pending.voice; v != nil {
		u.Voice.IsSpeaking = v.speaking
		u.Voice.AudioLevel = v.level
	}
}

// The helpers below are called with mu held by the Dispatcher.

func (s *Store) isStale(userID string, t protocol.MessageType, seq uint64) bool {
	if seq == 0 {
		return false
	}
	return seq <= s.lastSeq[seqKey{userID, t}]
}

func (s *Store) recordSeq(userID string, t protocol.MessageType, seq uint64) {
	if seq == 0 {
		return
	}
	s.lastSeq[seqKey{userID, t}] = seq
}

func (s *Store) forgetSeq(userID string) {
	for k := range s.lastSeq {
		if k.userID == userID {
			delete(s.lastSeq, k)
		}
	}
}

func (s *Store) clearOverlay() {
	s.pending = overlay{hands: make(map[models.Hand]*pendingHand)}
}

// reconcile drops overlay entries confirmed by an echoed local message.
func (s *Store) reconcile(t protocol.MessageType, hands []models.Hand, seq uint64) {
	if seq == 0 {
		return
	}
	switch t {
	case protocol.TypePosition:
		if p := s.pending.position; p != nil && seq >= p.seq {
			s.pending.position = nil
		}
	case protocol.TypeHand:
		for _, h := range hands {
			if p, ok := s.pending.hands[h]; ok && seq >= p.seq {
				delete(s.pending.hands, h)
			}
		}
	case protocol.TypeVoice:
		if v := s.pending.voice; v != nil && seq >= v.seq {
			s.pending.voice = nil
		}
	}
}
