package session

import (
	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/protocol"
)

// UpdatePosition stages the local pose and queues it for the next position
// tick. Only the latest pose per tick is sent.
func (s *Session) UpdatePosition(position models.Vec3, rotation models.Quat) error {
	if s.RoomID() == "" {
		return ErrNotInRoom
	}
	if !position.IsFinite() || !rotation.IsFinite() {
		return ErrInvalidRequest
	}
	rotation = rotation.Normalize()
	seq := s.nextSeq()
	s.store.StagePosition(position, rotation, seq)
	s.sched.QueuePosition(protocol.PositionPayload{
		UserID:   s.ident.UserID,
		Position: position,
		Rotation: rotation,
	}, seq)
	return nil
}

// UpdateHand stages one hand. A nil pose marks the hand as no longer
// tracked.
func (s *Session) UpdateHand(hand models.Hand, pose *models.HandPose) error {
	room, ok := s.store.Confirmed()
	if !ok || s.RoomID() == "" {
		return ErrNotInRoom
	}
	if !room.Settings.HandTrackingEnabled {
		return ErrSyncDisabled
	}

	payload := protocol.HandPayload{UserID: s.ident.UserID}
	switch hand {
	case models.HandLeft:
		payload.Left = pose.Clone()
	case models.HandRight:
		payload.Right = pose.Clone()
	default:
		return ErrInvalidRequest
	}
	if pose == nil {
		payload.Cleared = []models.Hand{hand}
	}

	seq := s.nextSeq()
	s.store.StageHand(hand, pose, seq)
	s.sched.QueueHand(payload, seq)
	return nil
}

// UpdateVoice stages the speaking flag and level. Muted participants always
// report silence.
func (s *Session) UpdateVoice(speaking bool, level float64) error {
	room, ok := s.store.Confirmed()
	if !ok || s.RoomID() == "" {
		return ErrNotInRoom
	}
	if !room.Settings.VoiceEnabled {
		return ErrSyncDisabled
	}
	if u, ok := room.Users[s.ident.UserID]; ok && u.Voice.IsMuted {
		speaking, level = false, 0
	}
	level = models.ClampLevel(level)

	seq := s.nextSeq()
	s.store.StageVoice(speaking, level, seq)
	s.sched.QueueVoice(protocol.VoicePayload{
		UserID:     s.ident.UserID,
		IsSpeaking: speaking,
		AudioLevel: level,
	}, seq)
	return nil
}

// SetMuted is sent immediately as a user-update.
func (s *Session) SetMuted(muted bool) error {
	return s.UpdateProfile(models.UserPatch{IsMuted: &muted})
}

// UpdateProfile sends a user-update for the local participant. Permission
// changes are not accepted this way.
func (s *Session) UpdateProfile(patch models.UserPatch) error {
	if patch.Permissions != nil || patch.Empty() {
		return ErrInvalidRequest
	}
	return s.send(protocol.TypeUserUpdate, s.nextSeq(), protocol.UserUpdatePayload{
		UserID: s.ident.UserID,
		Patch:  patch,
	})
}

// Discrete events bypass the scheduler and go out at once.

func (s *Session) SendChat(text string) error {
	if text == "" {
		return ErrInvalidRequest
	}
	return s.send(protocol.TypeChat, 0, protocol.ChatPayload{UserID: s.ident.UserID, Text: text})
}

func (s *Session) SendReaction(emoji string) error {
	if emoji == "" {
		return ErrInvalidRequest
	}
	return s.send(protocol.TypeReaction, 0, protocol.ReactionPayload{UserID: s.ident.UserID, Emoji: emoji})
}

func (s *Session) MoveCursor(x, y float64, target string) error {
	if _, err := s.gate(func(st models.RoomSettings) bool { return st.SyncCursors }); err != nil {
		return err
	}
	return s.send(protocol.TypeCursor, 0, protocol.CursorPayload{UserID: s.ident.UserID, X: x, Y: y, Target: target})
}

func (s *Session) Navigate(path string) error {
	if _, err := s.gate(func(st models.RoomSettings) bool { return st.SyncNavigation }); err != nil {
		return err
	}
	return s.send(protocol.TypeNavigate, 0, protocol.NavigatePayload{UserID: s.ident.UserID, Path: path})
}

func (s *Session) MeetingAction(action string, data map[string]any) error {
	if action == "" {
		return ErrInvalidRequest
	}
	return s.send(protocol.TypeMeetingAction, 0, protocol.MeetingActionPayload{UserID: s.ident.UserID, Action: action, Data: data})
}

func (s *Session) Vote(decisionID, vote string) error {
	room, err := s.gate(func(st models.RoomSettings) bool { return st.SyncDecisions })
	if err != nil {
		return err
	}
	if u, ok := room.Users[s.ident.UserID]; !ok || !u.Permissions.CanVote {
		return ErrNotPermitted
	}
	return s.send(protocol.TypeDecisionVote, 0, protocol.DecisionVotePayload{UserID: s.ident.UserID, DecisionID: decisionID, Vote: vote})
}

// gate returns a snapshot of the confirmed room when the feature enabled
// reports is on. The store may reset right after; use the snapshot.
func (s *Session) gate(enabled func(models.RoomSettings) bool) (*models.Room, error) {
	room, ok := s.store.Confirmed()
	if !ok || s.RoomID() == "" {
		return nil, ErrNotInRoom
	}
	if !enabled(room.Settings) {
		return nil, ErrSyncDisabled
	}
	return room, nil
}
