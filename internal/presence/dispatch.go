package presence

import (
	"errors"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/protocol"

	"github.com/benbjohnson/clock"
)

type Outcome int

const (
	// Applied means the store changed (or the event was accepted).
	Applied Outcome = iota
	// Ignored means the message was valid but had nothing to act on.
	Ignored
	// Stale means a newer message from the same sender was already applied.
	Stale
	// Rejected means the message was well formed but violated a room rule.
	Rejected
	// Dropped means the message was malformed, unknown or for another room.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func result(o Outcome, reason string) Result {
	return Result{Outcome: o, Reason: reason}
}

// Observer sees the outcome of every dispatched message.
type Observer func(msg *protocol.Message, res Result)

// Dispatcher is the only writer of a Store's confirmed state.
type Dispatcher struct {
	store    *Store
	clock    clock.Clock
	observer Observer
}

type DispatcherOption func(*Dispatcher)

func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

func NewDispatcher(store *Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{store: store, clock: clock.New()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Store() *Store {
	return d.store
}

// Dispatch applies msg to the store. It is total over the message union:
// anything it cannot apply is reported in the result and leaves the store
// untouched.
func (d *Dispatcher) Dispatch(msg *protocol.Message) Result {
	var res Result
	if msg == nil {
		return result(Dropped, "nil message")
	}
	if !msg.Type.Known() {
		res = result(Dropped, "unknown type")
	} else {
		d.store.mu.Lock()
		res = d.apply(msg)
		d.store.mu.Unlock()
	}
	if d.observer != nil {
		d.observer(msg, res)
	}
	return res
}

// Reset clears the room, sequence history and pending overlay.
func (d *Dispatcher) Reset() {
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = nil
	s.lastSeq = make(map[seqKey]uint64)
	s.clearOverlay()
}

func (d *Dispatcher) apply(msg *protocol.Message) Result {
	switch msg.Type {
	case protocol.TypePing, protocol.TypePong, protocol.TypeRejected:
		return result(Ignored, "transport message")
	case protocol.TypeRoomUpdate:
		return d.applyRoomUpdate(msg)
	}

	room := d.store.room
	if room == nil {
		return result(Dropped, "not in a room")
	}
	if !addressedTo(room, msg) {
		return result(Dropped, "wrong room")
	}

	switch msg.Type {
	case protocol.TypeJoin:
		return d.applyJoin(room, msg)
	case protocol.TypeLeave:
		return d.applyLeave(room, msg)
	case protocol.TypeUserUpdate:
		return d.applyUserUpdate(room, msg)
	case protocol.TypePosition:
		return d.applyPosition(room, msg)
	case protocol.TypeHand:
		return d.applyHand(room, msg)
	case protocol.TypeVoice:
		return d.applyVoice(room, msg)
	case protocol.TypeCursor, protocol.TypeNavigate, protocol.TypeMeetingAction,
		protocol.TypeDecisionVote, protocol.TypeReaction, protocol.TypeChat:
		return d.applyEvent(room, msg)
	}
	return result(Dropped, "unhandled type")
}

func addressedTo(room *models.Room, msg *protocol.Message) bool {
	return msg.RoomID == "" || msg.RoomID == room.ID || msg.RoomID == room.Code
}

func malformed(err error) Result {
	return Result{Outcome: Dropped, Reason: "malformed payload", Err: err}
}

func (d *Dispatcher) applyJoin(room *models.Room, msg *protocol.Message) Result {
	var p protocol.JoinPayload
	if err := msg.Decode(&p); err != nil {
		return malformed(err)
	}
	u := p.User
	if u.ID == "" || !u.Position.IsFinite() || !u.Rotation.IsFinite() {
		return result(Dropped, "invalid user")
	}

	now := d.clock.Now()
	u.Rotation = u.Rotation.Normalize()
	if !u.Status.Valid() {
		u.Status = models.UserStatusActive
	}
	if u.JoinedAt.IsZero() {
		u.JoinedAt = now
	}
	u.LastSeen = now
	if u.Color == "" {
		u.Color = models.ColorForIndex(len(room.Users))
	}
	u.Voice.AudioLevel = models.ClampLevel(u.Voice.AudioLevel)

	if err := room.Admit(&u); err != nil {
		if errors.Is(err, models.ErrRoomFull) {
			return Result{Outcome: Rejected, Reason: "room full", Err: err}
		}
		return Result{Outcome: Rejected, Reason: err.Error(), Err: err}
	}
	if u.IsHost {
		u.Permissions = models.HostPermissions()
	}
	d.store.forgetSeq(u.ID)
	return result(Applied, "")
}

func (d *Dispatcher) applyLeave(room *models.Room, msg *protocol.Message) Result {
	var p protocol.LeavePayload
	if err := msg.Decode(&p); err != nil {
		return malformed(err)
	}
	if !room.Remove(p.UserID) {
		return result(Ignored, "user absent")
	}
	d.store.forgetSeq(p.UserID)
	if p.UserID == d.store.localID {
		d.store.clearOverlay()
	}
	return result(Applied, "")
}

func (d *Dispatcher) applyUserUpdate(room *models.Room, msg *protocol.Message) Result {
	var p protocol.UserUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return malformed(err)
	}
	u, ok := room.Users[p.UserID]
	if !ok {
		return result(Ignored, "user absent")
	}
	if d.store.isStale(p.UserID, msg.Type, msg.Seq) {
		return result(Stale, "")
	}
	p.Patch.Apply(u)
	u.LastSeen = d.clock.Now()
	d.store.recordSeq(p.UserID, msg.Type, msg.Seq)
	return result(Applied, "")
}

func (d *Dispatcher) applyPosition(room *models.Room, msg *protocol.Message) Result {
	var p protocol.PositionPayload
	if err := msg.Decode(&p); err != nil {
		return malformed(err)
	}
	if !p.Position.IsFinite() || !p.Rotation.IsFinite() {
		return result(Dropped, "non-finite transform")
	}
	u, ok := room.Users[p.UserID]
	if !ok {
		return result(Ignored, "user absent")
	}
	if d.store.isStale(p.UserID, msg.Type, msg.Seq) {
		return result(Stale, "")
	}
	u.Position = p.Position
	u.Rotation = p.Rotation.Normalize()
	u.LastSeen = d.clock.Now()
	d.store.recordSeq(p.UserID, msg.Type, msg.Seq)
	if p.UserID == d.store.localID {
		d.store.reconcile(msg.Type, nil, msg.Seq)
	}
	return result(Applied, "")
}

func (d *Dispatcher) applyHand(room *models.Room, msg *protocol.Message) Result {
	var p protocol.HandPayload
	if err := msg.Decode(&p); err != nil {
		return malformed(err)
	}
	if !room.Settings.HandTrackingEnabled {
		return result(Ignored, "hand tracking disabled")
	}
	u, ok := room.Users[p.UserID]
	if !ok {
		return result(Ignored, "user absent")
	}
	if d.store.isStale(p.UserID, msg.Type, msg.Seq) {
		return result(Stale, "")
	}

	var touched []models.Hand
	if p.Left != nil {
		u.LeftHand = p.Left.Clone()
		touched = append(touched, models.HandLeft)
	}
	if p.Right != nil {
		u.RightHand = p.Right.Clone()
		touched = append(touched, models.HandRight)
	}
	for _, h := range p.Cleared {
		if slot := u.Hand(h); slot != nil {
			*slot = nil
			touched = append(touched, h)
		}
	}
	if len(touched) == 0 {
		return result(Ignored, "no hands in payload")
	}
	u.LastSeen = d.clock.Now()
	d.store.recordSeq(p.UserID, msg.Type, msg.Seq)
	if p.UserID == d.store.localID {
		d.store.reconcile(msg.Type, touched, msg.Seq)
	}
	return result(Applied, "")
}

func (d *Dispatcher) applyVoice(room *models.Room, msg *protocol.Message) Result {
	var p protocol.VoicePayload
	if err := msg.Decode(&p); err != nil {
		return malformed(err)
	}
	if !room.Settings.VoiceEnabled {
		return result(Ignored, "voice disabled")
	}
	u, ok := room.Users[p.UserID]
	if !ok {
		return result(Ignored, "user absent")
	}
	if d.store.isStale(p.UserID, msg.Type, msg.Seq) {
		return result(Stale, "")
	}
	u.Voice.IsSpeaking = p.IsSpeaking
	u.Voice.AudioLevel = models.ClampLevel(p.AudioLevel)
	u.LastSeen = d.clock.Now()
	d.store.recordSeq(p.UserID, msg.Type, msg.Seq)
	if p.UserID == d.store.localID {
		d.store.reconcile(msg.Type, nil, msg.Seq)
	}
	return result(Applied, "")
}

// applyEvent handles discrete events. They are not stored; they only mark
// the sender as seen and are surfaced to listeners by the caller.
func (d *Dispatcher) applyEvent(room *models.Room, msg *protocol.Message) Result {
	userID, err := protocol.SubjectID(msg)
	if err != nil {
		return malformed(err)
	}
	switch msg.Type {
	case protocol.TypeCursor:
		if !room.Settings.SyncCursors {
			return result(Ignored, "cursor sync disabled")
		}
	case protocol.TypeNavigate:
		if !room.Settings.SyncNavigation {
			return result(Ignored, "navigation sync disabled")
		}
	case protocol.TypeDecisionVote:
		if !room.Settings.SyncDecisions {
			return result(Ignored, "decision sync disabled")
		}
	}
	u, ok := room.Users[userID]
	if !ok {
		return result(Ignored, "user absent")
	}
	u.LastSeen = d.clock.Now()
	return result(Applied, "")
}

func (d *Dispatcher) applyRoomUpdate(msg *protocol.Message) Result {
	var p protocol.RoomUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return malformed(err)
	}

	if p.Room != nil {
		return d.installSnapshot(p.Room)
	}

	room := d.store.room
	if room == nil {
		return result(Dropped, "not in a room")
	}
	if !addressedTo(room, msg) {
		return result(Dropped, "wrong room")
	}
	if p.Patch.Empty() {
		return result(Ignored, "empty patch")
	}
	if err := p.Patch.Apply(room); err != nil {
		return Result{Outcome: Rejected, Reason: err.Error(), Err: err}
	}
	return result(Applied, "")
}

func (d *Dispatcher) installSnapshot(snapshot *models.Room) Result {
	if snapshot.Users == nil {
		snapshot.Users = make(map[string]*models.User)
	}
	if err := snapshot.Validate(); err != nil {
		return Result{Outcome: Dropped, Reason: "invalid snapshot", Err: err}
	}
	if cur := d.store.room; cur != nil && cur.ID != snapshot.ID {
		return result(Dropped, "wrong room")
	}

	room := snapshot.Clone()
	for id, u := range room.Users {
		u.IsHost = id == room.HostID
		u.Rotation = u.Rotation.Normalize()
	}
	for k := range d.store.lastSeq {
		if _, ok := room.Users[k.userID]; !ok {
			delete(d.store.lastSeq, k)
		}
	}
	d.store.room = room
	return result(Applied, "")
}
