// Package scheduler throttles high-frequency local state before it reaches
// the connection. Each channel keeps a single pending slot that later writes
// overwrite; a ticker per channel drains the slot at most once per interval.
package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/pkg/logger"

	"github.com/benbjohnson/clock"
)

type Channel int

const (
	ChannelPosition Channel = iota
	ChannelHand
	ChannelVoice
)

func (c Channel) String() string {
	switch c {
	case ChannelPosition:
		return "position"
	case ChannelHand:
		return "hand"
	case ChannelVoice:
		return "voice"
	}
	return "unknown"
}

var ErrInvalidRate = errors.New("update rate must be positive")

// Sender delivers a built message, normally a channel.Channel.
type Sender interface {
	Send(msg *protocol.Message) error
}

// Envelope wraps a payload into a message addressed to the current room.
// Returning a nil message skips the send (e.g. not in a room).
type Envelope func(t protocol.MessageType, seq uint64, payload any) (*protocol.Message, error)

type Config struct {
	PositionUpdateRate time.Duration
	HandUpdateRate     time.Duration
	VoiceUpdateRate    time.Duration
}

func (c Config) rate(ch Channel) time.Duration {
	switch ch {
	case ChannelPosition:
		return c.PositionUpdateRate
	case ChannelHand:
		return c.HandUpdateRate
	}
	return c.VoiceUpdateRate
}

type pending[T any] struct {
	payload T
	seq     uint64
}

// slot is a single-producer/single-consumer mailbox of depth one.
type slot[T any] struct {
	p atomic.Pointer[pending[T]]
}

func (s *slot[T]) put(v *pending[T]) {
	s.p.Store(v)
}

func (s *slot[T]) take() *pending[T] {
	return s.p.Swap(nil)
}

type Scheduler struct {
	cfg      Config
	clock    clock.Clock
	sender   Sender
	envelope Envelope
	log      *logger.Logger

	position slot[protocol.PositionPayload]
	hand     slot[protocol.HandPayload]
	voice    slot[protocol.VoicePayload]

	sent [3]atomic.Uint64

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func New(cfg Config, sender Sender, envelope Envelope, opts ...Option) (*Scheduler, error) {
	for _, ch := range []Channel{ChannelPosition, ChannelHand, ChannelVoice} {
		if cfg.rate(ch) <= 0 {
			return nil, ErrInvalidRate
		}
	}
	s := &Scheduler{
		cfg:      cfg,
		clock:    clock.New(),
		sender:   sender,
		envelope: envelope,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrGlobal(s.log)
	return s, nil
}

// QueuePosition replaces any unsent pose. It never blocks.
func (s *Scheduler) QueuePosition(p protocol.PositionPayload, seq uint64) {
	s.position.put(&pending[protocol.PositionPayload]{payload: p, seq: seq})
}

// QueueHand merges p into the pending hand update so that one message per
// tick carries the latest pose of both hands.
func (s *Scheduler) QueueHand(p protocol.HandPayload, seq uint64) {
	for {
		old := s.hand.p.Load()
		next := &pending[protocol.HandPayload]{payload: p, seq: seq}
		if old != nil {
			next.payload = mergeHands(old.payload, p)
		}
		if s.hand.p.CompareAndSwap(old, next) {
			return
		}
	}
}

func mergeHands(old, p protocol.HandPayload) protocol.HandPayload {
	merged := protocol.HandPayload{UserID: p.UserID, Left: old.Left, Right: old.Right}
	cleared := map[models.Hand]bool{}
	for _, h := range old.Cleared {
		cleared[h] = true
	}
	if p.Left != nil {
		merged.Left = p.Left
		delete(cleared, models.HandLeft)
	}
	if p.Right != nil {
		merged.Right = p.Right
		delete(cleared, models.HandRight)
	}
	for _, h := range p.Cleared {
		cleared[h] = true
		switch h {
		case models.HandLeft:
			merged.Left = nil
		case models.HandRight:
			merged.Right = nil
		}
	}
	for _, h := range []models.Hand{models.HandLeft, models.HandRight} {
		if cleared[h] {
			merged.Cleared = append(merged.Cleared, h)
		}
	}
	return merged
}

func (s *Scheduler) QueueVoice(p protocol.VoicePayload, seq uint64) {
	s.voice.put(&pending[protocol.VoicePayload]{payload: p, seq: seq})
}

// Tick drains one channel's slot and sends it. It reports whether a message
// went out; an empty slot sends nothing.
func (s *Scheduler) Tick(ch Channel) bool {
	var (
		typ     protocol.MessageType
		payload any
		seq     uint64
	)
	switch ch {
	case ChannelPosition:
		p := s.position.take()
		if p == nil {
			return false
		}
		typ, payload, seq = protocol.TypePosition, p.payload, p.seq
	case ChannelHand:
		p := s.hand.take()
		if p == nil {
			return false
		}
		typ, payload, seq = protocol.TypeHand, p.payload, p.seq
	case ChannelVoice:
		p := s.voice.take()
		if p == nil {
			return false
		}
		typ, payload, seq = protocol.TypeVoice, p.payload, p.seq
	default:
		return false
	}

	msg, err := s.envelope(typ, seq, payload)
	if err != nil {
		s.log.Error("scheduler: build %s message: %v", typ, err)
		return false
	}
	if msg == nil {
		return false
	}
	if err := s.sender.Send(msg); err != nil {
		s.log.Debug("scheduler: send %s: %v", typ, err)
		return false
	}
	s.sent[ch].Add(1)
	return true
}

// Sent returns how many messages a channel has emitted.
func (s *Scheduler) Sent(ch Channel) uint64 {
	return s.sent[ch].Load()
}

// Start begins periodic draining. Tickers are created before Start returns.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	for _, ch := range []Channel{ChannelPosition, ChannelHand, ChannelVoice} {
		ticker := s.clock.Ticker(s.cfg.rate(ch))
		s.wg.Add(1)
		go s.run(ch, ticker, s.stop)
	}
}

func (s *Scheduler) run(ch Channel, ticker *clock.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(ch)
		}
	}
}

// Stop cancels every ticker and waits for the drain loops to exit, then
// discards unsent state. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.Discard()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.Discard()
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Discard drops all pending slots.
func (s *Scheduler) Discard() {
	s.position.take()
	s.hand.take()
	s.voice.take()
}
