// Package channel owns the transport lifecycle of a participant: connect,
// disconnect, liveness probing and fixed-delay reconnection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/pkg/logger"

	"github.com/benbjohnson/clock"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

var (
	ErrNotConnected       = errors.New("channel is not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrLivenessTimeout    = errors.New("liveness probe unanswered")
)

// State is the connection's observable state. It is never persisted.
type State struct {
	Status    Status
	RoomID    string
	UserID    string
	Latency   time.Duration
	LastPing  time.Time
	LastError string
}

type Config struct {
	PingInterval      time.Duration
	ReconnectAttempts int
	// ReconnectDelay is the fixed wait before every attempt.
	ReconnectDelay time.Duration
	// StrictLiveness treats a probe that finds the previous ping unanswered
	// as a dropped connection.
	StrictLiveness bool
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      5 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
		StrictLiveness:    true,
	}
}

// Handlers are invoked from the channel's goroutines. OnMessage runs on the
// read goroutine, so messages from the peer are delivered in arrival order.
type Handlers struct {
	OnMessage    func(msg *protocol.Message)
	OnError      func(err error)
	OnDisconnect func(reason string)
	OnReconnect  func()
	OnState      func(State)
	OnLatency    func(sample time.Duration)
}

type Channel struct {
	dialer   Dialer
	cfg      Config
	clock    clock.Clock
	log      *logger.Logger
	handlers Handlers

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          uint64
	done         chan struct{} // closed by Disconnect
	live         chan struct{} // closed when the current conn is detached
	awaitingPong bool
	samples      int
	wg           sync.WaitGroup
}

type Option func(*Channel)

func WithClock(c clock.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(ch *Channel) { ch.log = l }
}

func WithHandlers(h Handlers) Option {
	return func(ch *Channel) { ch.handlers = h }
}

func New(dialer Dialer, cfg Config, opts ...Option) *Channel {
	c := &Channel{
		dialer: dialer,
		cfg:    cfg,
		clock:  clock.New(),
		state:  State{Status: StatusDisconnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrGlobal(c.log)
	if c.cfg.PingInterval <= 0 {
		c.cfg.PingInterval = DefaultConfig().PingInterval
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State().Status == StatusConnected
}

// SetMembership records the room and user this connection is serving.
func (c *Channel) SetMembership(roomID, userID string) {
	c.mu.Lock()
	c.state.RoomID = roomID
	c.state.UserID = userID
	c.mu.Unlock()
	c.notifyState()
}

// Connect dials the transport. It is a no-op while already connected or
// reconnecting.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.Status {
	case StatusConnected, StatusConnecting, StatusReconnecting:
		c.mu.Unlock()
		return nil
	}
	if c.done != nil {
		close(c.done)
	}
	done := make(chan struct{})
	c.done = done
	c.state.Status = StatusConnecting
	c.state.LastError = ""
	c.mu.Unlock()
	c.notifyState()

	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if c.done != done {
		// Disconnect won the race.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrNotConnected
	}
	if err != nil {
		c.state.Status = StatusError
		c.state.LastError = err.Error()
		c.mu.Unlock()
		c.notifyState()
		c.log.Error("channel: connect failed: %v", err)
		if h := c.handlers.OnError; h != nil {
			h(err)
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.attachLocked(conn)
	c.mu.Unlock()

	c.notifyState()
	c.log.Debug("channel: connected")
	return nil
}

// Disconnect tears the connection down. It is idempotent, always ends in
// StatusDisconnected, and returns only after the liveness and reconnect
// loops have exited.
func (c *Channel) Disconnect() {
	c.disconnect("client disconnect")
}

func (c *Channel) disconnect(reason string) {
	c.mu.Lock()
	if c.done == nil && c.state.Status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state.Status == StatusConnected
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.detachLocked()
	c.gen++
	c.awaitingPong = false
	c.samples = 0
	c.state = State{Status: StatusDisconnected}
	c.mu.Unlock()

	c.wg.Wait()
	c.notifyState()
	if wasConnected {
		if h := c.handlers.OnDisconnect; h != nil {
			h(reason)
		}
	}
}

// Send writes msg to the peer. When not connected it does nothing and
// returns ErrNotConnected.
func (c *Channel) Send(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state.Status == StatusConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(msg)
}

func (c *Channel) attachLocked(conn Conn) {
	c.gen++
	gen := c.gen
	c.conn = conn
	c.live = make(chan struct{})
	c.awaitingPong = false
	c.state.Status = StatusConnected

	ticker := c.clock.Ticker(c.cfg.PingInterval)
	c.wg.Add(1)
	go c.livenessLoop(gen, ticker, c.live)
	go c.readLoop(gen, conn)
}

func (c *Channel) detachLocked() {
	if c.live != nil {
		close(c.live)
		c.live = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		switch msg.Type {
		case protocol.TypePong:
			c.recordPong(gen, msg)
			continue
		case protocol.TypePing:
			c.replyPong(conn, msg)
			continue
		}

		if h := c.handlers.OnMessage; h != nil {
			h(msg)
		}
	}
}

func (c *Channel) handleReadError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state.Status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.state.LastError = err.Error()

	if errors.Is(err, ErrClosedByPeer) {
		if c.done != nil {
			close(c.done)
			c.done = nil
		}
		c.gen++
		c.state = State{Status: StatusDisconnected, LastError: err.Error()}
		c.mu.Unlock()

		c.wg.Wait()
		c.notifyState()
		c.log.Info("channel: closed by peer: %v", err)
		if h := c.handlers.OnDisconnect; h != nil {
			h(err.Error())
		}
		return
	}

	c.log.Warn("channel: connection dropped: %v", err)
	done := c.done
	c.state.Status = StatusReconnecting
	c.wg.Add(1)
	c.mu.Unlock()
	c.notifyState()

	go func() {
		fire := c.reconnect(done, err)
		c.wg.Done()
		if fire != nil {
			fire()
		}
	}()
}

// reconnect retries the dial ReconnectAttempts times, waiting the fixed
// ReconnectDelay before each attempt. It returns the callback to fire once
// the goroutine is no longer tracked by wg.
func (c *Channel) reconnect(done chan struct{}, cause error) func() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	lastErr := cause
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-done:
			return nil
		case <-c.clock.After(c.cfg.ReconnectDelay):
		}

		c.log.Info("channel: reconnect attempt %d/%d", attempt, c.cfg.ReconnectAttempts)
		conn, err := c.dialer.Dial(ctx)

		c.mu.Lock()
		if c.done != done {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return nil
		}
		if err == nil {
			c.attachLocked(conn)
			c.mu.Unlock()
			c.notifyState()
			c.log.Info("channel: reconnected")
			return c.handlers.OnReconnect
		}
		lastErr = err
		c.state.LastError = err.Error()
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.done != done {
		c.mu.Unlock()
		return nil
	}
	c.state.Status = StatusError
	c.mu.Unlock()
	c.notifyState()

	failure := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.cfg.ReconnectAttempts, lastErr)
	c.log.Error("channel: %v", failure)
	return func() {
		if h := c.handlers.OnError; h != nil {
			h(failure)
		}
	}
}

func (c *Channel) livenessLoop(gen uint64, ticker *clock.Ticker, live <-chan struct{}) {
	defer c.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-live:
			return
		case <-ticker.C:
			c.probe(gen)
		}
	}
}

func (c *Channel) probe(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if c.awaitingPong && c.cfg.StrictLiveness {
		c.state.LastError = ErrLivenessTimeout.Error()
		c.mu.Unlock()
		c.log.Warn("channel: %v", ErrLivenessTimeout)
		// The read loop sees the closed conn and starts reconnecting.
		_ = conn.Close()
		return
	}
	now := c.clock.Now()
	c.awaitingPong = true
	c.state.LastPing = now
	roomID, userID := c.state.RoomID, c.state.UserID
	c.mu.Unlock()

	msg, err := protocol.New(protocol.TypePing, roomID, userID, protocol.PingPayload{SentAt: now.UnixMilli()})
	if err != nil {
		return
	}
	msg.Timestamp = now.UnixMilli()
	if err := conn.WriteMessage(msg); err != nil {
		c.log.Debug("channel: ping failed: %v", err)
	}
}

func (c *Channel) recordPong(gen uint64, msg *protocol.Message) {
	var p protocol.PongPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	sample := c.clock.Now().Sub(time.UnixMilli(p.SentAt))
	if sample < 0 {
		sample = 0
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.awaitingPong = false
	if c.samples == 0 {
		c.state.Latency = sample
	} else {
		// Exponential moving average, alpha = 1/4.
		c.state.Latency = (c.state.Latency*3 + sample) / 4
	}
	c.samples++
	c.mu.Unlock()

	if h := c.handlers.OnLatency; h != nil {
		h(sample)
	}
}

func (c *Channel) replyPong(conn Conn, ping *protocol.Message) {
	var p protocol.PingPayload
	if err := ping.Decode(&p); err != nil {
		return
	}
	pong, err := protocol.New(protocol.TypePong, ping.RoomID, "", protocol.PongPayload{SentAt: p.SentAt})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(pong)
}

func (c *Channel) notifyState() {
	if h := c.handlers.OnState; h != nil {
		h(c.State())
	}
}
