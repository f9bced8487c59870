package channel

import (
	"context"
	"sync"

	"xr-multiplayer/internal/protocol"
)

const memoryBuffer = 256

// MemoryConn is one end of an in-process pipe.
type MemoryConn struct {
	inbox  chan *protocol.Message
	peer   *MemoryConn
	closed chan struct{}
	once   *sync.Once
	reason *error
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*MemoryConn, *MemoryConn) {
	closed := make(chan struct{})
	once := &sync.Once{}
	reason := new(error)
	a := &MemoryConn{inbox: make(chan *protocol.Message, memoryBuffer), closed: closed, once: once, reason: reason}
	b := &MemoryConn{inbox: make(chan *protocol.Message, memoryBuffer), closed: closed, once: once, reason: reason}
	a.peer, b.peer = b, a
	return a, b
}

func (c *MemoryConn) WriteMessage(msg *protocol.Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.peer.inbox <- msg.Clone():
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

func (c *MemoryConn) ReadMessage() (*protocol.Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
		return nil, *c.reason
	}
}

// Close drops the pipe abruptly; the peer sees ErrConnClosed.
func (c *MemoryConn) Close() error {
	c.closeWith(ErrConnClosed)
	return nil
}

// CloseNormal closes the pipe the way a clean close frame would.
func (c *MemoryConn) CloseNormal() error {
	c.closeWith(ErrClosedByPeer)
	return nil
}

func (c *MemoryConn) closeWith(err error) {
	c.once.Do(func() {
		*c.reason = err
		close(c.closed)
	})
}

// Closed is closed once the pipe is shut.
func (c *MemoryConn) Closed() <-chan struct{} {
	return c.closed
}

// MemoryDialer hands out pipes and exposes the far ends through Accept so
// tests can play the relay.
type MemoryDialer struct {
	mu    sync.Mutex
	err   error
	dials int
	peers chan *MemoryConn
}

func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{peers: make(chan *MemoryConn, 16)}
}

func (d *MemoryDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.err
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, remote := Pipe()
	select {
	case d.peers <- remote:
	default:
		// Nobody is accepting; the pipe still works for writes from local.
	}
	return local, nil
}

// Accept returns the far end of the next dialed pipe.
func (d *MemoryDialer) Accept(ctx context.Context) (*MemoryConn, error) {
	select {
	case c := <-d.peers:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FailWith makes subsequent dials fail with err; nil restores success.
func (d *MemoryDialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
