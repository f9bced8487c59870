package channel

import (
	"context"
	"errors"

	"xr-multiplayer/internal/protocol"
)

var (
	// ErrConnClosed is returned by a Conn after Close or an abrupt drop.
	ErrConnClosed = errors.New("connection closed")
	// ErrClosedByPeer means the remote end closed the session cleanly; the
	// channel does not try to reconnect after it.
	ErrClosedByPeer = errors.New("connection closed by peer")
)

// Conn is one established message stream. ReadMessage is called from a
// single goroutine; WriteMessage may be called concurrently.
type Conn interface {
	WriteMessage(msg *protocol.Message) error
	ReadMessage() (*protocol.Message, error)
	Close() error
}

// Dialer establishes connections. The channel calls it for the first
// connect and for every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
