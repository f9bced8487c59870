package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"xr-multiplayer/internal/protocol"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketDialer connects to the relay's /ws endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(protocol.MaxMessageSize)
	return NewWebSocketConn(conn), nil
}

// WebSocketConn frames one protocol message per text frame.
type WebSocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

func (c *WebSocketConn) WriteMessage(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return mapCloseError(err)
	}
	return nil
}

// ReadMessage returns the next decodable message. Frames that fail to
// decode are skipped.
func (c *WebSocketConn) ReadMessage() (*protocol.Message, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, mapCloseError(err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		return msg, nil
	}
}

func (c *WebSocketConn) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func mapCloseError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			return fmt.Errorf("%w: %s", ErrClosedByPeer, closeErr.Text)
		}
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %v", ErrConnClosed, err)
}
