package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one participant connection. It belongs to at most one hub.
type Client struct {
	conn        *websocket.Conn
	send        chan *protocol.Message
	userID      string
	displayName string
	sessionID   string
	limiter     *rate.Limiter
	log         *logger.Logger

	hub atomic.Pointer[Hub]

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps an upgraded connection. perSecond bounds how many
// messages the participant may send; zero disables the limit.
func NewClient(conn *websocket.Conn, userID, displayName string, perSecond float64) *Client {
	limit, burst := rate.Inf, 0
	if perSecond > 0 {
		limit, burst = rate.Limit(perSecond), int(perSecond)+1
	}
	sessionID := uuid.NewString()
	return &Client{
		conn:        conn,
		send:        make(chan *protocol.Message, sendBufferSize),
		userID:      userID,
		displayName: displayName,
		sessionID:   sessionID,
		limiter:     rate.NewLimiter(limit, burst),
		log:         logger.GlobalLogger.Named("client." + sessionID[:8]),
		done:        make(chan struct{}),
	}
}

func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) SessionID() string {
	return c.sessionID
}

// ReadPump decodes frames and hands them to the manager until the
// connection fails. It must run on its own goroutine.
func (c *Client) ReadPump(m *Manager) {
	defer m.Disconnect(c)

	c.conn.SetReadLimit(protocol.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error for %s: %v", c.userID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			m.reject(c, nil, "", protocol.RejectInvalid, err.Error())
			continue
		}

		// Probes are never throttled so liveness checks keep working under load.
		if msg.Type != protocol.TypePing && !c.limiter.Allow() {
			if !msg.Type.Continuous() {
				m.reject(c, msg, msg.Type, protocol.RejectRateLimited, "")
			}
			continue
		}

		msg.SenderID = c.userID
		m.Route(c, msg)
	}
}

// WritePump drains the send buffer and keeps the connection alive with
// websocket pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := protocol.Encode(msg)
			if err != nil {
				c.log.Error("encode %s: %v", msg.Type, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected and
// may reconnect.
func (c *Client) enqueue(msg *protocol.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("send buffer full for %s, closing", c.userID)
		go c.Close(websocket.CloseTryAgainLater, "send buffer full")
	}
}

// Close sends a close frame with code and drops the connection. Only the
// first call has an effect.
func (c *Client) Close(code int, text string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
