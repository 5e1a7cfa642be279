// Package conn is the transport layer: one Connection per accepted
// WebSocket, with a readPump/writePump goroutine pair, ping/pong
// keepalive, and a buffered send channel that coalesces queued frames
// into a single text message per write.
package conn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	sendBuffer     = 256
)

// Sender is the id/send/close capability set of a Connection. The
// downstream packages (space, router, media, chat) do not import it: each
// declares its own interface with the subset of these methods it needs,
// so each stays unit-testable with an in-process fake instead of a real
// websocket.
type Sender interface {
	ConnID() string
	SendFrame(f wire.Frame) error
	Close() error
}

// Connection is a single bidirectional text-frame channel plus the
// identity state the ingress parser attaches to it over its lifetime:
// current user-id (set on join), current space-id, authenticated flag,
// last-activity timestamp.
type Connection struct {
	id     string
	ws     *websocket.Conn
	send   chan wire.Frame
	logger logging.Logger

	mu            sync.RWMutex
	userID        string
	spaceID       string
	authenticated bool
	lastActivity  time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an upgraded websocket connection. The returned Connection is
// not yet reading or writing; start WritePump and ReadPump to run its pumps.
func New(ws *websocket.Conn, logger logging.Logger) *Connection {
	return &Connection{
		id:           uuid.NewString(),
		ws:           ws,
		send:         make(chan wire.Frame, sendBuffer),
		logger:       logger,
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
	}
}

func (c *Connection) ConnID() string { return c.id }

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) SetUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Connection) SpaceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spaceID
}

func (c *Connection) SetSpaceID(spaceID string) {
	c.mu.Lock()
	c.spaceID = spaceID
	c.mu.Unlock()
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) SetAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// SendFrame enqueues a frame for delivery. Non-blocking: if the send
// buffer is full the connection is considered unresponsive and is closed.
func (c *Connection) SendFrame(f wire.Frame) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		_ = c.Close()
		return websocket.ErrCloseSent
	}
}

// Close is idempotent and safe to call from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// ReadPump pumps inbound frames to dispatch until the connection closes.
// Enforces the read limit and extends the read deadline on each pong.
func (c *Connection) ReadPump(dispatch func(wire.Inbound)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.touch()

		var in wire.Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.logger.WithError(err).Warn("malformed inbound frame")
			_ = c.SendFrame(wire.ErrorFrame("malformed frame"))
			continue
		}
		dispatch(in)
	}
}

// WritePump pumps queued frames to the websocket, coalescing any frames
// that queued up while the current one was being written into the same
// text message.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			b, err := wire.Marshal(frame)
			if err != nil {
				c.logger.WithError(err).Error("failed to marshal outbound frame")
				_ = w.Close()
				continue
			}
			_, _ = w.Write(b)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				next, ok := <-c.send
				if !ok {
					break
				}
				nb, err := wire.Marshal(next)
				if err != nil {
					continue
				}
				_, _ = w.Write(nb)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-c.closed:
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
