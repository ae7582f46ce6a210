package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"partyline/pkg/types"
)

// Conn implements interfaces.Connection over a gorilla websocket. All writes
// are funneled through a single writer goroutine; gorilla connections do not
// tolerate concurrent writers.
type Conn struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc

	closeOnce sync.Once

	mu            sync.RWMutex
	userID        string
	displayName   string
	authenticated bool
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultBufferSize   = 100
)

// New wraps an upgraded websocket connection and starts its writer.
// Non-positive timing or buffer values fall back to the defaults.
func New(ws *websocket.Conn, writeTimeout time.Duration, bufferSize int) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:           uuid.New().String(),
		conn:         ws,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the connection's own identifier, independent of identity.
func (c *Conn) ID() string {
	return c.id
}

// Send delivers one topic+payload envelope to the client. A full write
// buffer means the client has stopped draining; the send fails rather than
// blocking a fan-out.
func (c *Conn) Send(topic string, payload interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	env, err := types.NewEnvelope(topic, payload)
	if err != nil {
		return ErrInvalidPayload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return ErrInvalidPayload
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetIdentity binds an authenticated identity to the connection.
func (c *Conn) SetIdentity(userID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.displayName = displayName
	c.authenticated = true
}

// UserID returns the bound identity's user id, or "".
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// DisplayName returns the bound identity's display name, or "".
func (c *Conn) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Authenticated reports whether an identity has been bound.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// WS exposes the underlying websocket for the read loop and heartbeat.
func (c *Conn) WS() *websocket.Conn {
	return c.conn
}
