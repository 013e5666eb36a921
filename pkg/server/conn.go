package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wire is the transport a Conn writes to. Satisfied by *websocket.Conn;
// tests substitute an in-memory recorder.
type wire interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live socket for one verified identity. A user with several
// devices holds several Conns; they are registered and addressed
// independently.
//
// All writes funnel through the send channel into a single write pump, so
// concurrent broadcasters never interleave frames on the socket.
type Conn struct {
	ID       string
	Identity Identity

	w    wire
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	lastActivity atomic.Int64 // Unix milliseconds

	// Highest sequence delivered per chat. Delivery is forward-only: an
	// event arriving after a higher-numbered one already went out is
	// dropped for this connection rather than delivered out of order.
	cursorMu sync.Mutex
	cursors  map[string]int64
}

// NewConn wraps a transport. sendBuffer bounds the per-connection outbound
// queue; a consumer that falls that far behind is disconnected rather than
// allowed to stall broadcasters.
func NewConn(id string, identity Identity, w wire, sendBuffer int) *Conn {
	c := &Conn{
		ID:       id,
		Identity: identity,
		w:        w,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		cursors:  make(map[string]int64),
	}
	c.Touch()
	return c
}

// Send enqueues an unordered frame (typing, presence, errors, acks).
// Returns false when the connection is closed or its queue is full, in
// which case the caller should drop the connection.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Deliver enqueues a sequenced frame for a chat. Frames at or below the
// chat's delivery cursor are dropped so this connection only ever sees
// sequence numbers increase. Returns false when the connection should be
// dropped.
func (c *Conn) Deliver(chatID string, seq int64, data []byte) bool {
	c.cursorMu.Lock()
	if seq <= c.cursors[chatID] {
		c.cursorMu.Unlock()
		return true
	}
	c.cursors[chatID] = seq
	c.cursorMu.Unlock()

	return c.Send(data)
}

// Cursor returns the highest sequence delivered to this connection for the
// chat, or 0 if none.
func (c *Conn) Cursor(chatID string) int64 {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	return c.cursors[chatID]
}

// SetCursor raises the chat's delivery cursor without sending. The
// reconciler seeds it from the client's reported position before replay.
func (c *Conn) SetCursor(chatID string, seq int64) {
	c.cursorMu.Lock()
	if seq > c.cursors[chatID] {
		c.cursors[chatID] = seq
	}
	c.cursorMu.Unlock()
}

// DropCursor forgets the chat's delivery state after a leave.
func (c *Conn) DropCursor(chatID string) {
	c.cursorMu.Lock()
	delete(c.cursors, chatID)
	c.cursorMu.Unlock()
}

// Touch records activity for the idle sweeper.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns the last recorded activity in Unix milliseconds.
func (c *Conn) LastActivity() int64 {
	return c.lastActivity.Load()
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.w.Close()
	})
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// writePump drains the send queue onto the wire and keeps the socket alive
// with pings. It is the only goroutine that writes to the transport.
func (c *Conn) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.w.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.w.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.w.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.w.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.w.SetWriteDeadline(time.Now().Add(writeWait))
			c.w.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
