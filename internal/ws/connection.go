package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection. Outbound
// frames go through a bounded queue drained by one writer goroutine so a
// slow client never blocks the goroutine broadcasting to it.
type Connection struct {
	ID         string    // connection id (UUID)
	Conn       net.Conn  // underlying TCP connection
	Room       string    // room chosen at connect time, immutable
	RemoteIP   string    // client address, used for per-IP throttling
	CreatedAt  time.Time // when the connection was established
	lastSeen   atomic.Int64
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	writeMu      sync.Mutex // serializes writes to Conn
	writeTimeout time.Duration
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
}

// NewConnection wraps conn for room. queueSize bounds the number of frames
// waiting to be written. Call Start to begin draining the queue.
func NewConnection(id string, conn net.Conn, room string, queueSize int, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Room:         room,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, max(queueSize, 1)),
		closed:       make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Start runs the writer goroutine. onError is called once if a write fails.
func (c *Connection) Start(onError func(*Connection, error)) {
	go c.writeLoop(onError)
}

func (c *Connection) writeLoop(onError func(*Connection, error)) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				if onError != nil {
					onError(c, err)
				}
				return
			}
		}
	}
}

// Send queues data for delivery without blocking. It reports false when
// the queue is full or the connection is closed; the frame is then dropped
// for this connection only.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.closed:
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

// WriteMessage writes a text frame immediately. The write mutex ensures
// concurrent writers do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WritePong answers a client ping with the same payload.
func (c *Connection) WritePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close stops the writer and closes the underlying network connection.
// It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the connection last showed activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
