// Package client is a scripted room participant for load testing the relay
// chat server. It speaks the same JSON frame protocol as the browser client
// over gobwas/ws and keeps per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> server frame types.
const (
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeKeystroke  = "keystroke"
	TypeNewMessage = "newMessage"
	TypePing       = "ping"
)

// Server -> client frame types that are not echoes of the above.
const (
	TypeNameError = "nameError"
	TypePong      = "pong"
)

// Frame is the subset of the wire frame a scripted participant reads and
// writes.
type Frame struct {
	Type               string `json:"type"`
	Username           string `json:"username,omitempty"`
	Room               string `json:"room,omitempty"`
	Content            string `json:"content,omitempty"`
	IsTyping           bool   `json:"isTyping,omitempty"`
	SessionID          string `json:"sessionId,omitempty"`
	BrowserFingerprint string `json:"browserFingerprint,omitempty"`
	ServerPrepared     bool   `json:"serverPrepared,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency time.Duration
	FramesSent     int
	FramesReceived int
	NameErrors     int
	Errors         int
}

// Client is one simulated browser tab in a room.
type Client struct {
	conn      net.Conn
	room      string
	username  string
	sessionID string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(Frame)

	pong      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server's websocket endpoint and attaches to room.
// The read loop starts immediately.
func Dial(ctx context.Context, rawURL, room string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		room:     room,
		handlers: make(map[string]func(Frame)),
		pong:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers the handler for a server frame type. Register handlers
// before sending frames; a later registration replaces the earlier one.
func (c *Client) On(frameType string, handler func(Frame)) {
	c.mu.Lock()
	c.handlers[frameType] = handler
	c.mu.Unlock()
}

// Join claims username in the client's room under sessionID. The
// fingerprint is derived from the session so that tabs sharing a session
// also share a browser.
func (c *Client) Join(username, sessionID string) error {
	c.mu.Lock()
	c.username = username
	c.sessionID = sessionID
	c.mu.Unlock()
	return c.Send(c.frame(TypeJoin, ""))
}

// Keystroke sends the draft text as a typing frame.
func (c *Client) Keystroke(content string) error {
	f := c.frame(TypeKeystroke, content)
	f.IsTyping = content != ""
	return c.Send(f)
}

// Commit sends content as a finished message.
func (c *Client) Commit(content string) error {
	return c.Send(c.frame(TypeNewMessage, content))
}

// Leave announces departure without closing the socket.
func (c *Client) Leave() error {
	return c.Send(c.frame(TypeLeave, ""))
}

// Ready sends a ping and waits for the pong, confirming the server has
// registered the connection.
func (c *Client) Ready(ctx context.Context) error {
	if err := c.Send(Frame{Type: TypePing}); err != nil {
		return err
	}
	select {
	case <-c.pong:
		return nil
	case <-c.done:
		return errors.New("connection closed before pong")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one frame. Safe for concurrent use.
func (c *Client) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.FramesSent++
	}
	c.mu.Unlock()
	return err
}

// Close closes the socket and stops the read loop. Safe to call more than
// once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Username returns the name last passed to Join.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// GetMetrics returns a copy of the client's counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) frame(frameType, content string) Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Frame{
		Type:               frameType,
		Username:           c.username,
		Room:               c.room,
		Content:            content,
		SessionID:          c.sessionID,
		BrowserFingerprint: "loadtest-" + c.sessionID,
	}
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.FramesReceived++
		if f.Type == TypeNameError {
			c.metrics.NameErrors++
		}
		handler := c.handlers[f.Type]
		c.mu.Unlock()

		if f.Type == TypePong {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
		if handler != nil {
			handler(f)
		}
	}
}
