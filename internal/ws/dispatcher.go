package ws

import (
	"log"

	"github.com/livetype/relay-chat/internal/metrics"
	"github.com/livetype/relay-chat/internal/protocol"
)

// FrameHandler handles one parsed client frame.
type FrameHandler func(conn *Connection, f protocol.Frame)

// MessageDispatcher routes incoming WebSocket frames to registered handlers
// based on the frame type. It answers ping internally. Malformed frames are
// logged and dropped; the connection stays open and no error is sent back.
type MessageDispatcher struct {
	handlers map[string]FrameHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]FrameHandler),
	}
}

// Register associates a FrameHandler with a frame type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler FrameHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, f, err := protocol.ParseClientFrame(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		log.Printf("ws: dropped frame conn=%s type=%q: %v", conn.ID, msgType, err)
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		log.Printf("ws: unhandled frame type=%q conn=%s", msgType, conn.ID)
		return
	}

	handler(conn, f)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerFrame(protocol.TypePong, protocol.Frame{})
	if err != nil {
		log.Printf("ws: failed to build pong conn=%s: %v", conn.ID, err)
		return
	}
	if !conn.Send(data) {
		log.Printf("ws: pong dropped conn=%s: send queue full", conn.ID)
	}
}
