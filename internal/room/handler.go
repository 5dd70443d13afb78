// Package room implements the connection handler: every inbound frame is
// gated by the rate and content guard, checked against username ownership,
// then persisted and fanned out to the rest of the room.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livetype/relay-chat/internal/chat"
	"github.com/livetype/relay-chat/internal/metrics"
	"github.com/livetype/relay-chat/internal/moderation"
	"github.com/livetype/relay-chat/internal/protocol"
	"github.com/livetype/relay-chat/internal/ratelimit"
	"github.com/livetype/relay-chat/internal/session"
	"github.com/livetype/relay-chat/internal/ws"
)

// Fanout delivers encoded frames to a room.
type Fanout interface {
	BroadcastRoom(room string, data []byte, excludeID string) int
}

// connState is the handler's view of one connection: its rate counters and
// the identity it last claimed. closed is set once the connection is gone.
type connState struct {
	mu          sync.Mutex
	counter     ratelimit.Counter
	sessionID   string
	fingerprint string
	username    string
	closed      bool
}

// Handler processes client frames for every room.
type Handler struct {
	registry *session.Registry
	store    chat.Store
	fanout   Fanout
	policy   ratelimit.Policy
	filter   *moderation.Filter
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*connState // connection id -> state
}

// NewHandler wires the guard, registry, store and fanout together.
func NewHandler(registry *session.Registry, store chat.Store, fanout Fanout, policy ratelimit.Policy, filter *moderation.Filter) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		fanout:   fanout,
		policy:   policy,
		filter:   filter,
		now:      time.Now,
		states:   make(map[string]*connState),
	}
}

// Register installs the handler's frame callbacks on d.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	for _, typ := range []string{protocol.TypeKeystroke, protocol.TypeNewMessage, protocol.TypeJoin, protocol.TypeLeave} {
		d.Register(typ, h.HandleFrame)
	}
}

// OnConnect prepares state for a new connection. Frames from connections
// without state are ignored.
func (h *Handler) OnConnect(c *ws.Connection) {
	h.mu.Lock()
	h.states[c.ID] = &connState{}
	h.mu.Unlock()
}

// OnDisconnect drops the connection's state. When it was the last live
// connection of its session, the room is told the user left.
func (h *Handler) OnDisconnect(c *ws.Connection) {
	h.mu.Lock()
	st, ok := h.states[c.ID]
	delete(h.states, c.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.closed = true
	sessionID, username := st.sessionID, st.username
	st.mu.Unlock()
	if sessionID == "" {
		return
	}

	if remaining := h.registry.Disconnect(sessionID, c.ID); remaining > 0 {
		return
	}
	if username != "" {
		h.broadcast(c.Room, protocol.TypeLeave, protocol.Frame{Username: username, Room: c.Room}, c.ID)
	}
}

// HandleFrame runs one parsed frame through the guard, identity check and
// business logic. Rejections by the guard are silent. The state lock covers
// the guard and the claim so a frame racing a disconnect either completes
// its claim first or is dropped; it is released before any fanout.
func (h *Handler) HandleFrame(c *ws.Connection, f protocol.Frame) {
	h.mu.Lock()
	st, ok := h.states[c.ID]
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	if h.policy.Admit(&st.counter, h.now()) != ratelimit.Allowed {
		st.mu.Unlock()
		metrics.FramesTotal.WithLabelValues("rate_limited").Inc()
		return
	}
	if res := h.filter.Check(f.Content); res.Blocked {
		st.mu.Unlock()
		metrics.FramesTotal.WithLabelValues("content_rejected").Inc()
		return
	}

	prevSession, prevUsername := st.sessionID, st.username
	sessionID, fingerprint := st.sessionID, st.fingerprint
	if f.SessionID != "" {
		sessionID = f.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if f.BrowserFingerprint != "" {
		fingerprint = f.BrowserFingerprint
	}

	_, err := h.registry.Claim(session.Claim{
		Username:           f.Username,
		Room:               c.Room,
		SessionID:          sessionID,
		BrowserFingerprint: fingerprint,
		ConnID:             c.ID,
	})
	if err != nil {
		st.mu.Unlock()
		if errors.Is(err, session.ErrNameTaken) {
			metrics.FramesTotal.WithLabelValues("name_error").Inc()
			h.sendNameError(c, f.Username)
			return
		}
		log.Printf("[room] claim failed conn=%s: %v", c.ID, err)
		return
	}

	// A connection that switched sessions no longer counts for the old one.
	orphaned := false
	if prevSession != "" && prevSession != sessionID {
		orphaned = h.registry.Disconnect(prevSession, c.ID) == 0
	}

	st.sessionID, st.fingerprint, st.username = sessionID, fingerprint, f.Username
	if f.Type == protocol.TypeLeave {
		// Announced already; do not repeat it on disconnect.
		st.username = ""
	}
	st.mu.Unlock()
	metrics.SessionsActive.Set(float64(h.registry.Count()))

	if orphaned && prevUsername != "" && prevUsername != f.Username {
		h.broadcast(c.Room, protocol.TypeLeave, protocol.Frame{Username: prevUsername, Room: c.Room}, c.ID)
	}

	out := outbound(f, c.Room)
	switch f.Type {
	case protocol.TypeJoin, protocol.TypeLeave, protocol.TypeKeystroke:
		h.broadcast(c.Room, f.Type, out, c.ID)
	case protocol.TypeNewMessage:
		if f.Content == "" {
			metrics.FramesTotal.WithLabelValues("malformed").Inc()
			return
		}
		h.commit(c, out)
	}
	metrics.FramesTotal.WithLabelValues("accepted").Inc()
}

// commit persists a completed message and announces it.
func (h *Handler) commit(c *ws.Connection, f protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stored, err := h.store.Append(ctx, chat.Message{
		Username:    f.Username,
		Content:     f.Content,
		Room:        f.Room,
		XPosition:   f.XPosition,
		YPosition:   f.YPosition,
		SourceURL:   f.SourceURL,
		SourceLabel: f.SourceLabel,
		StoryURL:    f.StoryURL,
		StoryLabel:  f.StoryLabel,
	})
	if err != nil {
		log.Printf("[room] store append failed conn=%s room=%s: %v", c.ID, f.Room, err)
		return
	}
	metrics.MessagesStored.WithLabelValues("user").Inc()

	out := stored.Frame(false)
	out.UserColor = f.UserColor
	out.FontSize = f.FontSize
	h.broadcast(f.Room, protocol.TypeNewMessage, out, c.ID)
}

func (h *Handler) sendNameError(c *ws.Connection, username string) {
	data, err := protocol.NewServerFrame(protocol.TypeNameError, protocol.Frame{
		Username: username,
		Room:     c.Room,
		Error:    fmt.Sprintf("the name %q is already in use in this room", username),
	})
	if err != nil {
		log.Printf("[room] encode nameError: %v", err)
		return
	}
	if !c.Send(data) {
		metrics.FanoutDropped.Inc()
	}
}

func (h *Handler) broadcast(room, msgType string, f protocol.Frame, excludeID string) {
	data, err := protocol.NewServerFrame(msgType, f)
	if err != nil {
		log.Printf("[room] encode %s: %v", msgType, err)
		return
	}
	h.fanout.BroadcastRoom(room, data, excludeID)
}

// outbound copies the fields other members may see. Session ids and
// fingerprints never leave the server, and clients cannot mark their own
// frames as server-prepared.
func outbound(f protocol.Frame, room string) protocol.Frame {
	f.Room = room
	f.SessionID = ""
	f.BrowserFingerprint = ""
	f.ServerPrepared = false
	f.ID = 0
	f.Timestamp = 0
	f.Error = ""
	return f
}
