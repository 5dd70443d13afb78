package room

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/livetype/relay-chat/internal/chat"
	"github.com/livetype/relay-chat/internal/moderation"
	"github.com/livetype/relay-chat/internal/protocol"
	"github.com/livetype/relay-chat/internal/ratelimit"
	"github.com/livetype/relay-chat/internal/session"
	"github.com/livetype/relay-chat/internal/ws"
)

// state is a test-only lookup of a connection's state; unlike the removed
// production helper it never creates state. A missing entry yields a zero
// value so assertions report it instead of panicking.
func (h *Handler) state(connID string) *connState {
	h.mu.Lock()
	st, ok := h.states[connID]
	h.mu.Unlock()
	if !ok {
		return &connState{}
	}
	return st
}

type harness struct {
	t       *testing.T
	handler *Handler
	conns   *ws.ConnectionManager
	store   *chat.MemoryStore
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		conns: ws.NewConnectionManager(),
		store: chat.NewMemoryStore(),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.handler = NewHandler(
		session.NewRegistry(session.DefaultConfig()),
		h.store,
		h.conns,
		ratelimit.DefaultPolicy(),
		moderation.NewFilter(moderation.DefaultRules()),
	)
	// Each frame arrives a second after the previous one unless a test
	// freezes the clock.
	h.handler.now = func() time.Time {
		h.clock = h.clock.Add(time.Second)
		return h.clock
	}
	return h
}

// client is the browser side of a test connection.
type client struct {
	conn   *ws.Connection
	frames chan protocol.Frame
}

func (h *harness) connect(id, room string) *client {
	h.t.Helper()
	server, browser := net.Pipe()
	c := ws.NewConnection(id, server, room, 32, time.Second)
	c.Start(nil)
	h.conns.Add(c)
	h.handler.OnConnect(c)

	cl := &client{conn: c, frames: make(chan protocol.Frame, 32)}
	go func() {
		defer close(cl.frames)
		for {
			data, err := wsutil.ReadServerText(browser)
			if err != nil {
				return
			}
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				return
			}
			cl.frames <- f
		}
	}()
	h.t.Cleanup(func() {
		c.Close()
		browser.Close()
	})
	return cl
}

func (h *harness) disconnect(cl *client) {
	h.conns.Remove(cl.conn.ID)
	h.handler.OnDisconnect(cl.conn)
}

func (h *harness) send(cl *client, f protocol.Frame) {
	h.t.Helper()
	h.handler.HandleFrame(cl.conn, f)
}

func (cl *client) expect(t *testing.T, typ string) protocol.Frame {
	t.Helper()
	select {
	case f := <-cl.frames:
		if f.Type != typ {
			t.Fatalf("got %s frame %+v, want %s", f.Type, f, typ)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", typ)
	}
	return protocol.Frame{}
}

func (cl *client) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case f := <-cl.frames:
		t.Fatalf("unexpected %s frame %+v", f.Type, f)
	case <-time.After(100 * time.Millisecond):
	}
}

func join(username, sessionID, fingerprint string) protocol.Frame {
	return protocol.Frame{
		Type:               protocol.TypeJoin,
		Username:           username,
		SessionID:          sessionID,
		BrowserFingerprint: fingerprint,
	}
}

func TestSameNameDifferentFingerprintDenied(t *testing.T) {
	h := newHarness(t)
	first := h.connect("c1", "demo")
	second := h.connect("c2", "demo")
	third := h.connect("c3", "demo")

	h.send(first, join("alice", "s1", "fp1"))
	second.expect(t, protocol.TypeJoin)
	third.expect(t, protocol.TypeJoin)

	h.send(second, join("alice", "s2", "fp2"))
	nameErr := second.expect(t, protocol.TypeNameError)
	if nameErr.Username != "alice" || nameErr.Error == "" {
		t.Errorf("nameError = %+v", nameErr)
	}
	first.expectNothing(t)
	third.expectNothing(t)

	// Same browser in a new tab and session takes over the name.
	h.send(third, join("alice", "s3", "fp1"))
	got := first.expect(t, protocol.TypeJoin)
	if got.Username != "alice" {
		t.Errorf("join username = %q", got.Username)
	}
	second.expect(t, protocol.TypeJoin)
}

func TestDeniedConnectionRevalidatesEveryFrame(t *testing.T) {
	h := newHarness(t)
	owner := h.connect("c1", "demo")
	intruder := h.connect("c2", "demo")

	h.send(owner, join("alice", "s1", "fp1"))
	intruder.expect(t, protocol.TypeJoin)

	h.send(intruder, protocol.Frame{Type: protocol.TypeKeystroke, Username: "alice", Content: "hi", BrowserFingerprint: "fp2"})
	intruder.expect(t, protocol.TypeNameError)

	h.send(intruder, protocol.Frame{Type: protocol.TypeNewMessage, Username: "alice", Content: "hi", BrowserFingerprint: "fp2"})
	intruder.expect(t, protocol.TypeNameError)

	owner.expectNothing(t)
	if h.store.Len("demo") != 0 {
		t.Error("denied frame was persisted")
	}
}

func TestNewMessagePersistedAndFannedOut(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "demo")
	bob := h.connect("c2", "demo")
	elsewhere := h.connect("c3", "lobby")

	h.send(alice, protocol.Frame{
		Type:               protocol.TypeNewMessage,
		Username:           "alice",
		Content:            "hello there",
		YPosition:          0.4,
		SessionID:          "s1",
		BrowserFingerprint: "fp1",
		ServerPrepared:     true,
	})

	got := bob.expect(t, protocol.TypeNewMessage)
	if got.Content != "hello there" || got.ID != 1 || got.Room != "demo" || got.YPosition != 0.4 {
		t.Errorf("newMessage = %+v", got)
	}
	if got.SessionID != "" || got.BrowserFingerprint != "" {
		t.Error("session details leaked to other members")
	}
	if got.ServerPrepared {
		t.Error("client frames must not be marked server-prepared")
	}
	alice.expectNothing(t)
	elsewhere.expectNothing(t)

	msgs, err := h.store.Recent(context.Background(), "demo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Username != "alice" {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestKeystrokeFanout(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "demo")
	bob := h.connect("c2", "demo")

	h.send(alice, protocol.Frame{Type: protocol.TypeKeystroke, Username: "alice", Content: "hel", IsTyping: true, UserColor: "#f0f"})

	got := bob.expect(t, protocol.TypeKeystroke)
	if got.Content != "hel" || !got.IsTyping || got.UserColor != "#f0f" {
		t.Errorf("keystroke = %+v", got)
	}
	alice.expectNothing(t)
	if h.store.Len("demo") != 0 {
		t.Error("keystrokes must not be persisted")
	}
}

func TestRateLimitedFramesDropped(t *testing.T) {
	h := newHarness(t)
	frozen := h.clock
	h.handler.now = func() time.Time { return frozen }

	alice := h.connect("c1", "demo")
	bob := h.connect("c2", "demo")

	for i := 0; i < 5; i++ {
		h.send(alice, protocol.Frame{Type: protocol.TypeNewMessage, Username: "alice", Content: "spam"})
	}

	bob.expect(t, protocol.TypeNewMessage)
	bob.expectNothing(t)
	if n := h.store.Len("demo"); n != 1 {
		t.Errorf("stored = %d, want 1", n)
	}
}

func TestRejectedContentDropped(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "demo")
	bob := h.connect("c2", "demo")

	for _, content := range []string{
		"aaaaaaaaaaa",
		"!!!???***",
		string(make([]byte, 201)),
	} {
		h.send(alice, protocol.Frame{Type: protocol.TypeNewMessage, Username: "alice", Content: content})
	}

	bob.expectNothing(t)
	alice.expectNothing(t)
	if h.store.Len("demo") != 0 {
		t.Error("rejected content was persisted")
	}
}

func TestLeaveOnlyWhenLastTabCloses(t *testing.T) {
	h := newHarness(t)
	tab1 := h.connect("c1", "demo")
	tab2 := h.connect("c2", "demo")
	watcher := h.connect("c3", "demo")

	h.send(tab1, join("alice", "s1", "fp1"))
	tab2.expect(t, protocol.TypeJoin)
	watcher.expect(t, protocol.TypeJoin)

	h.send(tab2, join("alice", "s1", "fp1"))
	tab1.expect(t, protocol.TypeJoin)
	watcher.expect(t, protocol.TypeJoin)

	h.disconnect(tab1)
	watcher.expectNothing(t)

	h.disconnect(tab2)
	left := watcher.expect(t, protocol.TypeLeave)
	if left.Username != "alice" || left.Room != "demo" {
		t.Errorf("leave = %+v", left)
	}
}

func TestExplicitLeaveNotRepeatedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "demo")
	watcher := h.connect("c2", "demo")

	h.send(alice, join("alice", "s1", "fp1"))
	watcher.expect(t, protocol.TypeJoin)

	h.send(alice, protocol.Frame{Type: protocol.TypeLeave, Username: "alice"})
	watcher.expect(t, protocol.TypeLeave)

	h.disconnect(alice)
	watcher.expectNothing(t)
}

func TestDisconnectWithoutIdentityIsSilent(t *testing.T) {
	h := newHarness(t)
	lurker := h.connect("c1", "demo")
	watcher := h.connect("c2", "demo")

	h.disconnect(lurker)
	watcher.expectNothing(t)
}

func TestServerGeneratedSessionReused(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "demo")
	h.connect("c2", "demo")

	h.send(alice, protocol.Frame{Type: protocol.TypeJoin, Username: "alice"})
	first := h.handler.state("c1").sessionID
	if first == "" {
		t.Fatal("no session id assigned")
	}

	h.send(alice, protocol.Frame{Type: protocol.TypeKeystroke, Username: "alice", Content: "x"})
	if got := h.handler.state("c1").sessionID; got != first {
		t.Errorf("session id changed from %q to %q", first, got)
	}
	if owner, _ := h.handler.registry.Owner("demo", "alice"); owner != first {
		t.Errorf("owner = %q, want %q", owner, first)
	}
}

func TestFrameAfterDisconnectIgnored(t *testing.T) {
	h := newHarness(t)
	watcher := h.connect("w", "demo")
	tab1 := h.connect("c1", "demo")

	h.send(tab1, join("alice", "s1", "fp1"))
	watcher.expect(t, protocol.TypeJoin)
	h.disconnect(tab1)
	watcher.expect(t, protocol.TypeLeave)

	// A worker still holding a frame from the removed socket delivers it late.
	late := join("alice", "s1", "fp1")
	late.Type = protocol.TypeKeystroke
	late.Content = "still here"
	h.send(tab1, late)
	watcher.expectNothing(t)

	if s, ok := h.handler.registry.Get("s1"); !ok || s.ConnectionCount != 0 {
		t.Fatalf("session = %+v, %v; want zero connections", s, ok)
	}
	h.handler.mu.Lock()
	_, leaked := h.handler.states["c1"]
	h.handler.mu.Unlock()
	if leaked {
		t.Error("state recreated for a removed connection")
	}

	tab2 := h.connect("c2", "demo")
	h.send(tab2, join("alice", "s1", "fp1"))
	watcher.expect(t, protocol.TypeJoin)
	h.disconnect(tab2)
	if f := watcher.expect(t, protocol.TypeLeave); f.Username != "alice" {
		t.Errorf("leave for %q, want alice", f.Username)
	}
}

func TestSessionSwitchAnnouncesPreviousLeave(t *testing.T) {
	h := newHarness(t)
	watcher := h.connect("w", "demo")
	tab := h.connect("c1", "demo")

	h.send(tab, join("alice", "s1", "fp1"))
	watcher.expect(t, protocol.TypeJoin)

	h.send(tab, join("bob", "s2", "fp1"))
	if f := watcher.expect(t, protocol.TypeLeave); f.Username != "alice" {
		t.Errorf("leave for %q, want alice", f.Username)
	}
	if f := watcher.expect(t, protocol.TypeJoin); f.Username != "bob" {
		t.Errorf("join for %q, want bob", f.Username)
	}
}

func TestSessionSwitchKeepsSiblingTab(t *testing.T) {
	h := newHarness(t)
	watcher := h.connect("w", "demo")
	tab1 := h.connect("c1", "demo")
	tab2 := h.connect("c2", "demo")

	h.send(tab1, join("alice", "s1", "fp1"))
	watcher.expect(t, protocol.TypeJoin)
	tab2.expect(t, protocol.TypeJoin)
	h.send(tab2, join("alice", "s1", "fp1"))
	watcher.expect(t, protocol.TypeJoin)

	// tab1 moves to a new session; tab2 still holds s1, so no leave.
	h.send(tab1, join("bob", "s2", "fp1"))
	if f := watcher.expect(t, protocol.TypeJoin); f.Username != "bob" {
		t.Errorf("join for %q, want bob", f.Username)
	}
}
