package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livetype/relay-chat/internal/chat"
	"github.com/livetype/relay-chat/internal/protocol"
)

// recorder is a Broadcaster that keeps every frame it is handed.
type recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
	rooms  []string
}

func (r *recorder) BroadcastRoom(room string, data []byte, excludeID string) int {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.rooms = append(r.rooms, room)
	r.mu.Unlock()
	return 1
}

func (r *recorder) ofType(typ string) []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Frame
	for _, f := range r.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, config Config) (*Scheduler, *chat.MemoryStore, *recorder, *time.Time) {
	t.Helper()
	store := chat.NewMemoryStore()
	rec := &recorder{}
	s := NewScheduler(config, store, rec)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	var seed uint64
	s.seed = func() uint64 { seed++; return seed }
	return s, store, rec, &now
}

// drain ticks with a clock far enough ahead that every frame is due.
func drain(t *testing.T, s *Scheduler, now *time.Time) {
	t.Helper()
	for i := 0; s.Pending() > 0; i++ {
		if i > 10000 {
			t.Fatal("scheduler did not drain")
		}
		*now = now.Add(time.Second)
		s.Tick(*now)
	}
}

func TestIngestPlaysOutHello(t *testing.T) {
	s, store, _, now := newTestScheduler(t, DefaultConfig())

	ticket, err := s.Ingest("demo", Item{ExternalID: "42", Title: "Hello"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ticket.Room != "demo" || ticket.ID == "" || ticket.Frames != 5 {
		t.Fatalf("ticket = %+v", ticket)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending())
	}

	drain(t, s, now)

	msgs, err := store.Recent(context.Background(), "demo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hello" {
		t.Fatalf("recent = %+v, want one Hello", msgs)
	}
	if msgs[0].Username != DefaultUsername {
		t.Errorf("username = %q, want %q", msgs[0].Username, DefaultUsername)
	}
}

func TestJobFramesArePrefixesThenOneMessage(t *testing.T) {
	s, store, rec, now := newTestScheduler(t, DefaultConfig())
	text := "Typing, one character at a time. Really!"

	if _, err := s.Ingest("demo", Item{ExternalID: "7", Title: text, Author: "feedbot", URL: "https://example.com/7"}); err != nil {
		t.Fatal(err)
	}
	drain(t, s, now)

	keys := rec.ofType(protocol.TypeKeystroke)
	runes := []rune(text)
	if len(keys) != len(runes) {
		t.Fatalf("keystrokes = %d, want %d", len(keys), len(runes))
	}
	prev := ""
	for i, k := range keys {
		if len(k.Content) <= len(prev) || !strings.HasPrefix(k.Content, prev) {
			t.Fatalf("keystroke %d %q does not extend %q", i, k.Content, prev)
		}
		if k.Username != "feedbot" || k.Room != "demo" || !k.IsTyping {
			t.Fatalf("keystroke %d = %+v", i, k)
		}
		prev = k.Content
	}
	if prev != text {
		t.Errorf("last keystroke = %q, want %q", prev, text)
	}

	done := rec.ofType(protocol.TypeNewMessage)
	if len(done) != 1 {
		t.Fatalf("newMessage broadcasts = %d, want 1", len(done))
	}
	if !done[0].ServerPrepared || done[0].Content != text || done[0].ID == 0 {
		t.Errorf("newMessage = %+v", done[0])
	}
	if done[0].StoryURL != "https://example.com/7" || done[0].StoryLabel != "example.com" {
		t.Errorf("story metadata missing: %+v", done[0])
	}
	if store.Len("demo") != 1 {
		t.Errorf("stored = %d, want 1", store.Len("demo"))
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

func TestIngestDuplicate(t *testing.T) {
	s, store, _, now := newTestScheduler(t, DefaultConfig())
	item := Item{ExternalID: "42", Title: "Hello"}

	if _, err := s.Ingest("demo", item); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ingest("demo", item); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second ingest err = %v, want ErrDuplicate", err)
	}
	if s.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", s.Pending())
	}

	drain(t, s, now)
	if _, err := s.Ingest("demo", item); !errors.Is(err, ErrDuplicate) {
		t.Errorf("ingest after completion err = %v, want ErrDuplicate", err)
	}
	if store.Len("demo") != 1 {
		t.Errorf("stored = %d, want 1", store.Len("demo"))
	}

	// Same id in another room is a separate identity.
	if _, err := s.Ingest("other", item); err != nil {
		t.Errorf("ingest into other room: %v", err)
	}
}

func TestIngestDuplicateSkipsSynthesis(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, DefaultConfig())
	seeded := 0
	s.seed = func() uint64 { seeded++; return uint64(seeded) }
	item := Item{ExternalID: "7", Title: "Same story"}

	if _, err := s.Ingest("demo", item); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Ingest("demo", item); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("repeat %d err = %v, want ErrDuplicate", i, err)
		}
	}
	if seeded != 1 {
		t.Errorf("seed drawn %d times, want 1", seeded)
	}
}

func TestIngestInvalid(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, DefaultConfig())

	if _, err := s.Ingest("demo", Item{Title: "no id"}); !errors.Is(err, ErrInvalidItem) {
		t.Errorf("err = %v, want ErrInvalidItem", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

func TestIngestDefaultsRoom(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, DefaultConfig())

	ticket, err := s.Ingest("  ", Item{ExternalID: "1", Title: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Room != protocol.DefaultRoom {
		t.Errorf("Room = %q, want %q", ticket.Room, protocol.DefaultRoom)
	}
}

func TestChangedItemReplacesInFlightJob(t *testing.T) {
	s, store, rec, now := newTestScheduler(t, DefaultConfig())

	if _, err := s.Ingest("demo", Item{ExternalID: "5", Title: "first draft"}); err != nil {
		t.Fatal(err)
	}
	ticket, err := s.Ingest("demo", Item{ExternalID: "5", Title: "final"})
	if err != nil {
		t.Fatal(err)
	}
	if !ticket.Replaced {
		t.Error("expected Replaced")
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending())
	}

	drain(t, s, now)

	msgs, _ := store.Recent(context.Background(), "demo", 10)
	if len(msgs) != 1 || msgs[0].Content != "final" {
		t.Fatalf("recent = %+v, want only the replacement", msgs)
	}
	for _, k := range rec.ofType(protocol.TypeKeystroke) {
		if !strings.HasPrefix("final", k.Content) {
			t.Errorf("replaced job emitted %q", k.Content)
		}
	}
}

func TestTickRespectsCaps(t *testing.T) {
	config := DefaultConfig()
	config.MaxFramesPerTick = 5
	config.MaxFramesPerJob = 2
	s, _, rec, now := newTestScheduler(t, config)

	for _, author := range []string{"a", "b", "c", "d"} {
		if _, err := s.Ingest("demo", Item{ExternalID: ExternalID(author), Author: author, Title: "long enough text"}); err != nil {
			t.Fatal(err)
		}
	}

	// A long stall makes every frame of every job due at once.
	*now = now.Add(time.Hour)
	if n := s.Tick(*now); n != 5 {
		t.Fatalf("emitted = %d, want global cap 5", n)
	}

	perJob := map[string]int{}
	for _, k := range rec.ofType(protocol.TypeKeystroke) {
		perJob[k.Username]++
	}
	for user, n := range perJob {
		if n > 2 {
			t.Errorf("job %s emitted %d frames in one tick, want <= 2", user, n)
		}
	}
}

func TestTickWaitsForDueTime(t *testing.T) {
	s, _, _, now := newTestScheduler(t, DefaultConfig())

	if _, err := s.Ingest("demo", Item{ExternalID: "1", Title: "Hello"}); err != nil {
		t.Fatal(err)
	}
	if n := s.Tick(*now); n != 0 {
		t.Errorf("emitted %d before start delay elapsed", n)
	}

	*now = now.Add(DefaultConfig().StartDelay)
	if n := s.Tick(*now); n != 1 {
		t.Errorf("emitted = %d, want 1 on the first due tick", n)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	config := DefaultConfig()
	config.Tick = time.Millisecond
	s := NewScheduler(config, chat.NewMemoryStore(), &recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
