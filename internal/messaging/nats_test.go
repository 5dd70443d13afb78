package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/livetype/relay-chat/internal/relay"
)

func TestHandleIngest(t *testing.T) {
	var gotRoom string
	var gotItem relay.Item
	ingest := func(room string, item relay.Item) (relay.Ticket, error) {
		gotRoom, gotItem = room, item
		if item.ExternalID == "dup" {
			return relay.Ticket{}, relay.ErrDuplicate
		}
		return relay.Ticket{ID: "job-1", Room: room}, nil
	}

	tests := []struct {
		name         string
		payload      string
		wantAccepted bool
		wantError    bool
	}{
		{"accepted", `{"item":{"externalId":42,"title":"Hello"},"room":"demo"}`, true, false},
		{"duplicate", `{"item":{"externalId":"dup","title":"Hello"}}`, false, true},
		{"malformed", `{"item":`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := HandleIngest([]byte(tt.payload), ingest)
			if reply.Accepted != tt.wantAccepted {
				t.Errorf("Accepted = %v, want %v", reply.Accepted, tt.wantAccepted)
			}
			if (reply.Error != "") != tt.wantError {
				t.Errorf("Error = %q, wantError %v", reply.Error, tt.wantError)
			}
		})
	}

	HandleIngest([]byte(`{"item":{"externalId":42,"title":"Hello"},"room":"demo"}`), ingest)
	if gotRoom != "demo" || gotItem.ExternalID != "42" || gotItem.Title != "Hello" {
		t.Errorf("ingest got room=%q item=%+v", gotRoom, gotItem)
	}
}

// newTestClient requires a running NATS server on the default URL.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.MaxReconnects = 0
	c, err := NewNATSClient(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestIngestRequestReply(t *testing.T) {
	c := newTestClient(t)

	err := c.SubscribeIngest(func(room string, item relay.Item) (relay.Ticket, error) {
		return relay.Ticket{ID: "job-1", Room: room}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	msg, err := c.conn.Request(SubjectRelayIngest, []byte(`{"item":{"externalId":1,"title":"hi"},"room":"demo"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply IngestReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.Accepted || reply.ID != "job-1" || reply.Room != "demo" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestPublishMessage(t *testing.T) {
	c := newTestClient(t)

	got := make(chan *nats.Msg, 1)
	if err := c.Subscribe(MessageSubject("lobby.1"), func(msg *nats.Msg) { got <- msg }); err != nil {
		t.Fatal(err)
	}
	if err := c.conn.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := c.PublishMessage("lobby.1", []byte(`{"id":1}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		if string(msg.Data) != `{"id":1}` {
			t.Errorf("data = %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestMessageSubject(t *testing.T) {
	tests := []struct {
		room string
		want string
	}{
		{"demo", "chat.messages.demo"},
		{"team-a_1", "chat.messages.team-a_1"},
		{"a.b", "chat.messages.a%2Eb"},
		{"*", "chat.messages.%2A"},
		{">", "chat.messages.%3E"},
		{"my room", "chat.messages.my%20room"},
		{"100%", "chat.messages.100%25"},
		{"café", "chat.messages.caf%C3%A9"},
	}
	for _, tt := range tests {
		if got := MessageSubject(tt.room); got != tt.want {
			t.Errorf("MessageSubject(%q) = %q, want %q", tt.room, got, tt.want)
		}
	}
}
