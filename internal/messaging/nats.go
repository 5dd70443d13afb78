// Package messaging provides a NATS client wrapper for the chat server. It
// consumes relay items published by feed pollers and publishes every
// persisted message as an outbound event for downstream consumers.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/livetype/relay-chat/internal/relay"
)

// NATS subjects.
const (
	SubjectRelayIngest  = "relay.ingest"
	SubjectChatMessages = "chat.messages" // + .<room>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "relay-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessage publishes an encoded message to chat.messages.<room>. It
// satisfies chat.Publisher.
func (c *NATSClient) PublishMessage(room string, data []byte) error {
	return c.Publish(MessageSubject(room), data)
}

// MessageSubject returns the subject carrying a room's messages. The room
// becomes a single token: bytes outside [A-Za-z0-9_-] are written as %XX,
// so dots, wildcards and whitespace cannot split or widen the subject.
func MessageSubject(room string) string {
	var b strings.Builder
	b.Grow(len(SubjectChatMessages) + 1 + len(room))
	b.WriteString(SubjectChatMessages)
	b.WriteByte('.')
	for i := 0; i < len(room); i++ {
		ch := room[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteByte(ch)
		default:
			fmt.Fprintf(&b, "%%%02X", ch)
		}
	}
	return b.String()
}

// SubscribeIngest feeds relay requests published on relay.ingest into
// ingest. Malformed payloads, invalid items and duplicates are logged and
// skipped; when the publisher used request-reply it gets the outcome.
func (c *NATSClient) SubscribeIngest(ingest func(room string, item relay.Item) (relay.Ticket, error)) error {
	return c.Subscribe(SubjectRelayIngest, func(msg *nats.Msg) {
		reply := HandleIngest(msg.Data, ingest)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Printf("[nats] encode ingest reply: %v", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Printf("[nats] ingest reply: %v", err)
		}
	})
}

// IngestReply is the request-reply answer for relay.ingest.
type IngestReply struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	Room     string `json:"room,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HandleIngest decodes one relay.ingest payload and passes it to ingest.
func HandleIngest(data []byte, ingest func(room string, item relay.Item) (relay.Ticket, error)) IngestReply {
	var req relay.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[nats] malformed relay.ingest payload: %v", err)
		return IngestReply{Error: "invalid JSON body"}
	}

	ticket, err := ingest(req.Room, req.Item)
	if err != nil {
		if !errors.Is(err, relay.ErrDuplicate) {
			log.Printf("[nats] relay.ingest item=%s: %v", req.Item.ExternalID, err)
		}
		return IngestReply{Error: err.Error()}
	}
	return IngestReply{Accepted: true, ID: ticket.ID, Room: ticket.Room}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
