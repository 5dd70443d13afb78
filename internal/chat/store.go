// Package chat stores completed room messages. Every backend assigns
// monotonically increasing ids and creation timestamps, answers recent-history
// queries in chronological order, and deletes messages past the retention
// window when swept.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/livetype/relay-chat/internal/protocol"
)

// ErrInvalidMessage is returned for messages without a room or username.
var ErrInvalidMessage = errors.New("chat: message requires room and username")

// Message is a completed, persisted chat message. Timestamp is Unix
// milliseconds.
type Message struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	Content     string  `json:"content"`
	Room        string  `json:"room"`
	Timestamp   int64   `json:"timestamp"`
	XPosition   float64 `json:"xPosition"`
	YPosition   float64 `json:"yPosition"`
	SourceURL   string  `json:"sourceUrl,omitempty"`
	SourceLabel string  `json:"sourceLabel,omitempty"`
	StoryURL    string  `json:"storyUrl,omitempty"`
	StoryLabel  string  `json:"storyLabel,omitempty"`
}

// CreatedAt returns the message timestamp as a time.Time.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Frame renders m as a newMessage frame.
func (m Message) Frame(serverPrepared bool) protocol.Frame {
	return protocol.Frame{
		Type:           protocol.TypeNewMessage,
		ID:             m.ID,
		Username:       m.Username,
		Room:           m.Room,
		Content:        m.Content,
		XPosition:      m.XPosition,
		YPosition:      m.YPosition,
		SourceURL:      m.SourceURL,
		SourceLabel:    m.SourceLabel,
		StoryURL:       m.StoryURL,
		StoryLabel:     m.StoryLabel,
		ServerPrepared: serverPrepared,
		Timestamp:      m.Timestamp,
	}
}

// Store is the Message Store contract shared by all backends.
type Store interface {
	// Append stores msg, assigning ID and Timestamp, and returns the stored copy.
	Append(ctx context.Context, msg Message) (Message, error)
	// Recent returns up to limit of the newest messages in room, oldest first.
	Recent(ctx context.Context, room string, limit int) ([]Message, error)
	// DeleteBefore removes messages created before cutoff and reports how many.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

func validate(msg Message) error {
	if msg.Room == "" || msg.Username == "" {
		return ErrInvalidMessage
	}
	return nil
}
