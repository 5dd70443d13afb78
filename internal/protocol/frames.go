// Package protocol defines the JSON frames exchanged over the live-typing
// WebSocket connection. Inbound and outbound frames share one flat shape with
// a "type" discriminator; fields that do not apply to a type are omitted.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client <-> Server frame types.
const (
	TypeKeystroke  = "keystroke"
	TypeNewMessage = "newMessage"
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypePing       = "ping"
)

// Server -> Client only.
const (
	TypeNameError = "nameError"
	TypePong      = "pong"
)

// DefaultRoom is used when a connection does not name a room.
const DefaultRoom = "global"

// MaxRoomLength caps room names taken from connection parameters.
const MaxRoomLength = 64

// ErrMissingUsername is returned for frames that must carry a username.
var ErrMissingUsername = errors.New("protocol: missing username")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is a single protocol message in either direction.
type Frame struct {
	Type               string  `json:"type"`
	ID                 int64   `json:"id,omitempty"`
	Username           string  `json:"username,omitempty"`
	Room               string  `json:"room,omitempty"`
	Content            string  `json:"content,omitempty"`
	IsTyping           bool    `json:"isTyping,omitempty"`
	XPosition          float64 `json:"xPosition,omitempty"`
	YPosition          float64 `json:"yPosition,omitempty"`
	UserColor          string  `json:"userColor,omitempty"`
	FontSize           float64 `json:"fontSize,omitempty"`
	SessionID          string  `json:"sessionId,omitempty"`
	BrowserFingerprint string  `json:"browserFingerprint,omitempty"`
	SourceURL          string  `json:"sourceUrl,omitempty"`
	SourceLabel        string  `json:"sourceLabel,omitempty"`
	StoryURL           string  `json:"storyUrl,omitempty"`
	StoryLabel         string  `json:"storyLabel,omitempty"`
	ServerPrepared     bool    `json:"serverPrepared,omitempty"`
	Timestamp          int64   `json:"timestamp,omitempty"`
	Error              string  `json:"error,omitempty"`
}

// ParseClientFrame decodes raw WebSocket bytes into a Frame. Unknown or
// server-only types are rejected, as are username-bearing types without a
// username. The returned type string is set whenever the envelope parsed.
func ParseClientFrame(data []byte) (string, Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", Frame{}, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	switch env.Type {
	case TypeKeystroke, TypeNewMessage, TypeJoin, TypeLeave, TypePing:
	default:
		return env.Type, Frame{}, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	var f Frame
	if err := json.Unmarshal(env.Raw, &f); err != nil {
		return env.Type, Frame{}, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	f.Username = strings.TrimSpace(f.Username)
	if env.Type != TypePing && f.Username == "" {
		return env.Type, Frame{}, ErrMissingUsername
	}
	return env.Type, f, nil
}

// NewServerFrame encodes a frame for delivery. msgType overrides whatever
// Type the frame carries.
func NewServerFrame(msgType string, f Frame) ([]byte, error) {
	f.Type = msgType
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server frame: %w", err)
	}
	return out, nil
}

// NormalizeRoom trims a room name and falls back to DefaultRoom when it is
// empty. Names longer than MaxRoomLength are cut.
func NormalizeRoom(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return DefaultRoom
	}
	if r := []rune(room); len(r) > MaxRoomLength {
		room = string(r[:MaxRoomLength])
	}
	return room
}
