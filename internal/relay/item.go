// Package relay plays externally sourced content into rooms as if a person
// were typing it. Ingested items are deduplicated by content version, turned
// into a sequence of timed partial-content frames, and drained by a single
// tick loop that fans keystrokes out and persists the finished message.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"
)

// DefaultUsername is shown for items without an author.
const DefaultUsername = "relay"

const maxUsernameChars = 32

var (
	// ErrInvalidItem is returned for items without an id or any content.
	ErrInvalidItem = errors.New("relay: item requires externalId and title or text")

	// ErrDuplicate is returned when an item is re-ingested unchanged.
	ErrDuplicate = errors.New("relay: item unchanged since last ingest")
)

// ExternalID is the stable id of an item in its source system. It decodes
// from a JSON string or number.
type ExternalID string

// UnmarshalJSON accepts "42", 42 and null.
func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("relay: externalId: %w", err)
		}
		*id = ExternalID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("relay: externalId must be a string or number: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

// Request is the ingestion payload accepted over HTTP and NATS.
type Request struct {
	Item Item   `json:"item"`
	Room string `json:"room,omitempty"`
}

// Item is one externally sourced entry, such as a feed story or comment.
type Item struct {
	ExternalID ExternalID `json:"externalId"`
	Type       string     `json:"type,omitempty"`
	Author     string     `json:"author,omitempty"`
	Title      string     `json:"title,omitempty"`
	Text       string     `json:"text,omitempty"`
	URL        string     `json:"url,omitempty"`
	SourceURL  string     `json:"sourceUrl,omitempty"`
}

// Version fingerprints the item's mutable fields.
func (it Item) Version() uint64 {
	d := xxhash.New()
	for _, field := range []string{it.Type, it.Author, it.Title, it.Text, it.URL, it.SourceURL} {
		_, _ = d.WriteString(field)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// normalized is the display form of an item.
type normalized struct {
	Username    string
	Content     string
	SourceURL   string
	SourceLabel string
	StoryURL    string
	StoryLabel  string
}

// normalize picks the text to type (title for stories, plain text for
// comments), trims it to maxChars and derives link labels.
func (it Item) normalize(maxChars int) (normalized, error) {
	if it.ExternalID == "" {
		return normalized{}, ErrInvalidItem
	}

	content := strings.Join(strings.Fields(it.Title), " ")
	if it.Type == "comment" || content == "" {
		content = plainText(it.Text)
	}
	if content == "" {
		return normalized{}, ErrInvalidItem
	}

	n := normalized{
		Username:  truncateChars(strings.TrimSpace(it.Author), maxUsernameChars),
		Content:   truncateWords(content, maxChars),
		StoryURL:  strings.TrimSpace(it.URL),
		SourceURL: strings.TrimSpace(it.SourceURL),
	}
	if n.Username == "" {
		n.Username = DefaultUsername
	}
	if n.SourceURL == "" {
		n.SourceURL = n.StoryURL
	}
	n.SourceLabel = hostLabel(n.SourceURL)
	n.StoryLabel = hostLabel(n.StoryURL)
	return n, nil
}

// plainText strips markup, decodes entities and collapses whitespace.
func plainText(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.Join(strings.Fields(s), " ")
			}
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			// Block boundaries (<p>, <br>) separate words.
			b.WriteByte(' ')
		}
	}
}

// truncateWords cuts s to at most maxChars characters, backing up to the
// last word boundary and marking the cut with an ellipsis.
func truncateWords(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	r := []rune(s)[:maxChars-1]
	cut := string(r)
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:") + "…"
}

func truncateChars(s string, maxChars int) string {
	if r := []rune(s); len(r) > maxChars {
		return string(r[:maxChars])
	}
	return s
}

// hostLabel returns the host of rawURL without a leading "www.".
func hostLabel(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
