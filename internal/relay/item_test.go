package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExternalIDUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ExternalID
	}{
		{"number", `{"externalId":42}`, "42"},
		{"large number", `{"externalId":40123456789}`, "40123456789"},
		{"string", `{"externalId":"hn-42"}`, "hn-42"},
		{"padded string", `{"externalId":"  7 "}`, "7"},
		{"null", `{"externalId":null}`, ""},
		{"missing", `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var it Item
			if err := json.Unmarshal([]byte(tt.in), &it); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if it.ExternalID != tt.want {
				t.Errorf("ExternalID = %q, want %q", it.ExternalID, tt.want)
			}
		})
	}
}

func TestExternalIDRejectsObjects(t *testing.T) {
	var it Item
	if err := json.Unmarshal([]byte(`{"externalId":{"a":1}}`), &it); err == nil {
		t.Fatal("expected error for object externalId")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		item        Item
		wantContent string
		wantUser    string
		wantSource  string
		wantLabel   string
	}{
		{
			name:        "story uses title",
			item:        Item{ExternalID: "1", Title: "  Hello   world ", Text: "ignored", Author: "pg", URL: "https://www.example.com/post"},
			wantContent: "Hello world",
			wantUser:    "pg",
			wantSource:  "https://www.example.com/post",
			wantLabel:   "example.com",
		},
		{
			name:        "comment uses text",
			item:        Item{ExternalID: "2", Type: "comment", Title: "parent", Text: "<p>Hello &amp; <i>welcome</i></p><p>back</p>"},
			wantContent: "Hello & welcome back",
			wantUser:    DefaultUsername,
		},
		{
			name:        "falls back to text without title",
			item:        Item{ExternalID: "3", Text: "just text", SourceURL: "https://news.example.org/item?id=3", URL: "https://blog.example.net/a"},
			wantContent: "just text",
			wantUser:    DefaultUsername,
			wantSource:  "https://news.example.org/item?id=3",
			wantLabel:   "news.example.org",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := tt.item.normalize(280)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if n.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", n.Content, tt.wantContent)
			}
			if n.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", n.Username, tt.wantUser)
			}
			if n.SourceURL != tt.wantSource {
				t.Errorf("SourceURL = %q, want %q", n.SourceURL, tt.wantSource)
			}
			if n.SourceLabel != tt.wantLabel {
				t.Errorf("SourceLabel = %q, want %q", n.SourceLabel, tt.wantLabel)
			}
		})
	}
}

func TestNormalizeStoryLabel(t *testing.T) {
	n, err := Item{ExternalID: "9", Title: "t", URL: "https://www.example.com/a", SourceURL: "https://feed.test/9"}.normalize(280)
	if err != nil {
		t.Fatal(err)
	}
	if n.StoryURL != "https://www.example.com/a" || n.StoryLabel != "example.com" {
		t.Errorf("story = %q/%q", n.StoryURL, n.StoryLabel)
	}
	if n.SourceLabel != "feed.test" {
		t.Errorf("SourceLabel = %q, want feed.test", n.SourceLabel)
	}
}

func TestNormalizeInvalid(t *testing.T) {
	tests := []struct {
		name string
		item Item
	}{
		{"no id", Item{Title: "hello"}},
		{"no content", Item{ExternalID: "1"}},
		{"markup only", Item{ExternalID: "1", Type: "comment", Text: "<p> </p>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.item.normalize(280); !errors.Is(err, ErrInvalidItem) {
				t.Errorf("err = %v, want ErrInvalidItem", err)
			}
		})
	}
}

func TestTruncateWords(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := truncateWords(strings.TrimSpace(long), 280)

	if n := utf8.RuneCountInString(got); n > 280 {
		t.Fatalf("length = %d, want <= 280", n)
	}
	if !strings.HasSuffix(got, "word…") {
		t.Errorf("expected cut at a word boundary, got tail %q", got[len(got)-10:])
	}
	if short := truncateWords("short", 280); short != "short" {
		t.Errorf("short text changed: %q", short)
	}
}

func TestVersionTracksMutableFields(t *testing.T) {
	a := Item{ExternalID: "1", Title: "Hello"}
	b := Item{ExternalID: "1", Title: "Hello"}
	c := Item{ExternalID: "1", Title: "Hello!"}
	d := Item{ExternalID: "1", Title: "Hel", Text: "lo"}

	if a.Version() != b.Version() {
		t.Error("equal items should share a version")
	}
	if a.Version() == c.Version() {
		t.Error("edited title should change the version")
	}
	if a.Version() == d.Version() {
		t.Error("field boundaries should be part of the version")
	}
}
