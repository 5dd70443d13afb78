package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps messages in process memory, one chronological slice per
// room. It is goroutine-safe.
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[string][]Message
	nextID int64
	lastTs int64
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]Message),
		now:   time.Now,
	}
}

// Append assigns the next id and a timestamp that never goes backwards, so
// each room slice stays sorted by both.
func (s *MemoryStore) Append(_ context.Context, msg Message) (Message, error) {
	if err := validate(msg); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ts := max(s.now().UnixMilli(), s.lastTs)
	s.lastTs = ts

	msg.ID = s.nextID
	msg.Timestamp = ts
	s.rooms[msg.Room] = append(s.rooms[msg.Room], msg)
	return msg, nil
}

// Recent returns the newest min(limit, stored) messages for room, oldest
// first. The result is a copy and never nil.
func (s *MemoryStore) Recent(_ context.Context, room string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[room]
	if limit <= 0 {
		return []Message{}, nil
	}
	start := max(len(msgs)-limit, 0)

	result := make([]Message, len(msgs)-start)
	copy(result, msgs[start:])
	return result, nil
}

// DeleteBefore drops every message older than cutoff. Rooms left empty are
// removed.
func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	limit := cutoff.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for room, msgs := range s.rooms {
		// Slices are sorted by timestamp; find the first message to keep.
		keep := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp >= limit })
		if keep == 0 {
			continue
		}
		removed += keep
		if keep == len(msgs) {
			delete(s.rooms, room)
			continue
		}
		rest := make([]Message, len(msgs)-keep)
		copy(rest, msgs[keep:])
		s.rooms[room] = rest
	}
	return removed, nil
}

// Len returns the number of messages stored for room.
func (s *MemoryStore) Len(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}
