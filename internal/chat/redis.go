package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MessageSeqKey is the Redis counter that allocates message ids.
	MessageSeqKey = "messages:seq"
	// MessagesKey is the hash of message id -> JSON body.
	MessagesKey = "messages"
	// RoomsKey is the set of rooms that have stored messages.
	RoomsKey = "messages:rooms"
	// RoomPrefix prefixes each room's timestamp-scored id index.
	RoomPrefix = "room:"
)

// RedisStore keeps messages in Redis so history survives a server restart
// and can be shared by several instances. Layout:
//
//	messages:seq          INCR counter for ids
//	messages              HASH  id -> JSON message
//	room:<room>:messages  ZSET  score = timestamp ms, member = id
//	messages:rooms        SET   room names
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore creates a RedisStore on the given client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func roomKey(room string) string {
	return RoomPrefix + room + ":messages"
}

// Append allocates an id, then writes the body, the room index entry and the
// room set membership in one pipeline.
func (s *RedisStore) Append(ctx context.Context, msg Message) (Message, error) {
	if err := validate(msg); err != nil {
		return Message{}, err
	}

	id, err := s.rdb.Incr(ctx, MessageSeqKey).Result()
	if err != nil {
		return Message{}, fmt.Errorf("chat: allocate id: %w", err)
	}
	msg.ID = id
	msg.Timestamp = s.now().UnixMilli()

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("chat: marshal message: %w", err)
	}

	member := strconv.FormatInt(id, 10)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, MessagesKey, member, data)
	pipe.ZAdd(ctx, roomKey(msg.Room), redis.Z{Score: float64(msg.Timestamp), Member: member})
	pipe.SAdd(ctx, RoomsKey, msg.Room)
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("chat: store message: %w", err)
	}
	return msg, nil
}

// Recent reads the newest limit ids for room and returns their bodies
// ordered by id.
func (s *RedisStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	ids, err := s.rdb.ZRevRange(ctx, roomKey(room), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: recent ids: %w", err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	bodies, err := s.rdb.HMGet(ctx, MessagesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: recent bodies: %w", err)
	}

	msgs := make([]Message, 0, len(bodies))
	for _, body := range bodies {
		str, ok := body.(string)
		if !ok {
			continue // swept between the two reads
		}
		var m Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("chat: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}

	// Equal timestamps come back in member order; ids restore insertion order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// DeleteBefore removes, room by room, every id scored below cutoff along
// with its body.
func (s *RedisStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rooms, err := s.rdb.SMembers(ctx, RoomsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("chat: list rooms: %w", err)
	}

	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	removed := 0
	for _, room := range rooms {
		key := roomKey(room)
		ids, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return removed, fmt.Errorf("chat: expired ids room=%s: %w", room, err)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := s.rdb.Pipeline()
		pipe.HDel(ctx, MessagesKey, ids...)
		pipe.ZRemRangeByScore(ctx, key, "-inf", upper)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("chat: delete expired room=%s: %w", room, err)
		}
		removed += len(ids)

		if n, err := s.rdb.ZCard(ctx, key).Result(); err == nil && n == 0 {
			s.rdb.SRem(ctx, RoomsKey, room)
		}
	}
	return removed, nil
}
