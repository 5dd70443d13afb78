package chat

import (
	"context"
	"encoding/json"
	"log"
)

// Publisher receives every message once it has been stored.
type Publisher interface {
	PublishMessage(room string, data []byte) error
}

// PublishingStore wraps a Store and forwards each appended message to a
// Publisher. Publish failures are logged and never fail the append.
type PublishingStore struct {
	Store
	pub Publisher
}

// WithPublisher returns store decorated with pub.
func WithPublisher(store Store, pub Publisher) *PublishingStore {
	return &PublishingStore{Store: store, pub: pub}
}

// Append stores msg through the wrapped Store and then publishes it.
func (s *PublishingStore) Append(ctx context.Context, msg Message) (Message, error) {
	stored, err := s.Store.Append(ctx, msg)
	if err != nil {
		return stored, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		log.Printf("[chat] marshal message id=%d for publish: %v", stored.ID, err)
		return stored, nil
	}
	if err := s.pub.PublishMessage(stored.Room, data); err != nil {
		log.Printf("[chat] publish message id=%d room=%s: %v", stored.ID, stored.Room, err)
	}
	return stored, nil
}
