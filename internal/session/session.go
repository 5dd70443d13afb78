// Package session owns logical user sessions and the per-room username
// ownership table. A session outlives individual connections (tabs) and is
// expired by a background sweep once it has been idle past the timeout.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// DefaultFingerprint stands in for clients that do not send one.
const DefaultFingerprint = "unknown"

// ErrNameTaken is returned when a different browser currently owns the
// requested username in the room.
var ErrNameTaken = errors.New("session: username is taken in this room")

// Config holds registry timing parameters.
type Config struct {
	Timeout       time.Duration // idle time after which a session expires
	SweepInterval time.Duration // how often expired sessions are collected
}

// DefaultConfig returns the standard 30 minute idle timeout with a one
// minute sweep.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Session is a snapshot of a logical user identity.
type Session struct {
	ID                 string
	Username           string
	Room               string
	BrowserFingerprint string
	LastSeen           time.Time
	ConnectionCount    int
}

// Claim describes a request to own a username from a specific connection.
type Claim struct {
	Username           string
	Room               string
	SessionID          string
	BrowserFingerprint string
	ConnID             string
}

type ownerKey struct {
	room     string
	username string
}

type record struct {
	Session
	conns map[string]struct{}
}

func (r *record) snapshot() Session {
	s := r.Session
	s.ConnectionCount = len(r.conns)
	return s
}

// Registry is the goroutine-safe session and ownership table. One mutex
// guards both maps so ownership and session lifetime change together.
type Registry struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
	owners   map[ownerKey]string // (room, username) -> session id

	onExpire func(Session)
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		now:      time.Now,
		sessions: make(map[string]*record),
		owners:   make(map[ownerKey]string),
	}
}

// SetOnExpire registers a callback invoked (outside the lock) for each
// session removed by a sweep.
func (r *Registry) SetOnExpire(fn func(Session)) {
	r.onExpire = fn
}

// Validate reports whether the session may use username in room without
// changing any state other than releasing a stale owner.
func (r *Registry) Validate(username, room, sessionID, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateLocked(ownerKey{room: room, username: username}, sessionID, normalizeFingerprint(fingerprint), r.now())
}

// validateLocked implements the ownership rules. The owner is released when
// its session is gone or idle past the timeout.
func (r *Registry) validateLocked(key ownerKey, sessionID, fingerprint string, now time.Time) error {
	ownerID, ok := r.owners[key]
	if !ok || ownerID == sessionID {
		return nil
	}

	owner, ok := r.sessions[ownerID]
	if !ok {
		delete(r.owners, key)
		return nil
	}
	if r.expired(owner, now) {
		r.dropLocked(ownerID)
		log.Printf("[session] released stale owner session=%s room=%s username=%s", ownerID, key.room, key.username)
		return nil
	}
	if owner.BrowserFingerprint == fingerprint {
		return nil
	}
	return ErrNameTaken
}

// Claim validates and takes ownership in one critical section, so when two
// sessions race for an unclaimed name the first to acquire the lock wins.
// It creates or refreshes the session and records the claiming connection.
func (r *Registry) Claim(c Claim) (Session, error) {
	fp := normalizeFingerprint(c.BrowserFingerprint)
	key := ownerKey{room: c.Room, username: c.Username}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if err := r.validateLocked(key, c.SessionID, fp, now); err != nil {
		return Session{}, err
	}

	rec, ok := r.sessions[c.SessionID]
	if !ok {
		rec = &record{
			Session: Session{ID: c.SessionID},
			conns:   make(map[string]struct{}),
		}
		r.sessions[c.SessionID] = rec
	} else if rec.Room == c.Room && rec.Username != c.Username {
		// Rename: give up the previous name in this room.
		prev := ownerKey{room: rec.Room, username: rec.Username}
		if r.owners[prev] == c.SessionID {
			delete(r.owners, prev)
		}
	}

	rec.Username = c.Username
	rec.Room = c.Room
	rec.BrowserFingerprint = fp
	rec.LastSeen = now
	if c.ConnID != "" {
		rec.conns[c.ConnID] = struct{}{}
	}
	r.owners[key] = c.SessionID

	return rec.snapshot(), nil
}

// Touch refreshes the session's lastSeen. It returns false for unknown
// sessions.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if ok {
		rec.LastSeen = r.now()
	}
	return ok
}

// Disconnect removes a connection from its session and returns the number
// of connections the session still has.
func (r *Registry) Disconnect(sessionID, connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	delete(rec.conns, connID)
	return len(rec.conns)
}

// Get returns a snapshot of the session, if present.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// Owner returns the session id owning username in room.
func (r *Registry) Owner(room, username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[ownerKey{room: room, username: username}]
	return id, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes every session idle past the timeout along with its
// ownership entries and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var expired []Session
	for id, rec := range r.sessions {
		if r.expired(rec, now) {
			expired = append(expired, rec.snapshot())
			r.dropLocked(id)
		}
	}
	r.mu.Unlock()

	if r.onExpire != nil {
		for _, s := range expired {
			r.onExpire(s)
		}
	}
	return len(expired)
}

// Start runs the expiry sweep every SweepInterval until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[session] sweep loop stopped")
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Printf("[session] sweep: expired %d sessions", n)
			}
		}
	}
}

func (r *Registry) expired(rec *record, now time.Time) bool {
	return now.Sub(rec.LastSeen) > r.config.Timeout
}

// dropLocked deletes a session and every ownership entry pointing at it.
func (r *Registry) dropLocked(sessionID string) {
	delete(r.sessions, sessionID)
	for key, owner := range r.owners {
		if owner == sessionID {
			delete(r.owners, key)
		}
	}
}

func normalizeFingerprint(fp string) string {
	if fp == "" {
		return DefaultFingerprint
	}
	return fp
}
