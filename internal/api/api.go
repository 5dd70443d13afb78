// Package api serves the HTTP side of the chat: room history, username
// availability and relay ingestion.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/livetype/relay-chat/internal/chat"
	"github.com/livetype/relay-chat/internal/metrics"
	"github.com/livetype/relay-chat/internal/protocol"
	"github.com/livetype/relay-chat/internal/ratelimit"
	"github.com/livetype/relay-chat/internal/relay"
	"github.com/livetype/relay-chat/internal/session"
	"github.com/livetype/relay-chat/internal/ws"
)

// SecretHeader carries the shared ingestion secret.
const SecretHeader = "X-Relay-Secret"

const maxIngestBody = 64 << 10

// Ingestor schedules relay items.
type Ingestor interface {
	Ingest(room string, item relay.Item) (relay.Ticket, error)
}

// Throttle is the per-client request limiter; *ratelimit.Limiter satisfies it.
type Throttle interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Config holds API settings.
type Config struct {
	RelaySecret    string // empty disables the secret check
	HistoryDefault int
	HistoryMax     int
}

// DefaultConfig returns 50 messages per history page, at most 200.
func DefaultConfig() Config {
	return Config{HistoryDefault: 50, HistoryMax: 200}
}

// API holds the handlers' dependencies.
type API struct {
	config   Config
	store    chat.Store
	registry *session.Registry
	relay    Ingestor
	throttle Throttle
}

// New creates the API. throttle may be nil.
func New(config Config, store chat.Store, registry *session.Registry, ingestor Ingestor, throttle Throttle) *API {
	return &API{
		config:   config,
		store:    store,
		registry: registry,
		relay:    ingestor,
		throttle: throttle,
	}
}

// Routes registers every endpoint through handle, e.g. (*ws.Server).Handle.
func (a *API) Routes(handle func(pattern string, h http.Handler)) {
	handle("GET /api/messages", http.HandlerFunc(a.handleMessages))
	handle("GET /api/username", http.HandlerFunc(a.handleUsername))
	handle("POST /api/relay", http.HandlerFunc(a.handleRelay))
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room := protocol.NormalizeRoom(q.Get("room"))

	limit := a.config.HistoryDefault
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	limit = min(limit, a.config.HistoryMax)

	msgs, err := a.store.Recent(r.Context(), room, limit)
	if err != nil {
		log.Printf("[api] history room=%s: %v", room, err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type usernameResponse struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func (a *API) handleUsername(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username := strings.TrimSpace(q.Get("username"))
	if username == "" {
		writeJSON(w, http.StatusBadRequest, usernameResponse{Reason: "username is required"})
		return
	}
	room := protocol.NormalizeRoom(q.Get("room"))

	err := a.registry.Validate(username, room, q.Get("sessionId"), q.Get("browserFingerprint"))
	switch {
	case errors.Is(err, session.ErrNameTaken):
		writeJSON(w, http.StatusOK, usernameResponse{Reason: "taken"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "validation failed")
	default:
		writeJSON(w, http.StatusOK, usernameResponse{Available: true})
	}
}

type ingestResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
	Room     string `json:"room"`
	Frames   int    `json:"frames"`
}

func (a *API) handleRelay(w http.ResponseWriter, r *http.Request) {
	if a.config.RelaySecret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.config.RelaySecret)) != 1 {
			metrics.RelayIngest.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "invalid relay secret")
			return
		}
	}

	if a.throttle != nil {
		ip := ws.ClientIP(r)
		// Limiter errors fail open; the limiter logs them.
		allowed, _ := a.throttle.Allow(r.Context(), ip, ratelimit.RuleIngest)
		if remaining, err := a.throttle.Remaining(r.Context(), ip, ratelimit.RuleIngest); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !allowed {
			metrics.RelayIngest.WithLabelValues("throttled").Inc()
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}

	var req relay.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
		metrics.RelayIngest.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ticket, err := a.relay.Ingest(req.Room, req.Item)
	switch {
	case errors.Is(err, relay.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Printf("[api] ingest: %v", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
	default:
		writeJSON(w, http.StatusAccepted, ingestResponse{
			Accepted: true,
			ID:       ticket.ID,
			Room:     ticket.Room,
			Frames:   ticket.Frames,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
