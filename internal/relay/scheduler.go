package relay

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livetype/relay-chat/internal/chat"
	"github.com/livetype/relay-chat/internal/metrics"
	"github.com/livetype/relay-chat/internal/protocol"
)

// Broadcaster delivers an encoded frame to every connection in room except
// excludeID. It returns the number of connections the frame was queued for.
type Broadcaster interface {
	BroadcastRoom(room string, data []byte, excludeID string) int
}

// Config tunes the scheduler.
type Config struct {
	Tick             time.Duration // tick loop period
	MaxFramesPerTick int           // global cap across all jobs
	MaxFramesPerJob  int           // per-job cap within one tick
	LedgerSize       int           // dedup identities remembered
	MaxContentChars  int           // item content is truncated to this length
	StartDelay       time.Duration // wait before a new job's first frame
	Cadence          Cadence

	// Viewport fractions a job's message is placed within.
	MinX, MaxX float64
	MinY, MaxY float64
}

// DefaultConfig returns a 12ms tick with room for a few dozen concurrent jobs.
func DefaultConfig() Config {
	return Config{
		Tick:             12 * time.Millisecond,
		MaxFramesPerTick: 64,
		MaxFramesPerJob:  4,
		LedgerSize:       2048,
		MaxContentChars:  280,
		StartDelay:       250 * time.Millisecond,
		Cadence:          DefaultCadence(),
		MinX:             0.05,
		MaxX:             0.6,
		MinY:             0.1,
		MaxY:             0.9,
	}
}

// Job is one in-flight typing sequence.
type Job struct {
	ID          string
	Key         string
	Username    string
	Room        string
	XPosition   float64
	YPosition   float64
	SourceURL   string
	SourceLabel string
	StoryURL    string
	StoryLabel  string

	FinalContent string
	Frames       []Frame
	FrameIndex   int
	NextFireAt   time.Time
}

// Ticket acknowledges an accepted item.
type Ticket struct {
	ID       string `json:"id"`
	Room     string `json:"room"`
	Frames   int    `json:"frames"`
	Replaced bool   `json:"replaced,omitempty"`
}

// Scheduler owns the relay job set and dedup ledger. Ingest may be called
// from any goroutine; Tick is driven by Start.
type Scheduler struct {
	config Config
	store  chat.Store
	fanout Broadcaster
	now    func() time.Time
	seed   func() uint64

	mu     sync.Mutex
	jobs   map[string]*Job   // job id -> job
	active map[string]string // identity key -> job id
	ledger *Ledger
}

// NewScheduler creates a scheduler that persists completed jobs to store and
// broadcasts through fanout.
func NewScheduler(config Config, store chat.Store, fanout Broadcaster) *Scheduler {
	return &Scheduler{
		config: config,
		store:  store,
		fanout: fanout,
		now:    time.Now,
		seed:   cryptoSeed,
		jobs:   make(map[string]*Job),
		active: make(map[string]string),
		ledger: NewLedger(config.LedgerSize),
	}
}

// Ingest normalizes item and schedules it for playback in room. It returns
// ErrInvalidItem for items without usable content and ErrDuplicate when the
// item's version has already been ingested. A changed version of an item
// still playing replaces the old job, which then never completes.
func (s *Scheduler) Ingest(room string, item Item) (Ticket, error) {
	room = protocol.NormalizeRoom(room)
	key := room + "\x00" + string(item.ExternalID)
	version := item.Version()

	// Duplicates are turned away before any normalization or synthesis.
	s.mu.Lock()
	seen := s.ledger.Seen(key, version)
	s.mu.Unlock()
	if seen {
		metrics.RelayIngest.WithLabelValues("duplicate").Inc()
		return Ticket{}, ErrDuplicate
	}

	n, err := item.normalize(s.config.MaxContentChars)
	if err != nil {
		metrics.RelayIngest.WithLabelValues("invalid").Inc()
		return Ticket{}, err
	}

	seed := s.seed()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	job := &Job{
		ID:           uuid.New().String(),
		Key:          key,
		Username:     n.Username,
		Room:         room,
		XPosition:    between(rng, s.config.MinX, s.config.MaxX),
		YPosition:    between(rng, s.config.MinY, s.config.MaxY),
		SourceURL:    n.SourceURL,
		SourceLabel:  n.SourceLabel,
		StoryURL:     n.StoryURL,
		StoryLabel:   n.StoryLabel,
		FinalContent: n.Content,
		Frames:       s.config.Cadence.Synthesize(n.Content, rng),
	}

	s.mu.Lock()
	// A concurrent Ingest of the same version may have won meanwhile.
	if s.ledger.Seen(key, version) {
		s.mu.Unlock()
		metrics.RelayIngest.WithLabelValues("duplicate").Inc()
		return Ticket{}, ErrDuplicate
	}
	s.ledger.Record(key, version)

	replaced := false
	if oldID, ok := s.active[key]; ok {
		delete(s.jobs, oldID)
		replaced = true
	}
	job.NextFireAt = s.now().Add(s.config.StartDelay)
	s.jobs[job.ID] = job
	s.active[key] = job.ID
	pending := len(s.jobs)
	s.mu.Unlock()

	metrics.RelayJobs.Set(float64(pending))
	if replaced {
		metrics.RelayIngest.WithLabelValues("replaced").Inc()
		log.Printf("[relay] item %s in room %s changed, replacing in-flight job", item.ExternalID, room)
	} else {
		metrics.RelayIngest.WithLabelValues("accepted").Inc()
	}

	return Ticket{ID: job.ID, Room: room, Frames: len(job.Frames), Replaced: replaced}, nil
}

// emission is a keystroke frame picked under the lock and sent after it.
type emission struct {
	room  string
	frame protocol.Frame
}

// Tick emits every frame due at now, oldest-due job first, within the
// global and per-job caps. Jobs that emit their last frame are removed and
// finalized. It returns the number of keystroke frames emitted.
func (s *Scheduler) Tick(now time.Time) int {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	s.mu.Lock()
	due := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.NextFireAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].NextFireAt.Equal(due[b].NextFireAt) {
			return due[a].ID < due[b].ID
		}
		return due[a].NextFireAt.Before(due[b].NextFireAt)
	})

	var (
		out      []emission
		finished []*Job
		budget   = s.config.MaxFramesPerTick
	)
	for _, j := range due {
		if budget <= 0 {
			break
		}
		for n := 0; n < s.config.MaxFramesPerJob && budget > 0; n++ {
			if j.FrameIndex >= len(j.Frames) || j.NextFireAt.After(now) {
				break
			}
			f := j.Frames[j.FrameIndex]
			out = append(out, emission{room: j.Room, frame: j.keystroke(f.Content)})
			j.NextFireAt = j.NextFireAt.Add(f.Delay)
			j.FrameIndex++
			budget--
		}
		if j.FrameIndex >= len(j.Frames) {
			delete(s.jobs, j.ID)
			if s.active[j.Key] == j.ID {
				delete(s.active, j.Key)
			}
			finished = append(finished, j)
		}
	}
	pending := len(s.jobs)
	s.mu.Unlock()

	for _, e := range out {
		data, err := protocol.NewServerFrame(protocol.TypeKeystroke, e.frame)
		if err != nil {
			log.Printf("[relay] encode keystroke: %v", err)
			continue
		}
		s.fanout.BroadcastRoom(e.room, data, "")
	}
	metrics.RelayFrames.Add(float64(len(out)))

	for _, j := range finished {
		s.finalize(j)
	}
	metrics.RelayJobs.Set(float64(pending))

	return len(out)
}

// finalize persists a completed job and announces it to the room.
func (s *Scheduler) finalize(j *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := chat.Message{
		Username:    j.Username,
		Content:     j.FinalContent,
		Room:        j.Room,
		XPosition:   j.XPosition,
		YPosition:   j.YPosition,
		SourceURL:   j.SourceURL,
		SourceLabel: j.SourceLabel,
		StoryURL:    j.StoryURL,
		StoryLabel:  j.StoryLabel,
	}
	stored, err := s.store.Append(ctx, msg)
	if err != nil {
		log.Printf("[relay] job %s: store append failed: %v", j.ID, err)
		msg.Timestamp = s.now().UnixMilli()
		stored = msg
	} else {
		metrics.MessagesStored.WithLabelValues("relay").Inc()
	}

	data, err := protocol.NewServerFrame(protocol.TypeNewMessage, stored.Frame(true))
	if err != nil {
		log.Printf("[relay] encode newMessage: %v", err)
		return
	}
	s.fanout.BroadcastRoom(j.Room, data, "")
	metrics.RelayCompleted.Inc()
}

// Pending returns the number of jobs still playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start runs the tick loop until ctx is cancelled. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	log.Printf("[relay] tick loop started (period=%s, frames/tick=%d, frames/job=%d)",
		s.config.Tick, s.config.MaxFramesPerTick, s.config.MaxFramesPerJob)

	for {
		select {
		case <-ctx.Done():
			log.Println("[relay] tick loop stopped")
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

func (j *Job) keystroke(content string) protocol.Frame {
	return protocol.Frame{
		Username:       j.Username,
		Room:           j.Room,
		Content:        content,
		IsTyping:       true,
		XPosition:      j.XPosition,
		YPosition:      j.YPosition,
		SourceURL:      j.SourceURL,
		SourceLabel:    j.SourceLabel,
		StoryURL:       j.StoryURL,
		StoryLabel:     j.StoryLabel,
		ServerPrepared: true,
	}
}

func between(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}

// cryptoSeed seeds each job's generator from crypto/rand, falling back to
// the clock if the system source fails.
func cryptoSeed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}
